package workflows

import (
	"fmt"
	"sort"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/surajsub/temporal-release-pipeline/activities"
	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/policy"
)

type PipelineInput struct {
	ExecutionID   string                    `json:"execution_id"`
	Definition    models.PipelineDefinition `json:"definition"`
	ArtifactStore string                    `json:"artifact_store"`
	SignalTimeout time.Duration             `json:"signal_timeout,omitempty"`
}

// DeploymentID is the workflow id of the deployment an action starts. Hosts
// echo it back as stackOrGroupId.
func DeploymentID(executionID, action string) string {
	return executionID + "-" + action
}

// PipelineWorkflow runs the stages of a pipeline in ordinal order and the
// actions of each stage in declaration order. The first failing action fails
// its stage and halts the pipeline; later stages stay NotStarted. Outputs are
// published only when the whole stage succeeds. A deploy action runs
// DeploymentWorkflow as a child and its stage succeeds only if the deployment
// does.
func PipelineWorkflow(ctx workflow.Context, input PipelineInput) (models.PipelineResult, error) {
	logger := workflow.GetLogger(ctx)
	def := input.Definition
	logger.Info("Starting PipelineWorkflow", "pipeline", def.Name, "executionID", input.ExecutionID)

	var a *activities.Activities
	infraCtx := infraOptions(ctx)

	result := models.PipelineResult{
		ExecutionID: input.ExecutionID,
		Pipeline:    def.Name,
		Status:      models.StageRunning,
	}

	graph, err := BuildGraph(def)
	if err != nil {
		return abort(infraCtx, result, models.ErrTypeInvalidDefinition, err)
	}
	for _, st := range graph.Stages {
		result.Stages = append(result.Stages, models.StageResult{
			Name:    st.Name,
			Ordinal: st.Ordinal,
			Status:  models.StageNotStarted,
		})
	}
	policies, err := policy.Compose(def.Actions(), policy.FromDefinition(def, input.ArtifactStore))
	if err != nil {
		return abort(infraCtx, result, models.ErrTypePolicyComposeConflict, err)
	}
	if err := workflow.ExecuteActivity(infraCtx, a.RecordPolicies, input.ExecutionID, policies).Get(ctx, nil); err != nil {
		logger.Warn("Failed to record policies", "error", err)
	}

	refs := make(map[string]models.ArtifactRef)
	vars := make(map[string]string)
	var lastPublished *models.ArtifactRef

	for i, stage := range graph.Stages {
		sr := &result.Stages[i]
		sr.Status = models.StageRunning
		recordStage(infraCtx, input, *sr)
		logger.Info("Executing stage", "stage", stage.Name, "ordinal", stage.Ordinal)

		staged := make(map[string]string)
		var stageErr error
		for _, action := range stage.Actions {
			if action.Kind == models.ActionDeploy {
				stageErr = runDeployment(ctx, input, &result, action, refs[action.Inputs[0]])
			} else {
				stageErr = runAction(ctx, input, stage.Name, action, refs, vars, staged)
			}
			if stageErr != nil {
				logger.Error("Action failed", "stage", stage.Name, "action", action.Name, "error", stageErr)
				break
			}
		}

		if stageErr == nil && len(staged) > 0 {
			var published map[string]models.ArtifactRef
			stageErr = workflow.ExecuteActivity(infraCtx, a.PublishStage, activities.PublishRequest{
				ExecutionID: input.ExecutionID,
				Stage:       stage.Name,
				Staged:      staged,
			}).Get(ctx, &published)
			if stageErr == nil {
				sr.Artifacts = published
				slots := make([]string, 0, len(published))
				for slot, ref := range published {
					refs[slot] = ref
					slots = append(slots, slot)
				}
				sort.Strings(slots)
				last := published[slots[len(slots)-1]]
				lastPublished = &last
			}
		}

		if stageErr != nil {
			if err := workflow.ExecuteActivity(infraCtx, a.DiscardStage, input.ExecutionID, stage.Name).Get(ctx, nil); err != nil {
				logger.Warn("Failed to discard stage outputs", "stage", stage.Name, "error", err)
			}
			sr.Status = models.StageFailed
			sr.Error = errorMessage(stageErr)
			sr.ErrorType = errorType(stageErr)
			recordStage(infraCtx, input, *sr)
			result.Status = models.StageFailed
			result.Error = fmt.Sprintf("stage %s failed: %s", stage.Name, sr.Error)
			break
		}

		sr.Status = models.StageSucceeded
		recordStage(infraCtx, input, *sr)
		logger.Info("Completed stage", "stage", stage.Name)
	}

	if result.Status != models.StageFailed {
		result.Status = models.StageSucceeded
		if result.Deployment != nil {
			rev := result.Deployment.Revision
			result.FinalArtifact = &rev
		} else {
			result.FinalArtifact = lastPublished
		}
	}
	finish(infraCtx, result)
	logger.Info("Pipeline complete", "status", result.Status)
	return result, nil
}

func runAction(ctx workflow.Context, input PipelineInput, stage string, action models.Action, refs map[string]models.ArtifactRef, vars map[string]string, staged map[string]string) error {
	var a *activities.Activities
	inputs := make(map[string]models.ArtifactRef, len(action.Inputs))
	for _, slot := range action.Inputs {
		if ref, ok := refs[slot]; ok {
			inputs[slot] = ref
		}
	}
	req := activities.ActionRequest{
		ExecutionID: input.ExecutionID,
		Stage:       stage,
		Action:      resolveAction(action, vars),
		Inputs:      inputs,
		Variables:   vars,
	}
	var out activities.ActionOutcome
	if err := workflow.ExecuteActivity(actionOptions(ctx), a.RunAction, req).Get(ctx, &out); err != nil {
		return err
	}
	for slot, dir := range out.Staged {
		staged[slot] = dir
	}
	exportVariables(vars, action, out.Variables)
	return nil
}

func runDeployment(ctx workflow.Context, input PipelineInput, result *models.PipelineResult, action models.Action, revision models.ArtifactRef) error {
	id := DeploymentID(input.ExecutionID, action.Name)
	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{WorkflowID: id})

	var dep models.DeploymentResult
	err := workflow.ExecuteChildWorkflow(childCtx, DeploymentWorkflow, DeploymentInput{
		DeploymentID:  id,
		ExecutionID:   input.ExecutionID,
		Pipeline:      input.Definition.Name,
		Group:         action.Deploy.Group,
		Revision:      revision,
		Layout:        action.Deploy.Layout,
		SignalTimeout: input.SignalTimeout,
	}).Get(ctx, &dep)
	if err != nil {
		// The child never reached a terminal state of its own.
		result.Deployment = &models.DeploymentResult{
			DeploymentID: id,
			Group:        action.Deploy.Group,
			Revision:     revision,
			State:        models.DeploymentFailed,
			Reason:       errorMessage(err),
		}
		var a *activities.Activities
		if recErr := workflow.ExecuteActivity(infraOptions(ctx), a.RecordDeployment, input.ExecutionID, input.Definition.Name, *result.Deployment).Get(ctx, nil); recErr != nil {
			workflow.GetLogger(ctx).Warn("Failed to record deployment", "deployment", id, "error", recErr)
		}
		return err
	}
	result.Deployment = &dep
	if dep.State != models.DeploymentSucceeded {
		return temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("deployment %s to %s ended %s: %s", dep.DeploymentID, dep.Group, dep.State, dep.Reason),
			"Deployment"+string(dep.State), nil)
	}
	return nil
}

func recordStage(ctx workflow.Context, input PipelineInput, stage models.StageResult) {
	var a *activities.Activities
	if err := workflow.ExecuteActivity(ctx, a.RecordStage, input.ExecutionID, input.Definition.Name, stage).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Failed to record stage", "stage", stage.Name, "error", err)
	}
}

func finish(ctx workflow.Context, result models.PipelineResult) {
	var a *activities.Activities
	if err := workflow.ExecuteActivity(ctx, a.FinishExecution, result).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Failed to record execution result", "error", err)
	}
}

// abort fails the execution before any stage started.
func abort(ctx workflow.Context, result models.PipelineResult, errType string, err error) (models.PipelineResult, error) {
	workflow.GetLogger(ctx).Error("Pipeline rejected", "error", err)
	result.Status = models.StageFailed
	result.Error = err.Error()
	finish(ctx, result)
	return result, temporal.NewNonRetryableApplicationError(err.Error(), errType, err)
}
