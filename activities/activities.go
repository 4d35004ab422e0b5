package activities

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/executors"
	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/logger"
	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/notify"
	"github.com/surajsub/temporal-release-pipeline/policy"
	"github.com/surajsub/temporal-release-pipeline/records"
	"github.com/surajsub/temporal-release-pipeline/utils"
)

// Activities holds the dependencies of every pipeline activity. Register one
// instance with the worker; workflows reference the methods through a nil
// *Activities.
type Activities struct {
	Store     artifacts.Store
	Hosts     fleet.HostRegistry
	Groups    fleet.GroupRepository
	Installer fleet.Installer
	Recorder  records.Recorder
	Notifier  notify.Notifier
	Executors executors.Deps
	// WorkRoot holds per-execution workspaces and staged stage outputs.
	WorkRoot string
	// PublicURL is the orchestrator's externally reachable base URL, used to
	// build artifact download links for host agents.
	PublicURL string
	Logger    *logrus.Logger
}

func (a *Activities) log() *logrus.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	l := logger.NewActivityLogger("info")
	l.Warn("Using fallback logger as no logger was passed")
	return l
}

// nonRetryable converts taxonomy errors into application errors whose type
// survives the activity boundary. Anything else is returned unchanged and
// retried according to the caller's policy.
func nonRetryable(err error) error {
	var errType string
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrActionFailure):
		errType = models.ErrTypeActionFailure
	case errors.Is(err, artifacts.ErrArtifactNotFound):
		errType = models.ErrTypeArtifactNotFound
	case errors.Is(err, artifacts.ErrLayoutViolation):
		errType = models.ErrTypeLayoutViolation
	case errors.Is(err, models.ErrInvalidDefinition), errors.Is(err, models.ErrNotFound):
		errType = models.ErrTypeInvalidDefinition
	case errors.Is(err, fleet.ErrRevisionConflict):
		errType = models.ErrTypeRevisionConflict
	default:
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), errType, err)
}

func (a *Activities) workspace(executionID, stage, action string) string {
	return filepath.Join(a.WorkRoot, executionID, "work", stage, action)
}

func (a *Activities) staging(executionID, stage string) string {
	return filepath.Join(a.WorkRoot, executionID, "staged", stage)
}

type ActionRequest struct {
	ExecutionID string                        `json:"execution_id"`
	Stage       string                        `json:"stage"`
	Action      models.Action                 `json:"action"`
	Inputs      map[string]models.ArtifactRef `json:"inputs,omitempty"`
	Variables   map[string]string             `json:"variables,omitempty"`
}

// ActionOutcome points at the staged output of each slot. Staged outputs are
// published only once the whole stage succeeds.
type ActionOutcome struct {
	Staged    map[string]string `json:"staged,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// RunAction materializes the action's inputs into a fresh workspace, runs its
// executor and stages the outputs. The first input slot lands at the
// workspace root and further slots under .inputs/<slot>.
func (a *Activities) RunAction(ctx context.Context, req ActionRequest) (ActionOutcome, error) {
	logger := a.log()
	info := activity.GetInfo(ctx)
	logger.Infof("Running action %s (stage %s, WorkflowID: %s)", req.Action.Name, req.Stage, info.WorkflowExecution.ID)
	activity.RecordHeartbeat(ctx, fmt.Sprintf("Executing action: %s", req.Action.Name))

	ws := a.workspace(req.ExecutionID, req.Stage, req.Action.Name)
	if err := os.RemoveAll(ws); err != nil {
		return ActionOutcome{}, fmt.Errorf("failed to reset workspace: %w", err)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return ActionOutcome{}, fmt.Errorf("failed to create workspace: %w", err)
	}

	for i, slot := range req.Action.Inputs {
		ref, ok := req.Inputs[slot]
		if !ok {
			return ActionOutcome{}, nonRetryable(fmt.Errorf("input %s: %w", slot, artifacts.ErrArtifactNotFound))
		}
		files, err := a.Store.Fetch(ctx, ref)
		if err != nil {
			logger.Errorf("Failed to fetch input %s (%s): %v", slot, ref, err)
			return ActionOutcome{}, nonRetryable(err)
		}
		dir := ws
		if i > 0 {
			dir = filepath.Join(ws, ".inputs", slot)
		}
		if err := utils.WriteFiles(dir, files); err != nil {
			return ActionOutcome{}, err
		}
	}

	executor, err := executors.GetExecutor(req.Action.Kind, a.Executors)
	if err != nil {
		return ActionOutcome{}, nonRetryable(fmt.Errorf("%w: %v", models.ErrInvalidDefinition, err))
	}
	res, err := executor.Execute(ctx, executors.Request{
		ExecutionID: req.ExecutionID,
		Stage:       req.Stage,
		Action:      req.Action,
		Workspace:   ws,
		Variables:   req.Variables,
	})
	if err != nil {
		logger.Errorf("Action %s failed: %v", req.Action.Name, err)
		return ActionOutcome{}, nonRetryable(err)
	}

	out := ActionOutcome{Variables: res.Variables}
	if len(res.Outputs) > 0 {
		out.Staged = make(map[string]string, len(res.Outputs))
	}
	for slot, files := range res.Outputs {
		dir := filepath.Join(a.staging(req.ExecutionID, req.Stage), slot)
		if err := os.RemoveAll(dir); err != nil {
			return ActionOutcome{}, fmt.Errorf("failed to reset staging for %s: %w", slot, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ActionOutcome{}, fmt.Errorf("failed to create staging for %s: %w", slot, err)
		}
		if err := utils.WriteFiles(dir, files); err != nil {
			return ActionOutcome{}, err
		}
		out.Staged[slot] = dir
	}
	logger.Infof("Action %s staged %d output slots", req.Action.Name, len(out.Staged))
	return out, nil
}

type PublishRequest struct {
	ExecutionID string            `json:"execution_id"`
	Stage       string            `json:"stage"`
	Staged      map[string]string `json:"staged"`
}

// PublishStage publishes every staged slot of a succeeded stage and removes
// the stage's scratch space. Publishing identical content again yields the
// same refs, so a retried publish is harmless.
func (a *Activities) PublishStage(ctx context.Context, req PublishRequest) (map[string]models.ArtifactRef, error) {
	logger := a.log()
	slots := make([]string, 0, len(req.Staged))
	for slot := range req.Staged {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	refs := make(map[string]models.ArtifactRef, len(slots))
	for _, slot := range slots {
		files, err := utils.CollectFiles(req.Staged[slot], nil)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", slot, err)
		}
		pub, err := a.Store.Publish(ctx, req.ExecutionID, req.Stage, files)
		if err != nil {
			return nil, fmt.Errorf("publish %s: %w", slot, err)
		}
		logger.Infof("Published slot %s of stage %s as %s (sequence %d, reused %t)", slot, req.Stage, pub.Ref, pub.Sequence, pub.Reused)
		refs[slot] = pub.Ref
	}
	if err := a.discard(req.ExecutionID, req.Stage); err != nil {
		logger.Warnf("Failed to clean up stage %s: %v", req.Stage, err)
	}
	return refs, nil
}

// DiscardStage drops everything a failed stage produced. Nothing of it is
// ever published.
func (a *Activities) DiscardStage(ctx context.Context, executionID, stage string) error {
	a.log().Infof("Discarding outputs of failed stage %s", stage)
	return a.discard(executionID, stage)
}

func (a *Activities) discard(executionID, stage string) error {
	if err := os.RemoveAll(a.staging(executionID, stage)); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(a.WorkRoot, executionID, "work", stage))
}

type PrepareRequest struct {
	Ref    models.ArtifactRef `json:"ref"`
	Layout []string           `json:"layout,omitempty"`
}

type Revision struct {
	Ref         models.ArtifactRef `json:"ref"`
	ArtifactURL string             `json:"artifact_url"`
	Files       int                `json:"files"`
}

// PrepareRevision checks that the artifact still exists and satisfies the
// deployment layout, and returns where hosts download it.
func (a *Activities) PrepareRevision(ctx context.Context, req PrepareRequest) (Revision, error) {
	files, err := a.Store.Fetch(ctx, req.Ref)
	if err != nil {
		return Revision{}, nonRetryable(err)
	}
	layout := req.Layout
	if len(layout) == 0 {
		layout = models.DefaultLayout
	}
	selected, err := artifacts.Layout{Patterns: layout}.Select(files)
	if err != nil {
		return Revision{}, nonRetryable(err)
	}
	return Revision{Ref: req.Ref, ArtifactURL: a.artifactURL(req.Ref, layout), Files: len(selected)}, nil
}

// artifactURL is the download location served by the orchestrator's API. The
// layout travels in the query so hosts receive only the files it selects.
func (a *Activities) artifactURL(ref models.ArtifactRef, layout []string) string {
	u := fmt.Sprintf("%s/v1/artifacts/%s/%s", a.PublicURL, url.PathEscape(ref.StageID), url.PathEscape(ref.ID))
	if len(layout) == 0 {
		return u
	}
	return u + "?" + url.Values{"layout": layout}.Encode()
}

type Targets struct {
	Group models.DeploymentGroup   `json:"group"`
	Hosts []models.ProvisionedHost `json:"hosts"`
}

// ResolveTargets loads the group, including its current revision, and the
// registered hosts its selector matches.
func (a *Activities) ResolveTargets(ctx context.Context, group string) (Targets, error) {
	g, err := a.Groups.Get(ctx, group)
	if err != nil {
		return Targets{}, nonRetryable(err)
	}
	hosts, err := a.Hosts.List(ctx)
	if err != nil {
		return Targets{}, fmt.Errorf("list hosts: %w", err)
	}
	matched := fleet.Select(hosts, fleet.Selector{MatchTags: g.Selector})
	a.log().Infof("Group %s matched %d of %d hosts", group, len(matched), len(hosts))
	return Targets{Group: g, Hosts: matched}, nil
}

type InstallRequest struct {
	DeploymentID string                 `json:"deployment_id"`
	Host         models.ProvisionedHost `json:"host"`
	Revision     models.ArtifactRef     `json:"revision"`
	ArtifactURL  string                 `json:"artifact_url"`
	Rollback     bool                   `json:"rollback,omitempty"`
	// Signal asks the host to bootstrap and report back.
	Signal bool `json:"signal,omitempty"`
}

func (a *Activities) InstallRevision(ctx context.Context, req InstallRequest) error {
	a.log().Infof("Installing %s on host %s (deployment %s, rollback %t)", req.Revision, req.Host.ID, req.DeploymentID, req.Rollback)
	return a.Installer.Install(ctx, req.Host, fleet.InstallRequest{
		DeploymentID:    req.DeploymentID,
		Revision:        req.Revision,
		ArtifactURL:     req.ArtifactURL,
		Rollback:        req.Rollback,
		Signal:          req.Signal,
		BootstrapScript: req.Host.BootstrapScript,
	})
}

type AdvanceRequest struct {
	Group    string              `json:"group"`
	Expected *models.ArtifactRef `json:"expected,omitempty"`
	Next     models.ArtifactRef  `json:"next"`
}

func (a *Activities) AdvanceRevision(ctx context.Context, req AdvanceRequest) error {
	if err := a.Groups.AdvanceRevision(ctx, req.Group, req.Expected, req.Next); err != nil {
		return nonRetryable(err)
	}
	a.log().Infof("Group %s now at revision %s", req.Group, req.Next)
	return nil
}

func (a *Activities) RecordStage(ctx context.Context, executionID, pipeline string, stage models.StageResult) error {
	if err := a.Recorder.RecordStage(ctx, executionID, stage); err != nil {
		return fmt.Errorf("record stage %s: %w", stage.Name, err)
	}
	if stage.Status == models.StageSucceeded || stage.Status == models.StageFailed {
		return a.Notify(ctx, notify.Event{
			Kind:        notify.StageFinished,
			ExecutionID: executionID,
			Pipeline:    pipeline,
			Subject:     stage.Name,
			Status:      string(stage.Status),
			Detail:      stage.Error,
		})
	}
	return nil
}

func (a *Activities) RecordDeployment(ctx context.Context, executionID, pipeline string, dep models.DeploymentResult) error {
	if err := a.Recorder.RecordDeployment(ctx, executionID, dep); err != nil {
		return fmt.Errorf("record deployment %s: %w", dep.DeploymentID, err)
	}
	return a.Notify(ctx, notify.Event{
		Kind:        notify.DeploymentFinished,
		ExecutionID: executionID,
		Pipeline:    pipeline,
		Subject:     dep.Group,
		Status:      string(dep.State),
		Detail:      dep.Reason,
	})
}

func (a *Activities) RecordPolicies(ctx context.Context, executionID string, policies []policy.Policy) error {
	if err := a.Recorder.RecordPolicies(ctx, executionID, policies); err != nil {
		return fmt.Errorf("record policies: %w", err)
	}
	a.log().Infof("Recorded %d policies for %s", len(policies), executionID)
	return nil
}

func (a *Activities) FinishExecution(ctx context.Context, result models.PipelineResult) error {
	if err := a.Recorder.FinishExecution(ctx, result.ExecutionID, result.Status, result.Error); err != nil {
		return fmt.Errorf("finish execution %s: %w", result.ExecutionID, err)
	}
	return a.Notify(ctx, notify.Event{
		Kind:        notify.PipelineFinished,
		ExecutionID: result.ExecutionID,
		Pipeline:    result.Pipeline,
		Subject:     result.Pipeline,
		Status:      string(result.Status),
		Detail:      result.Error,
	})
}

// Notify publishes an event. Delivery is best effort: a failed publish is
// logged and never fails the caller.
func (a *Activities) Notify(ctx context.Context, ev notify.Event) error {
	if a.Notifier == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := a.Notifier.Publish(ctx, ev); err != nil {
		a.log().Warnf("Failed to publish %s event for %s: %v", ev.Kind, ev.ExecutionID, err)
	}
	return nil
}
