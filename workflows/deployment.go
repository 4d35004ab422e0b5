package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/surajsub/temporal-release-pipeline/activities"
	"github.com/surajsub/temporal-release-pipeline/deploy"
	"github.com/surajsub/temporal-release-pipeline/models"
)

type DeploymentInput struct {
	DeploymentID  string             `json:"deployment_id"`
	ExecutionID   string             `json:"execution_id"`
	Pipeline      string             `json:"pipeline"`
	Group         string             `json:"group"`
	Revision      models.ArtifactRef `json:"revision"`
	Layout        []string           `json:"layout,omitempty"`
	SignalTimeout time.Duration      `json:"signal_timeout,omitempty"`
}

// DeploymentWorkflow drives one deployment attempt through deploy.Machine.
// Installs fan out to every matched host in parallel and each host gets its
// own signal deadline from the moment its install is dispatched. The machine
// decides on the first failure; the group's revision advances only after
// every host succeeded.
func DeploymentWorkflow(ctx workflow.Context, input DeploymentInput) (models.DeploymentResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting DeploymentWorkflow", "deploymentID", input.DeploymentID, "group", input.Group, "revision", input.Revision.String())

	var a *activities.Activities
	infraCtx := infraOptions(ctx)

	var rev activities.Revision
	if err := workflow.ExecuteActivity(infraCtx, a.PrepareRevision, activities.PrepareRequest{
		Ref:    input.Revision,
		Layout: input.Layout,
	}).Get(ctx, &rev); err != nil {
		return models.DeploymentResult{}, err
	}

	var targets activities.Targets
	if err := workflow.ExecuteActivity(infraCtx, a.ResolveTargets, input.Group).Get(ctx, &targets); err != nil {
		return models.DeploymentResult{}, err
	}

	m := deploy.New(input.DeploymentID, targets.Group, input.Revision)
	hosts := make(map[string]models.ProvisionedHost, len(targets.Hosts))
	ids := make([]string, 0, len(targets.Hosts))
	for _, h := range targets.Hosts {
		hosts[h.ID] = h
		ids = append(ids, h.ID)
	}
	if err := m.Begin(ids); err != nil {
		logger.Warn("Deployment failed before install", "error", err)
		return finishDeployment(ctx, input, m), nil
	}

	decision := rollout(ctx, input, m, hosts, rev, signalTimeout(targets.Group, input))
	logger.Info("Rollout decided", "decision", decision.String(), "reason", m.Reason())

	switch decision {
	case deploy.Succeed:
		err := workflow.ExecuteActivity(infraCtx, a.AdvanceRevision, activities.AdvanceRequest{
			Group:    input.Group,
			Expected: targets.Group.CurrentRevision,
			Next:     input.Revision,
		}).Get(ctx, nil)
		if err != nil {
			m.Fail(fmt.Sprintf("advance revision: %s", errorMessage(err)))
		} else if err := m.Succeed(); err != nil {
			m.Fail(err.Error())
		}
	case deploy.Rollback:
		rollback(ctx, input, m, hosts)
	default:
		m.Fail("")
	}
	return finishDeployment(ctx, input, m), nil
}

func signalTimeout(group models.DeploymentGroup, input DeploymentInput) time.Duration {
	switch {
	case group.SignalTimeout > 0:
		return group.SignalTimeout
	case input.SignalTimeout > 0:
		return input.SignalTimeout
	}
	return DefaultSignalTimeout
}

// rollout dispatches the installs and feeds install results, host signals,
// deadlines and stop requests into m until it reaches a decision.
func rollout(ctx workflow.Context, input DeploymentInput, m *deploy.Machine, hosts map[string]models.ProvisionedHost, rev activities.Revision, timeout time.Duration) deploy.Decision {
	logger := workflow.GetLogger(ctx)
	var a *activities.Activities
	installCtx := installOptions(ctx)

	timerCtx, cancelTimers := workflow.WithCancel(ctx)
	defer cancelTimers()

	selector := workflow.NewSelector(ctx)
	healthChecked := m.HealthChecked()
	inFlight := make(map[string]workflow.Future)
	for _, id := range m.Hosts() {
		id := id
		f := workflow.ExecuteActivity(installCtx, a.InstallRevision, activities.InstallRequest{
			DeploymentID: input.DeploymentID,
			Host:         hosts[id],
			Revision:     input.Revision,
			ArtifactURL:  rev.ArtifactURL,
			Signal:       healthChecked,
		})
		inFlight[id] = f
		selector.AddFuture(f, func(f workflow.Future) {
			delete(inFlight, id)
			if err := f.Get(ctx, nil); err != nil {
				logger.Warn("Install failed", "host", id, "error", err)
				m.InstallFailed(id, errorMessage(err))
				return
			}
			m.InstallAcked(id)
		})
		if healthChecked {
			timer := workflow.NewTimer(timerCtx, timeout)
			selector.AddFuture(timer, func(f workflow.Future) {
				if f.Get(ctx, nil) != nil {
					return
				}
				if m.Timeout(id) {
					logger.Warn("Host missed its signal deadline", "host", id, "timeout", timeout)
				}
			})
		}
	}

	hostCh := workflow.GetSignalChannel(ctx, HostSignalName)
	selector.AddReceive(hostCh, func(c workflow.ReceiveChannel, _ bool) {
		var sig models.HostSignal
		c.Receive(ctx, &sig)
		if m.Signal(sig) {
			logger.Info("Host signalled", "host", sig.ResourceID, "exitCode", sig.ExitCode)
			return
		}
		logger.Info("Ignoring host signal", "host", sig.ResourceID, "deployment", sig.StackOrGroupID)
	})
	stopCh := workflow.GetSignalChannel(ctx, StopSignalName)
	selector.AddReceive(stopCh, func(c workflow.ReceiveChannel, _ bool) {
		var req StopRequest
		c.Receive(ctx, &req)
		if m.Stop() {
			logger.Info("Deployment stop requested", "reason", req.Reason)
		}
	})

	decision := m.Evaluate()
	for decision == deploy.Wait {
		selector.Select(ctx)
		decision = m.Evaluate()
	}
	if decision != deploy.Succeed {
		drainInstalls(ctx, m, inFlight)
	}
	return decision
}

// drainInstalls waits for every rollout install still in flight to settle,
// retries included. A rollback push must not race an install of the revision
// being abandoned.
func drainInstalls(ctx workflow.Context, m *deploy.Machine, inFlight map[string]workflow.Future) {
	logger := workflow.GetLogger(ctx)
	for _, id := range m.Hosts() {
		f, ok := inFlight[id]
		if !ok {
			continue
		}
		if err := f.Get(ctx, nil); err != nil {
			logger.Info("Rollout install settled with error", "host", id, "error", errorMessage(err))
		}
	}
}

// rollback pushes the group's current revision to every targeted host. The
// pushes are not health checked and a failed push does not stop the others.
func rollback(ctx workflow.Context, input DeploymentInput, m *deploy.Machine, hosts map[string]models.ProvisionedHost) {
	logger := workflow.GetLogger(ctx)
	var a *activities.Activities

	target, err := m.StartRollback()
	if err != nil {
		m.Fail(err.Error())
		return
	}
	logger.Info("Rolling back", "deploymentID", input.DeploymentID, "target", target.String())

	var rev activities.Revision
	if err := workflow.ExecuteActivity(infraOptions(ctx), a.PrepareRevision, activities.PrepareRequest{
		Ref:    target,
		Layout: input.Layout,
	}).Get(ctx, &rev); err != nil {
		m.Fail(fmt.Sprintf("%s; rollback target %s unavailable: %s", m.Reason(), target, errorMessage(err)))
		return
	}

	installCtx := installOptions(ctx)
	ids := m.Hosts()
	futures := make([]workflow.Future, len(ids))
	for i, id := range ids {
		futures[i] = workflow.ExecuteActivity(installCtx, a.InstallRevision, activities.InstallRequest{
			DeploymentID: input.DeploymentID,
			Host:         hosts[id],
			Revision:     target,
			ArtifactURL:  rev.ArtifactURL,
			Rollback:     true,
		})
	}
	for i, f := range futures {
		err := f.Get(ctx, nil)
		if err != nil {
			err = errors.New(errorMessage(err))
		}
		m.RollbackInstalled(ids[i], err)
	}
	if err := m.RollbackComplete(); err != nil {
		m.Fail(err.Error())
	}
}

func finishDeployment(ctx workflow.Context, input DeploymentInput, m *deploy.Machine) models.DeploymentResult {
	var a *activities.Activities
	res := m.Result()
	if err := workflow.ExecuteActivity(infraOptions(ctx), a.RecordDeployment, input.ExecutionID, input.Pipeline, res).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Failed to record deployment", "deploymentID", input.DeploymentID, "error", err)
	}
	workflow.GetLogger(ctx).Info("Deployment complete", "deploymentID", input.DeploymentID, "state", string(res.State))
	return res
}
