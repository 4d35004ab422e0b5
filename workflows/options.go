package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// HostSignalName carries a models.HostSignal to a DeploymentWorkflow.
	HostSignalName = "host_signal"
	// StopSignalName carries a StopRequest to a DeploymentWorkflow.
	StopSignalName = "stop_deployment"

	DefaultSignalTimeout = 10 * time.Minute
)

// StopRequest asks a running deployment to stop. The group's rollback policy
// decides between rollback and failure.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// infraOptions is for side effects that are safe to repeat: recording,
// publishing, revision bookkeeping.
func infraOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})
}

// actionOptions runs an action exactly once. A failed action needs a new
// execution.
func actionOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
}

func installOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
}

// errorType reports the application error type carried by err, if any.
func errorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}

// errorMessage strips the activity and child workflow wrappers.
func errorMessage(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return err.Error()
}
