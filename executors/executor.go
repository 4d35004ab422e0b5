package executors

import (
	"context"
	"fmt"

	"github.com/google/go-github/github"
	"github.com/sirupsen/logrus"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/providers"
)

// Request is one action run. Workspace already holds the action's input
// artifacts: the first input slot at the root, further slots under
// .inputs/<slot>.
type Request struct {
	ExecutionID string
	Stage       string
	Action      models.Action
	Workspace   string
	// Variables are the resolved outputs of earlier stages, keyed
	// "slot.key".
	Variables map[string]string
}

// Result carries the files for every declared output slot plus named values
// later stages may reference, such as a source revision.
type Result struct {
	Outputs   map[string]artifacts.Files
	Variables map[string]string
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Deps are shared by every executor instance.
type Deps struct {
	GitHub *github.Client
	Tokens providers.TokenProvider
	Logger *logrus.Logger
}

// ActionError is a command that ran and exited non-zero. It unwraps to
// models.ErrActionFailure.
type ActionError struct {
	Action   string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("action %s: command %q exited %d", e.Action, e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ActionError) Unwrap() error { return models.ErrActionFailure }

// sameFiles gives every declared output slot the same file set.
func sameFiles(slots []string, files artifacts.Files) map[string]artifacts.Files {
	out := make(map[string]artifacts.Files, len(slots))
	for _, slot := range slots {
		out[slot] = files
	}
	return out
}
