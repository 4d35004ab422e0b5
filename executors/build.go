package executors

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/providers"
	"github.com/surajsub/temporal-release-pipeline/utils"
)

// BuildExecutor runs an action's commands in two phases inside the
// workspace. The pre-build phase obtains the optional credential and runs the
// setup commands; the build phase runs the main commands. Both phases run in
// one shell session, one command at a time, and the first non-zero exit fails
// the action.
type BuildExecutor struct {
	Tokens providers.TokenProvider
	Logger *logrus.Logger
}

func (b *BuildExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	spec := req.Action.Build
	if spec == nil {
		return Result{}, fmt.Errorf("%w: action %s has no build spec", models.ErrInvalidDefinition, req.Action.Name)
	}
	env := b.environment(req)

	// Pre-build.
	if spec.Credential != nil {
		if b.Tokens == nil {
			return Result{}, fmt.Errorf("%w: no token provider for domain %s", models.ErrActionFailure, spec.Credential.Domain)
		}
		token, err := b.Tokens.Token(ctx, spec.Credential.Domain)
		if err != nil {
			return Result{}, fmt.Errorf("%w: credential for %s: %v", models.ErrActionFailure, spec.Credential.Domain, err)
		}
		env = append(env, spec.Credential.EnvVar+"="+token)
		b.Logger.Infof("Exported credential for domain %s as %s", spec.Credential.Domain, spec.Credential.EnvVar)
	}
	// Pre-build and build share one shell session, so setup such as
	// exported variables reaches the build commands.
	commands := append(append([]string(nil), spec.PreBuild...), spec.Commands...)
	if err := b.run(ctx, req, env, commands); err != nil {
		return Result{}, err
	}

	if len(req.Action.Outputs) == 0 {
		return Result{}, nil
	}
	base := filepath.Join(req.Workspace, filepath.FromSlash(spec.BaseDirectory))
	files, err := utils.CollectFiles(base, spec.ArtifactFiles)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrActionFailure, err)
	}
	if len(files) == 0 {
		return Result{}, fmt.Errorf("%w: action %s produced no artifact files under %q", models.ErrActionFailure, req.Action.Name, spec.BaseDirectory)
	}
	b.Logger.Infof("Collected %d artifact files for action %s", len(files), req.Action.Name)
	return Result{Outputs: sameFiles(req.Action.Outputs, files)}, nil
}

func (b *BuildExecutor) run(ctx context.Context, req Request, env []string, commands []string) error {
	failed, stderr, code, err := RunSession(ctx, req.Workspace, env, commands, b.Logger)
	if err == nil {
		return nil
	}
	if code < 0 {
		return err
	}
	return &ActionError{Action: req.Action.Name, Command: commands[failed], ExitCode: code, Stderr: stderr}
}

// environment exports the action's env and every upstream variable, the
// latter as SLOT_KEY (for example SOURCE_REVISION).
func (b *BuildExecutor) environment(req Request) []string {
	env := []string{
		"PIPELINE_EXECUTION_ID=" + req.ExecutionID,
		"PIPELINE_STAGE=" + req.Stage,
	}
	keys := make([]string, 0, len(req.Variables))
	for k := range req.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, envName(k)+"="+req.Variables[k])
	}
	if req.Action.Build != nil {
		names := make([]string, 0, len(req.Action.Build.Env))
		for k := range req.Action.Build.Env {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			env = append(env, k+"="+req.Action.Build.Env[k])
		}
	}
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, key)
}
