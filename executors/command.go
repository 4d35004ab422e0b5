package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/go-github/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// CreateGitHubClient returns an authenticated client, or an anonymous one
// when token is empty.
func CreateGitHubClient(ctx context.Context, token string) *github.Client {
	if token == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return github.NewClient(tc)
}

// RunCommand runs one shell command in dir. A command that starts and exits
// non-zero returns its exit code with an error wrapping *exec.ExitError;
// exitCode is -1 when the command could not run at all.
func RunCommand(ctx context.Context, dir string, env []string, command string, logger *logrus.Logger) (stderr string, exitCode int, err error) {
	_, stderr, exitCode, err = RunSession(ctx, dir, env, []string{command}, logger)
	return stderr, exitCode, err
}

const stepFileEnv = "PIPELINE_STEP_FILE"

// sessionScript chains commands in one shell so exported variables and the
// working directory carry over. Before each command its
// index is written to the step file; the first non-zero status ends the
// session with that status.
func sessionScript(commands []string) string {
	var b strings.Builder
	for i, command := range commands {
		fmt.Fprintf(&b, "printf '%%d' %d > \"$%s\"\n", i, stepFileEnv)
		b.WriteString(command)
		b.WriteString("\n__status=$?; [ \"$__status\" -eq 0 ] || exit \"$__status\"\n")
	}
	return b.String()
}

// RunSession runs commands sequentially in a single shell session in dir.
// On failure failed is the index of the command that stopped the session and
// exitCode its status; exitCode is -1 when the shell could not run at all.
func RunSession(ctx context.Context, dir string, env []string, commands []string, logger *logrus.Logger) (failed int, stderr string, exitCode int, err error) {
	if len(commands) == 0 {
		return -1, "", 0, nil
	}
	step, err := os.CreateTemp("", "pipeline-step-*")
	if err != nil {
		return -1, "", -1, fmt.Errorf("command could not run: %w", err)
	}
	step.Close()
	defer os.Remove(step.Name())

	var stdoutBuf, stderrBuf bytes.Buffer

	cmd := exec.CommandContext(ctx, "sh", "-c", sessionScript(commands))
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), env...), stepFileEnv+"="+step.Name())
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = io.MultiWriter(&stdoutBuf, &stderrBuf)

	for _, command := range commands {
		logger.Infof("Running command: %s", command)
	}

	err = cmd.Run()
	logger.Debugf("Command output: %s", stdoutBuf.String())

	if err == nil {
		return -1, "", 0, nil
	}

	failed = len(commands) - 1
	if data, readErr := os.ReadFile(step.Name()); readErr == nil {
		if i, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && i >= 0 && i < len(commands) {
			failed = i
		}
	}

	stderrStr := strings.TrimSpace(stderrBuf.String())
	if stderrStr != "" {
		stderrStr = extractError(stderrStr)
		logger.Errorf("stderr: %s", stderrStr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		logger.Errorf("Command %q failed: %v", commands[failed], err)
		return failed, stderrStr, exitErr.ExitCode(), fmt.Errorf("command failed: %w", err)
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	logger.Errorf("Command could not run: %v", err)
	return failed, stderrStr, -1, fmt.Errorf("command could not run: %w", err)
}

func extractError(stderr string) string {
	lines := strings.Split(stderr, "\n")
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "Error:") {
			return strings.TrimSpace(line)
		}
	}
	// fallback: first and last of the final ten lines
	n := len(lines)
	if n >= 10 {
		return strings.TrimSpace(lines[n-10] + ": " + lines[n-1])
	}
	return strings.TrimSpace(stderr)
}
