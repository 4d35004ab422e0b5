// Package bootstrap runs a provisioned host's bootstrap commands and reports
// the outcome to the orchestrator with exactly one signal.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/surajsub/temporal-release-pipeline/models"
)

// Script is an ordered list of shell commands. Each command blocks until it
// exits; the sequence stops at the first non-zero exit.
type Script struct {
	Commands []string `yaml:"commands"`
}

func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read bootstrap script: %w", err)
	}
	return ParseScript(data)
}

func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse bootstrap script: %w", err)
	}
	return s, nil
}

// Report is the result of one script run. ExitCode is 0 only if every command
// succeeded; Output holds the combined stdout and stderr of all commands run.
type Report struct {
	ExitCode      int
	Output        string
	FailedCommand string
}

type Runner struct {
	// Shell defaults to "sh".
	Shell  string
	Dir    string
	Env    []string
	Logger *logrus.Logger
}

// Run executes the script. A command exiting non-zero ends the run with that
// exit code and no error; err is reserved for commands that could not be run
// at all.
func (r *Runner) Run(ctx context.Context, script Script) (Report, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	var out bytes.Buffer
	for _, command := range script.Commands {
		cmd := exec.CommandContext(ctx, shell, "-c", command)
		cmd.Dir = r.Dir
		if len(r.Env) > 0 {
			cmd.Env = append(os.Environ(), r.Env...)
		}
		cmd.Stdout = &out
		cmd.Stderr = &out

		r.logger().Infof("Running bootstrap command: %s", command)
		err := cmd.Run()
		if err == nil {
			continue
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			r.logger().Errorf("Bootstrap command failed with exit code %d: %s", exitErr.ExitCode(), command)
			return Report{ExitCode: exitErr.ExitCode(), Output: out.String(), FailedCommand: command}, nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return Report{ExitCode: 1, Output: out.String(), FailedCommand: command}, fmt.Errorf("run %q: %w", command, err)
	}
	return Report{Output: out.String()}, nil
}

func (r *Runner) logger() *logrus.Logger {
	if r.Logger == nil {
		r.Logger = logrus.New()
		r.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return r.Logger
}

// Identity names the host and the deployment attempt it reports to.
type Identity struct {
	StackOrGroupID string
	ResourceID     string
	Region         string
}

func (id Identity) signal(exitCode int) models.HostSignal {
	return models.HostSignal{
		ExitCode:       exitCode,
		StackOrGroupID: id.StackOrGroupID,
		ResourceID:     id.ResourceID,
		Region:         id.Region,
	}
}
