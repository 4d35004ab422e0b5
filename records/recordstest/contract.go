// Package recordstest provides contract tests for [records.Recorder]
// implementations.
package recordstest

import (
	"context"
	"errors"
	"testing"

	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/policy"
	"github.com/surajsub/temporal-release-pipeline/records"
)

type Factory func(t *testing.T) records.Recorder

// Run exercises the [records.Recorder] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		r := factory(t)
		ctx := context.Background()
		if err := r.CreateExecution(ctx, records.Execution{ExecutionID: "exec-1", Pipeline: "web", RunID: "run-1"}); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		got, err := r.GetExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Pipeline != "web" || got.RunID != "run-1" {
			t.Errorf("execution = %+v", got)
		}
		if got.Status != models.StageRunning {
			t.Errorf("Status = %s, want Running", got.Status)
		}
	})

	t.Run("Policies", func(t *testing.T) {
		r := factory(t)
		ctx := context.Background()
		pols := []policy.Policy{{
			Principal: policy.Principal{Kind: policy.KindAction, Name: "web/build"},
			Statements: []policy.Statement{{
				Effect:    policy.Allow,
				Actions:   []string{"s3:GetObject", "s3:PutObject"},
				Resources: []string{"artifact-store/releases/*"},
			}},
		}}
		if err := r.CreateExecution(ctx, records.Execution{ExecutionID: "exec-1", Pipeline: "web", Policies: pols}); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		got, err := r.GetExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if len(got.Policies) != 1 || got.Policies[0].Principal != pols[0].Principal {
			t.Fatalf("Policies after create = %+v", got.Policies)
		}

		pols[0].Statements[0].Actions = []string{"s3:GetObject"}
		if err := r.RecordPolicies(ctx, "exec-1", pols); err != nil {
			t.Fatalf("RecordPolicies: %v", err)
		}
		got, err = r.GetExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if len(got.Policies) != 1 || len(got.Policies[0].Statements[0].Actions) != 1 {
			t.Errorf("Policies after record = %+v", got.Policies)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		r := factory(t)
		_, err := r.GetExecution(context.Background(), "missing")
		if !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("GetExecution: got %v, want ErrNotFound", err)
		}
	})

	t.Run("StagesAndDeployment", func(t *testing.T) {
		r := factory(t)
		ctx := context.Background()
		if err := r.CreateExecution(ctx, records.Execution{ExecutionID: "exec-1", Pipeline: "web"}); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}

		ref := models.ArtifactRef{ID: "abc", StageID: "build"}
		stages := []models.StageResult{
			{Name: "deploy", Ordinal: 3, Status: models.StageRunning},
			{Name: "source", Ordinal: 1, Status: models.StageSucceeded},
			{Name: "build", Ordinal: 2, Status: models.StageSucceeded, Artifacts: map[string]models.ArtifactRef{"build": ref}},
			{Name: "deploy", Ordinal: 3, Status: models.StageFailed, Error: "rolled back", ErrorType: models.ErrTypeActionFailure},
		}
		for _, s := range stages {
			if err := r.RecordStage(ctx, "exec-1", s); err != nil {
				t.Fatalf("RecordStage %s: %v", s.Name, err)
			}
		}
		code := 1
		dep := models.DeploymentResult{
			DeploymentID: "dep-1", Group: "web", State: models.DeploymentRolledBack, Revision: ref,
			Hosts: []models.HostOutcome{
				{HostID: "h1", Status: models.HostSucceeded},
				{HostID: "h2", Status: models.HostFailed, ExitCode: &code, Detail: "bootstrap exited 1"},
			},
		}
		if err := r.RecordDeployment(ctx, "exec-1", dep); err != nil {
			t.Fatalf("RecordDeployment: %v", err)
		}
		if err := r.FinishExecution(ctx, "exec-1", models.StageFailed, "deploy failed"); err != nil {
			t.Fatalf("FinishExecution: %v", err)
		}

		got, err := r.GetExecution(ctx, "exec-1")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if len(got.Stages) != 3 {
			t.Fatalf("Stages = %d, want 3", len(got.Stages))
		}
		if got.Stages[0].Name != "source" || got.Stages[2].Name != "deploy" {
			t.Errorf("stages out of ordinal order: %+v", got.Stages)
		}
		if got.Stages[2].Status != models.StageFailed {
			t.Errorf("deploy stage = %s, want Failed", got.Stages[2].Status)
		}
		if got.Stages[1].Artifacts["build"] != ref {
			t.Errorf("build artifacts = %v", got.Stages[1].Artifacts)
		}
		if got.Deployment == nil || got.Deployment.State != models.DeploymentRolledBack || len(got.Deployment.Hosts) != 2 {
			t.Fatalf("Deployment = %+v", got.Deployment)
		}
		h2 := got.Deployment.Hosts[1]
		if h2.ExitCode == nil || *h2.ExitCode != 1 {
			t.Errorf("h2 outcome = %+v", h2)
		}
		if got.Status != models.StageFailed || got.Error != "deploy failed" {
			t.Errorf("execution status = %s %q", got.Status, got.Error)
		}
	})
}
