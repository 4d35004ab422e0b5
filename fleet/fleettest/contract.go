// Package fleettest provides contract tests for [fleet.HostRegistry] and
// [fleet.GroupRepository] implementations.
package fleettest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/models"
)

type HostRegistryFactory func(t *testing.T) fleet.HostRegistry

type GroupRepositoryFactory func(t *testing.T) fleet.GroupRepository

// RunHostRegistry exercises the [fleet.HostRegistry] contract.
func RunHostRegistry(t *testing.T, factory HostRegistryFactory) {
	t.Run("RegisterAndList", func(t *testing.T) {
		reg := factory(t)
		ctx := context.Background()

		host := models.ProvisionedHost{
			ID:       "i-1",
			Tags:     map[string]string{"env": "prod", "app": "web"},
			AgentURL: "http://10.0.0.1:7000",
			Region:   "us-east-1",
		}
		if err := reg.Register(ctx, host); err != nil {
			t.Fatalf("Register: %v", err)
		}

		got, err := reg.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("List: got %d, want 1", len(got))
		}
		if got[0].Tags["app"] != "web" {
			t.Errorf("Tags[app] = %q, want %q", got[0].Tags["app"], "web")
		}
		if got[0].AgentURL != host.AgentURL {
			t.Errorf("AgentURL = %q, want %q", got[0].AgentURL, host.AgentURL)
		}
	})

	t.Run("RegisterReplaces", func(t *testing.T) {
		reg := factory(t)
		ctx := context.Background()

		if err := reg.Register(ctx, models.ProvisionedHost{ID: "i-1", Tags: map[string]string{"env": "dev"}}); err != nil {
			t.Fatalf("first Register: %v", err)
		}
		if err := reg.Register(ctx, models.ProvisionedHost{ID: "i-1", Tags: map[string]string{"env": "prod"}}); err != nil {
			t.Fatalf("second Register: %v", err)
		}
		got, err := reg.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 1 || got[0].Tags["env"] != "prod" {
			t.Fatalf("List = %+v, want one prod host", got)
		}
	})
}

// RunGroupRepository exercises the [fleet.GroupRepository] contract.
func RunGroupRepository(t *testing.T, factory GroupRepositoryFactory) {
	group := models.DeploymentGroup{
		Name:          "web",
		Selector:      map[string]string{"app": "web"},
		Rollback:      models.RollbackPolicy{OnFailure: true, OnStop: true},
		HealthCheck:   models.HealthCheckSignal,
		SignalTimeout: 10 * time.Minute,
	}
	rev1 := models.ArtifactRef{ID: "aaa", StageID: "build"}
	rev2 := models.ArtifactRef{ID: "bbb", StageID: "build"}

	t.Run("PutAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if err := repo.Put(ctx, group); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Selector["app"] != "web" {
			t.Errorf("Selector[app] = %q, want %q", got.Selector["app"], "web")
		}
		if !got.Rollback.OnFailure || !got.Rollback.OnStop {
			t.Errorf("Rollback = %+v, want both set", got.Rollback)
		}
		if got.SignalTimeout != 10*time.Minute {
			t.Errorf("SignalTimeout = %v, want 10m", got.SignalTimeout)
		}
		if got.CurrentRevision != nil {
			t.Errorf("CurrentRevision = %v, want nil", got.CurrentRevision)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "missing")
		if !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("AdvanceRevision", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Put(ctx, group); err != nil {
			t.Fatalf("Put: %v", err)
		}

		if err := repo.AdvanceRevision(ctx, "web", nil, rev1); err != nil {
			t.Fatalf("first AdvanceRevision: %v", err)
		}
		if err := repo.AdvanceRevision(ctx, "web", &rev1, rev2); err != nil {
			t.Fatalf("second AdvanceRevision: %v", err)
		}

		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.CurrentRevision == nil || *got.CurrentRevision != rev2 {
			t.Errorf("CurrentRevision = %v, want %v", got.CurrentRevision, rev2)
		}
		if got.PreviousRevision == nil || *got.PreviousRevision != rev1 {
			t.Errorf("PreviousRevision = %v, want %v", got.PreviousRevision, rev1)
		}
	})

	t.Run("AdvanceRevisionConflict", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Put(ctx, group); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := repo.AdvanceRevision(ctx, "web", nil, rev1); err != nil {
			t.Fatalf("AdvanceRevision: %v", err)
		}

		err := repo.AdvanceRevision(ctx, "web", nil, rev2)
		if !errors.Is(err, fleet.ErrRevisionConflict) {
			t.Fatalf("stale AdvanceRevision: got %v, want ErrRevisionConflict", err)
		}
		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.CurrentRevision == nil || *got.CurrentRevision != rev1 {
			t.Errorf("CurrentRevision = %v, want %v", got.CurrentRevision, rev1)
		}
	})

	t.Run("PutKeepsRevisions", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.Put(ctx, group); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := repo.AdvanceRevision(ctx, "web", nil, rev1); err != nil {
			t.Fatalf("AdvanceRevision: %v", err)
		}

		updated := group
		updated.Selector = map[string]string{"app": "web", "tier": "front"}
		if err := repo.Put(ctx, updated); err != nil {
			t.Fatalf("second Put: %v", err)
		}
		got, err := repo.Get(ctx, "web")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Selector["tier"] != "front" {
			t.Errorf("Selector[tier] = %q, want %q", got.Selector["tier"], "front")
		}
		if got.CurrentRevision == nil || *got.CurrentRevision != rev1 {
			t.Errorf("CurrentRevision = %v, want %v", got.CurrentRevision, rev1)
		}
	})
}
