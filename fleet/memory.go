package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/surajsub/temporal-release-pipeline/models"
)

type MemoryHostRegistry struct {
	mu    sync.Mutex
	hosts map[string]models.ProvisionedHost
}

func NewMemoryHostRegistry(hosts ...models.ProvisionedHost) *MemoryHostRegistry {
	r := &MemoryHostRegistry{hosts: make(map[string]models.ProvisionedHost)}
	for _, h := range hosts {
		r.hosts[h.ID] = h
	}
	return r
}

func (r *MemoryHostRegistry) Register(_ context.Context, host models.ProvisionedHost) error {
	if host.ID == "" {
		return fmt.Errorf("register host: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[host.ID] = host
	return nil
}

func (r *MemoryHostRegistry) List(_ context.Context) ([]models.ProvisionedHost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProvisionedHost, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out, nil
}

type MemoryGroupRepository struct {
	mu     sync.Mutex
	groups map[string]models.DeploymentGroup
}

func NewMemoryGroupRepository() *MemoryGroupRepository {
	return &MemoryGroupRepository{groups: make(map[string]models.DeploymentGroup)}
}

func (r *MemoryGroupRepository) Put(_ context.Context, group models.DeploymentGroup) error {
	if group.Name == "" {
		return fmt.Errorf("put group: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.groups[group.Name]; ok {
		group.CurrentRevision = existing.CurrentRevision
		group.PreviousRevision = existing.PreviousRevision
	} else {
		group.CurrentRevision = nil
		group.PreviousRevision = nil
	}
	r.groups[group.Name] = group
	return nil
}

func (r *MemoryGroupRepository) Get(_ context.Context, name string) (models.DeploymentGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		return models.DeploymentGroup{}, fmt.Errorf("group %q: %w", name, models.ErrNotFound)
	}
	return g, nil
}

func (r *MemoryGroupRepository) AdvanceRevision(_ context.Context, name string, expected *models.ArtifactRef, next models.ArtifactRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		return fmt.Errorf("group %q: %w", name, models.ErrNotFound)
	}
	if !SameRevision(g.CurrentRevision, expected) {
		return fmt.Errorf("group %q: %w", name, ErrRevisionConflict)
	}
	g.PreviousRevision = g.CurrentRevision
	n := next
	g.CurrentRevision = &n
	r.groups[name] = g
	return nil
}
