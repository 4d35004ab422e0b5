// Package records keeps the queryable history of pipeline executions: stage
// results and deployment outcomes as they are reached. Temporal remains the
// source of truth for running workflows; records outlive their retention.
package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/policy"
)

type Execution struct {
	ExecutionID string                   `json:"execution_id"`
	RunID       string                   `json:"run_id,omitempty"`
	Pipeline    string                   `json:"pipeline"`
	TaskQueue   string                   `json:"task_queue,omitempty"`
	Status      models.StageStatus       `json:"status"`
	Error       string                   `json:"error,omitempty"`
	Stages      []models.StageResult     `json:"stages"`
	Deployment  *models.DeploymentResult `json:"deployment,omitempty"`
	// Policies is the least-privilege set composed for the pipeline's actions.
	Policies  []policy.Policy `json:"policies,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Recorder interface {
	CreateExecution(ctx context.Context, exec Execution) error
	RecordStage(ctx context.Context, executionID string, stage models.StageResult) error
	RecordDeployment(ctx context.Context, executionID string, dep models.DeploymentResult) error
	RecordPolicies(ctx context.Context, executionID string, policies []policy.Policy) error
	FinishExecution(ctx context.Context, executionID string, status models.StageStatus, errMsg string) error
	GetExecution(ctx context.Context, executionID string) (Execution, error)
}

type MemoryRecorder struct {
	mu         sync.Mutex
	executions map[string]*Execution
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{executions: make(map[string]*Execution)}
}

func (r *MemoryRecorder) CreateExecution(_ context.Context, exec Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.executions[exec.ExecutionID]; ok {
		existing.RunID = exec.RunID
		existing.TaskQueue = exec.TaskQueue
		if len(exec.Policies) > 0 {
			existing.Policies = exec.Policies
		}
		existing.UpdatedAt = now
		return nil
	}
	if exec.Status == "" {
		exec.Status = models.StageRunning
	}
	exec.CreatedAt, exec.UpdatedAt = now, now
	r.executions[exec.ExecutionID] = &exec
	return nil
}

// get returns the execution, creating a placeholder for records that arrive
// before the submit path stored one.
func (r *MemoryRecorder) get(executionID string) *Execution {
	e, ok := r.executions[executionID]
	if !ok {
		now := time.Now().UTC()
		e = &Execution{ExecutionID: executionID, Status: models.StageRunning, CreatedAt: now, UpdatedAt: now}
		r.executions[executionID] = e
	}
	return e
}

func (r *MemoryRecorder) RecordStage(_ context.Context, executionID string, stage models.StageResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(executionID)
	replaced := false
	for i := range e.Stages {
		if e.Stages[i].Name == stage.Name {
			e.Stages[i] = stage
			replaced = true
		}
	}
	if !replaced {
		e.Stages = append(e.Stages, stage)
	}
	sort.SliceStable(e.Stages, func(i, j int) bool { return e.Stages[i].Ordinal < e.Stages[j].Ordinal })
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRecorder) RecordDeployment(_ context.Context, executionID string, dep models.DeploymentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(executionID)
	e.Deployment = &dep
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRecorder) RecordPolicies(_ context.Context, executionID string, policies []policy.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(executionID)
	e.Policies = append([]policy.Policy(nil), policies...)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRecorder) FinishExecution(_ context.Context, executionID string, status models.StageStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(executionID)
	e.Status = status
	e.Error = errMsg
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRecorder) GetExecution(_ context.Context, executionID string) (Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[executionID]
	if !ok {
		return Execution{}, fmt.Errorf("execution %s: %w", executionID, models.ErrNotFound)
	}
	out := *e
	out.Stages = append([]models.StageResult(nil), e.Stages...)
	out.Policies = append([]policy.Policy(nil), e.Policies...)
	return out, nil
}
