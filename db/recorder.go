package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/policy"
	"github.com/surajsub/temporal-release-pipeline/records"
)

// ExecutionRecorder implements [records.Recorder] on postgres.
type ExecutionRecorder struct {
	DB *gorm.DB
}

var _ records.Recorder = (*ExecutionRecorder)(nil)

func (r *ExecutionRecorder) CreateExecution(ctx context.Context, exec records.Execution) error {
	status := exec.Status
	if status == "" {
		status = models.StageRunning
	}
	row := PipelineExecution{
		ID:          uuid.New(),
		ExecutionID: exec.ExecutionID,
		RunID:       exec.RunID,
		Pipeline:    exec.Pipeline,
		TaskQueue:   exec.TaskQueue,
		Status:      string(status),
	}
	updates := []string{"run_id", "pipeline", "task_queue", "updated_at"}
	if len(exec.Policies) > 0 {
		policies, err := json.Marshal(exec.Policies)
		if err != nil {
			return fmt.Errorf("marshal policies: %w", err)
		}
		row.Policies = datatypes.JSON(policies)
		updates = append(updates, "policies")
	}
	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("create execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

// ensure inserts a placeholder execution row so updates always have a target.
func (r *ExecutionRecorder) ensure(tx *gorm.DB, executionID string) error {
	row := PipelineExecution{ID: uuid.New(), ExecutionID: executionID, Status: string(models.StageRunning)}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (r *ExecutionRecorder) RecordStage(ctx context.Context, executionID string, stage models.StageResult) error {
	artifacts, err := json.Marshal(stage.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal stage artifacts: %w", err)
	}
	slots := make([]string, 0, len(stage.Artifacts))
	for slot := range stage.Artifacts {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	row := StageRecord{
		ID:          uuid.New(),
		ExecutionID: executionID,
		Name:        stage.Name,
		Ordinal:     stage.Ordinal,
		Status:      string(stage.Status),
		Error:       stage.Error,
		ErrorType:   stage.ErrorType,
		Slots:       slots,
		Artifacts:   datatypes.JSON(artifacts),
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensure(tx, executionID); err != nil {
			return fmt.Errorf("ensure execution: %w", err)
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"ordinal", "status", "error", "error_type", "slots", "artifacts", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("record stage %s: %w", stage.Name, err)
		}
		return nil
	})
}

func (r *ExecutionRecorder) RecordDeployment(ctx context.Context, executionID string, dep models.DeploymentResult) error {
	revision, err := json.Marshal(dep.Revision)
	if err != nil {
		return fmt.Errorf("marshal revision: %w", err)
	}
	var rolledBack datatypes.JSON
	if dep.RolledBackTo != nil {
		b, err := json.Marshal(dep.RolledBackTo)
		if err != nil {
			return fmt.Errorf("marshal rollback revision: %w", err)
		}
		rolledBack = b
	}

	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensure(tx, executionID); err != nil {
			return fmt.Errorf("ensure execution: %w", err)
		}
		err := tx.Model(&PipelineExecution{}).Where("execution_id = ?", executionID).Updates(map[string]any{
			"deployment_id":     dep.DeploymentID,
			"deployment_group":  dep.Group,
			"deployment_state":  string(dep.State),
			"deployment_reason": dep.Reason,
			"revision":          datatypes.JSON(revision),
			"rolled_back_to":    rolledBack,
			"updated_at":        time.Now(),
		}).Error
		if err != nil {
			return fmt.Errorf("record deployment %s: %w", dep.DeploymentID, err)
		}
		for _, h := range dep.Hosts {
			row := HostOutcomeRecord{
				ID:           uuid.New(),
				ExecutionID:  executionID,
				DeploymentID: dep.DeploymentID,
				HostID:       h.HostID,
				Status:       string(h.Status),
				ExitCode:     h.ExitCode,
				Detail:       h.Detail,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "deployment_id"}, {Name: "host_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "exit_code", "detail", "updated_at"}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("record host outcome %s: %w", h.HostID, err)
			}
		}
		return nil
	})
}

func (r *ExecutionRecorder) RecordPolicies(ctx context.Context, executionID string, policies []policy.Policy) error {
	data, err := json.Marshal(policies)
	if err != nil {
		return fmt.Errorf("marshal policies: %w", err)
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensure(tx, executionID); err != nil {
			return fmt.Errorf("ensure execution: %w", err)
		}
		return tx.Model(&PipelineExecution{}).Where("execution_id = ?", executionID).Updates(map[string]any{
			"policies":   datatypes.JSON(data),
			"updated_at": time.Now(),
		}).Error
	})
}

func (r *ExecutionRecorder) FinishExecution(ctx context.Context, executionID string, status models.StageStatus, errMsg string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensure(tx, executionID); err != nil {
			return fmt.Errorf("ensure execution: %w", err)
		}
		return tx.Model(&PipelineExecution{}).Where("execution_id = ?", executionID).Updates(map[string]any{
			"status":     string(status),
			"error":      errMsg,
			"updated_at": time.Now(),
		}).Error
	})
}

func (r *ExecutionRecorder) GetExecution(ctx context.Context, executionID string) (records.Execution, error) {
	var row PipelineExecution
	err := r.DB.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("ordinal ASC") }).
		Preload("Hosts", func(db *gorm.DB) *gorm.DB { return db.Order("host_id ASC") }).
		Where("execution_id = ?", executionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.Execution{}, fmt.Errorf("execution %s: %w", executionID, models.ErrNotFound)
	}
	if err != nil {
		return records.Execution{}, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return row.toExecution()
}

func (row PipelineExecution) toExecution() (records.Execution, error) {
	out := records.Execution{
		ExecutionID: row.ExecutionID,
		RunID:       row.RunID,
		Pipeline:    row.Pipeline,
		TaskQueue:   row.TaskQueue,
		Status:      models.StageStatus(row.Status),
		Error:       row.Error,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if len(row.Policies) > 0 && string(row.Policies) != "null" {
		if err := json.Unmarshal(row.Policies, &out.Policies); err != nil {
			return out, fmt.Errorf("unmarshal policies: %w", err)
		}
	}
	for _, s := range row.Stages {
		stage := models.StageResult{
			Name:      s.Name,
			Ordinal:   s.Ordinal,
			Status:    models.StageStatus(s.Status),
			Error:     s.Error,
			ErrorType: s.ErrorType,
		}
		if len(s.Artifacts) > 0 {
			if err := json.Unmarshal(s.Artifacts, &stage.Artifacts); err != nil {
				return out, fmt.Errorf("unmarshal stage artifacts: %w", err)
			}
		}
		out.Stages = append(out.Stages, stage)
	}
	if row.DeploymentID != "" {
		dep := &models.DeploymentResult{
			DeploymentID: row.DeploymentID,
			Group:        row.DeploymentGroup,
			State:        models.DeploymentState(row.DeploymentState),
			Reason:       row.DeploymentReason,
		}
		if len(row.Revision) > 0 {
			if err := json.Unmarshal(row.Revision, &dep.Revision); err != nil {
				return out, fmt.Errorf("unmarshal revision: %w", err)
			}
		}
		if len(row.RolledBackTo) > 0 && string(row.RolledBackTo) != "null" {
			var rb models.ArtifactRef
			if err := json.Unmarshal(row.RolledBackTo, &rb); err != nil {
				return out, fmt.Errorf("unmarshal rollback revision: %w", err)
			}
			dep.RolledBackTo = &rb
		}
		for _, h := range row.Hosts {
			if h.DeploymentID != row.DeploymentID {
				continue
			}
			dep.Hosts = append(dep.Hosts, models.HostOutcome{
				HostID: h.HostID, Status: models.HostStatus(h.Status), ExitCode: h.ExitCode, Detail: h.Detail,
			})
		}
		out.Deployment = dep
	}
	return out, nil
}
