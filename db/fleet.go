package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/models"
)

// HostRepo implements [fleet.HostRegistry] on postgres.
type HostRepo struct {
	DB *gorm.DB
}

func (r *HostRepo) Register(ctx context.Context, host models.ProvisionedHost) error {
	if host.ID == "" {
		return fmt.Errorf("register host: id is required")
	}
	tags, err := json.Marshal(host.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	row := HostRecord{
		ID:              host.ID,
		Tags:            datatypes.JSON(tags),
		AgentURL:        host.AgentURL,
		BootstrapScript: host.BootstrapScript,
		Region:          host.Region,
	}
	err = r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tags", "agent_url", "bootstrap_script", "region", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("register host %s: %w", host.ID, err)
	}
	return nil
}

func (r *HostRepo) List(ctx context.Context) ([]models.ProvisionedHost, error) {
	var rows []HostRecord
	if err := r.DB.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	hosts := make([]models.ProvisionedHost, 0, len(rows))
	for _, row := range rows {
		h := models.ProvisionedHost{
			ID:              row.ID,
			AgentURL:        row.AgentURL,
			BootstrapScript: row.BootstrapScript,
			Region:          row.Region,
		}
		if err := json.Unmarshal(row.Tags, &h.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags of %s: %w", row.ID, err)
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// GroupRepo implements [fleet.GroupRepository] on postgres.
type GroupRepo struct {
	DB *gorm.DB
}

func (r *GroupRepo) Put(ctx context.Context, g models.DeploymentGroup) error {
	if g.Name == "" {
		return fmt.Errorf("put group: name is required")
	}
	selector, err := json.Marshal(g.Selector)
	if err != nil {
		return fmt.Errorf("marshal selector: %w", err)
	}
	health := g.HealthCheck
	if health == "" {
		health = models.HealthCheckSignal
	}
	row := DeploymentGroupRecord{
		Name:              g.Name,
		Selector:          datatypes.JSON(selector),
		RollbackOnFailure: g.Rollback.OnFailure,
		RollbackOnStop:    g.Rollback.OnStop,
		HealthCheck:       string(health),
		SignalTimeout:     g.SignalTimeout,
	}
	err = r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"selector", "rollback_on_failure", "rollback_on_stop", "health_check", "signal_timeout", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put group %s: %w", g.Name, err)
	}
	return nil
}

func (r *GroupRepo) Get(ctx context.Context, name string) (models.DeploymentGroup, error) {
	var row DeploymentGroupRecord
	err := r.DB.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DeploymentGroup{}, fmt.Errorf("group %q: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return models.DeploymentGroup{}, fmt.Errorf("get group %s: %w", name, err)
	}
	return row.toGroup()
}

func (r *GroupRepo) AdvanceRevision(ctx context.Context, name string, expected *models.ArtifactRef, next models.ArtifactRef) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DeploymentGroupRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("group %q: %w", name, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock group %s: %w", name, err)
		}
		current := refFromColumns(row.CurrentRevisionID, row.CurrentRevisionStage)
		if !fleet.SameRevision(current, expected) {
			return fmt.Errorf("group %q: %w", name, fleet.ErrRevisionConflict)
		}
		return tx.Model(&DeploymentGroupRecord{}).Where("name = ?", name).Updates(map[string]any{
			"previous_revision_id":    row.CurrentRevisionID,
			"previous_revision_stage": row.CurrentRevisionStage,
			"current_revision_id":     next.ID,
			"current_revision_stage":  next.StageID,
		}).Error
	})
}

func (row DeploymentGroupRecord) toGroup() (models.DeploymentGroup, error) {
	g := models.DeploymentGroup{
		Name:             row.Name,
		Rollback:         models.RollbackPolicy{OnFailure: row.RollbackOnFailure, OnStop: row.RollbackOnStop},
		HealthCheck:      models.HealthCheckMode(row.HealthCheck),
		SignalTimeout:    row.SignalTimeout,
		CurrentRevision:  refFromColumns(row.CurrentRevisionID, row.CurrentRevisionStage),
		PreviousRevision: refFromColumns(row.PreviousRevisionID, row.PreviousRevisionStage),
	}
	if err := json.Unmarshal(row.Selector, &g.Selector); err != nil {
		return g, fmt.Errorf("unmarshal selector of %s: %w", row.Name, err)
	}
	return g, nil
}

func refFromColumns(id, stage *string) *models.ArtifactRef {
	if id == nil {
		return nil
	}
	ref := &models.ArtifactRef{ID: *id}
	if stage != nil {
		ref.StageID = *stage
	}
	return ref
}
