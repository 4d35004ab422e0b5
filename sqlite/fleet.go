package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/models"
)

// HostRegistry implements [fleet.HostRegistry] backed by SQLite.
type HostRegistry struct {
	DB *sql.DB
}

func (r *HostRegistry) Register(ctx context.Context, host models.ProvisionedHost) error {
	if host.ID == "" {
		return fmt.Errorf("register host: id is required")
	}
	tags, err := json.Marshal(host.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO hosts (id, tags, agent_url, bootstrap_script, region) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tags = excluded.tags, agent_url = excluded.agent_url,
		   bootstrap_script = excluded.bootstrap_script, region = excluded.region`,
		host.ID, string(tags), host.AgentURL, host.BootstrapScript, host.Region,
	)
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	return nil
}

func (r *HostRegistry) List(ctx context.Context) ([]models.ProvisionedHost, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, tags, agent_url, bootstrap_script, region FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []models.ProvisionedHost
	for rows.Next() {
		var h models.ProvisionedHost
		var tags string
		if err := rows.Scan(&h.ID, &tags, &h.AgentURL, &h.BootstrapScript, &h.Region); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &h.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// GroupRepo implements [fleet.GroupRepository] backed by SQLite.
type GroupRepo struct {
	DB *sql.DB
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
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO deployment_groups (name, selector, rollback_on_failure, rollback_on_stop, health_check, signal_timeout_ns)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET selector = excluded.selector,
		   rollback_on_failure = excluded.rollback_on_failure, rollback_on_stop = excluded.rollback_on_stop,
		   health_check = excluded.health_check, signal_timeout_ns = excluded.signal_timeout_ns`,
		g.Name, string(selector), g.Rollback.OnFailure, g.Rollback.OnStop, string(health), int64(g.SignalTimeout),
	)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (r *GroupRepo) Get(ctx context.Context, name string) (models.DeploymentGroup, error) {
	return getGroup(ctx, r.DB, name)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getGroup(ctx context.Context, q rowQuerier, name string) (models.DeploymentGroup, error) {
	var (
		g                 models.DeploymentGroup
		selector, health  string
		timeout           int64
		curID, curStage   sql.NullString
		prevID, prevStage sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT name, selector, rollback_on_failure, rollback_on_stop, health_check, signal_timeout_ns,
		        current_revision_id, current_revision_stage, previous_revision_id, previous_revision_stage
		 FROM deployment_groups WHERE name = ?`, name,
	).Scan(&g.Name, &selector, &g.Rollback.OnFailure, &g.Rollback.OnStop, &health, &timeout,
		&curID, &curStage, &prevID, &prevStage)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeploymentGroup{}, fmt.Errorf("group %q: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return models.DeploymentGroup{}, fmt.Errorf("get group: %w", err)
	}
	if err := json.Unmarshal([]byte(selector), &g.Selector); err != nil {
		return models.DeploymentGroup{}, fmt.Errorf("unmarshal selector: %w", err)
	}
	g.HealthCheck = models.HealthCheckMode(health)
	g.SignalTimeout = time.Duration(timeout)
	g.CurrentRevision = nullableRef(curID, curStage)
	g.PreviousRevision = nullableRef(prevID, prevStage)
	return g, nil
}

func (r *GroupRepo) AdvanceRevision(ctx context.Context, name string, expected *models.ArtifactRef, next models.ArtifactRef) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance: %w", err)
	}
	defer tx.Rollback()

	g, err := getGroup(ctx, tx, name)
	if err != nil {
		return err
	}
	if !fleet.SameRevision(g.CurrentRevision, expected) {
		return fmt.Errorf("group %q: %w", name, fleet.ErrRevisionConflict)
	}

	var prevID, prevStage any
	if g.CurrentRevision != nil {
		prevID, prevStage = g.CurrentRevision.ID, g.CurrentRevision.StageID
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE deployment_groups SET previous_revision_id = ?, previous_revision_stage = ?,
		   current_revision_id = ?, current_revision_stage = ? WHERE name = ?`,
		prevID, prevStage, next.ID, next.StageID, name,
	); err != nil {
		return fmt.Errorf("advance revision: %w", err)
	}
	return tx.Commit()
}

func nullableRef(id, stage sql.NullString) *models.ArtifactRef {
	if !id.Valid {
		return nil
	}
	return &models.ArtifactRef{ID: id.String, StageID: stage.String}
}
