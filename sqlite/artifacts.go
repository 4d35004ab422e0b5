package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/models"
)

// ArtifactStore implements [artifacts.Store] on SQLite with zstd-compressed
// blobs.
type ArtifactStore struct {
	DB *sql.DB
}

func (s *ArtifactStore) Publish(ctx context.Context, executionID, stageID string, files artifacts.Files) (artifacts.Publication, error) {
	if stageID == "" {
		return artifacts.Publication{}, fmt.Errorf("publish: stage id is required")
	}
	encoded, err := artifacts.EncodeFiles(files)
	if err != nil {
		return artifacts.Publication{}, err
	}
	id, err := artifacts.ContentID(stageID, files)
	if err != nil {
		return artifacts.Publication{}, err
	}
	now := time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return artifacts.Publication{}, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_blobs (id, stage_id, content, size, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (stage_id, id) DO NOTHING`,
		id, stageID, artifacts.Compress(encoded), len(encoded), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return artifacts.Publication{}, fmt.Errorf("insert artifact blob: %w", err)
	}
	inserted, _ := res.RowsAffected()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM artifact_versions WHERE stage_id = ?`, stageID,
	).Scan(&seq); err != nil {
		return artifacts.Publication{}, fmt.Errorf("next sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_versions (stage_id, sequence, artifact_id, execution_id, published_at) VALUES (?, ?, ?, ?, ?)`,
		stageID, seq, id, executionID, now.Format(time.RFC3339Nano),
	); err != nil {
		return artifacts.Publication{}, fmt.Errorf("insert artifact version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return artifacts.Publication{}, fmt.Errorf("commit publish: %w", err)
	}

	return artifacts.Publication{
		Ref:         models.ArtifactRef{ID: id, StageID: stageID},
		ExecutionID: executionID,
		Sequence:    seq,
		Reused:      inserted == 0,
		PublishedAt: now,
	}, nil
}

func (s *ArtifactStore) Fetch(ctx context.Context, ref models.ArtifactRef) (artifacts.Files, error) {
	var blob []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT content FROM artifact_blobs WHERE stage_id = ? AND id = ?`, ref.StageID, ref.ID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", ref, artifacts.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	encoded, err := artifacts.Decompress(blob)
	if err != nil {
		return nil, err
	}
	return artifacts.DecodeFiles(encoded)
}

func (s *ArtifactStore) Delete(ctx context.Context, ref models.ArtifactRef) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM artifact_blobs WHERE stage_id = ? AND id = ?`, ref.StageID, ref.ID)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", ref, artifacts.ErrArtifactNotFound)
	}
	return nil
}
