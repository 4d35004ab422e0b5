package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/models"
)

// ArtifactStore implements [artifacts.Store] on postgres.
type ArtifactStore struct {
	DB *gorm.DB
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
	pub := artifacts.Publication{
		Ref:         models.ArtifactRef{ID: id, StageID: stageID},
		ExecutionID: executionID,
		PublishedAt: time.Now().UTC(),
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serializes sequence allocation per stage.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", stageID).Error; err != nil {
			return fmt.Errorf("lock stage %s: %w", stageID, err)
		}
		blob := ArtifactBlob{StageID: stageID, ID: id, Content: artifacts.Compress(encoded), Size: len(encoded)}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&blob)
		if res.Error != nil {
			return fmt.Errorf("insert artifact blob: %w", res.Error)
		}
		pub.Reused = res.RowsAffected == 0

		var seq int64
		if err := tx.Model(&ArtifactVersion{}).Where("stage_id = ?", stageID).
			Select("COALESCE(MAX(sequence), 0) + 1").Scan(&seq).Error; err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		pub.Sequence = seq
		version := ArtifactVersion{
			StageID:     stageID,
			Sequence:    seq,
			ArtifactID:  id,
			ExecutionID: executionID,
			PublishedAt: pub.PublishedAt,
		}
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("insert artifact version: %w", err)
		}
		return nil
	})
	if err != nil {
		return artifacts.Publication{}, err
	}
	return pub, nil
}

func (s *ArtifactStore) Fetch(ctx context.Context, ref models.ArtifactRef) (artifacts.Files, error) {
	var blob ArtifactBlob
	err := s.DB.WithContext(ctx).Where("stage_id = ? AND id = ?", ref.StageID, ref.ID).First(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", ref, artifacts.ErrArtifactNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	encoded, err := artifacts.Decompress(blob.Content)
	if err != nil {
		return nil, err
	}
	return artifacts.DecodeFiles(encoded)
}

func (s *ArtifactStore) Delete(ctx context.Context, ref models.ArtifactRef) error {
	res := s.DB.WithContext(ctx).Where("stage_id = ? AND id = ?", ref.StageID, ref.ID).Delete(&ArtifactBlob{})
	if res.Error != nil {
		return fmt.Errorf("delete artifact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", ref, artifacts.ErrArtifactNotFound)
	}
	return nil
}
