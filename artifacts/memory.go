package artifacts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/surajsub/temporal-release-pipeline/models"
)

// MemoryStore is a process-local Store used by tests and single-node runs.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	blobs     map[models.ArtifactRef]Files
	sequences map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		blobs:     make(map[models.ArtifactRef]Files),
		sequences: make(map[string]int64),
	}
}

func (s *MemoryStore) Publish(_ context.Context, executionID, stageID string, files Files) (Publication, error) {
	if stageID == "" {
		return Publication{}, fmt.Errorf("publish: stage id is required")
	}
	id, err := ContentID(stageID, files)
	if err != nil {
		return Publication{}, err
	}
	ref := models.ArtifactRef{ID: id, StageID: stageID}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, reused := s.blobs[ref]
	if !reused {
		s.blobs[ref] = files.Clone()
	}
	s.sequences[stageID]++
	return Publication{
		Ref:         ref,
		ExecutionID: executionID,
		Sequence:    s.sequences[stageID],
		Reused:      reused,
		PublishedAt: s.now(),
	}, nil
}

func (s *MemoryStore) Fetch(_ context.Context, ref models.ArtifactRef) (Files, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrArtifactNotFound)
	}
	return files.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, ref models.ArtifactRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		return fmt.Errorf("%s: %w", ref, ErrArtifactNotFound)
	}
	delete(s.blobs, ref)
	return nil
}
