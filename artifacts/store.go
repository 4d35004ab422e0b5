// Package artifacts holds stage outputs. Artifacts are immutable and content
// addressed: the id is derived from the producing stage and the file set, so
// republishing identical files under the same stage yields the same ref.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/blake3"

	"github.com/surajsub/temporal-release-pipeline/models"
)

var (
	// ErrArtifactNotFound indicates the ref was never published or has been
	// garbage collected.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrLayoutViolation indicates an artifact is missing a path the
	// consuming stage requires.
	ErrLayoutViolation = errors.New("artifact layout violation")
)

// Files maps a slash-separated relative path to its content.
type Files map[string][]byte

// Publication records one publish call. Sequence increases per stage with each
// publish; Reused is set when the content was already stored (a no-op rebuild).
type Publication struct {
	Ref         models.ArtifactRef `json:"ref"`
	ExecutionID string             `json:"execution_id"`
	Sequence    int64              `json:"sequence"`
	Reused      bool               `json:"reused"`
	PublishedAt time.Time          `json:"published_at"`
}

// Store is the artifact store consumed by the pipeline. Retention is an
// external concern; Delete exists so a collector can remove content.
type Store interface {
	Publish(ctx context.Context, executionID, stageID string, files Files) (Publication, error)
	Fetch(ctx context.Context, ref models.ArtifactRef) (Files, error)
	Delete(ctx context.Context, ref models.ArtifactRef) error
}

// ContentID hashes the canonical encoding of files together with the stage.
func ContentID(stageID string, files Files) (string, error) {
	encoded, err := EncodeFiles(files)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	h.Write([]byte(stageID))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Clone returns a deep copy so callers cannot mutate stored content.
func (f Files) Clone() Files {
	out := make(Files, len(f))
	for k, v := range f {
		b := make([]byte, len(v))
		copy(b, v)
		out[k] = b
	}
	return out
}
