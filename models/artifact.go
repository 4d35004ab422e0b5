package models

import "fmt"

// ArtifactRef identifies a published artifact. ID is the content hash of the
// file set scoped to the producing stage, so identical content published by
// the same stage always yields an equal ref.
type ArtifactRef struct {
	ID      string `json:"id"`
	StageID string `json:"stage_id"`
}

func (r ArtifactRef) IsZero() bool { return r.ID == "" }

func (r ArtifactRef) String() string {
	return fmt.Sprintf("%s@%s", r.StageID, r.ID)
}
