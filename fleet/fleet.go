// Package fleet resolves deployment targets. Hosts and groups are provisioned
// elsewhere; the pipeline only reads them, installs revisions onto hosts and
// advances a group's current revision after a successful deployment.
package fleet

import (
	"context"
	"errors"
	"sort"

	"github.com/surajsub/temporal-release-pipeline/models"
)

// ErrRevisionConflict indicates the group's current revision changed since
// the caller read it.
var ErrRevisionConflict = errors.New("revision conflict")

// HostRegistry lists provisioned hosts. Register replaces any host with the
// same id.
type HostRegistry interface {
	Register(ctx context.Context, host models.ProvisionedHost) error
	List(ctx context.Context) ([]models.ProvisionedHost, error)
}

// GroupRepository persists deployment groups. Put creates or updates a
// group's definition and never touches its revisions; those move only through
// AdvanceRevision, which is a compare-and-set on the current revision.
type GroupRepository interface {
	Put(ctx context.Context, group models.DeploymentGroup) error
	Get(ctx context.Context, name string) (models.DeploymentGroup, error)
	AdvanceRevision(ctx context.Context, name string, expected *models.ArtifactRef, next models.ArtifactRef) error
}

// Selector matches hosts whose tags contain every MatchTags entry. An empty
// selector matches nothing; a deployment must name its fleet.
type Selector struct {
	MatchTags map[string]string
}

func (s Selector) Matches(host models.ProvisionedHost) bool {
	if len(s.MatchTags) == 0 {
		return false
	}
	for k, v := range s.MatchTags {
		if host.Tags[k] != v {
			return false
		}
	}
	return true
}

// Select returns the matching hosts sorted by id.
func Select(hosts []models.ProvisionedHost, sel Selector) []models.ProvisionedHost {
	var out []models.ProvisionedHost
	for _, h := range hosts {
		if sel.Matches(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SameRevision reports whether two optional refs are equal.
func SameRevision(a, b *models.ArtifactRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
