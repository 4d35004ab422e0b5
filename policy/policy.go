// Package policy composes least-privilege access grants from the actions of a
// pipeline. Composition is pure and deterministic: the same actions and
// options always yield the same, sorted policy set.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/surajsub/temporal-release-pipeline/models"
)

var (
	// ErrPolicyComposeConflict indicates two grants to the same principal and
	// resource with differing effects.
	ErrPolicyComposeConflict = errors.New("policy compose conflict")

	// ErrWildcardAction indicates a statement granting "*" or a service-wide
	// wildcard. Composed policies enumerate actions explicitly.
	ErrWildcardAction = errors.New("wildcard action not allowed")

	ErrInvalidStatement = errors.New("invalid policy statement")
)

type Effect string

const (
	Allow Effect = "Allow"
	Deny  Effect = "Deny"
)

type PrincipalKind string

const (
	// KindAction is the execution role of a single pipeline action.
	KindAction PrincipalKind = "action"
	// KindRole is a named role outside the pipeline, such as the host role.
	KindRole PrincipalKind = "role"
)

type Principal struct {
	Kind PrincipalKind `json:"kind" yaml:"kind"`
	Name string        `json:"name" yaml:"name"`
}

func (p Principal) String() string { return string(p.Kind) + ":" + p.Name }

// ParsePrincipal reads "kind:name". A bare name is a role.
func ParsePrincipal(s string) Principal {
	if kind, name, ok := strings.Cut(s, ":"); ok {
		return Principal{Kind: PrincipalKind(kind), Name: name}
	}
	return Principal{Kind: KindRole, Name: s}
}

type Statement struct {
	Effect     Effect      `json:"effect"`
	Actions    []string    `json:"actions"`
	Resources  []string    `json:"resources"`
	Principals []Principal `json:"principals,omitempty"`
}

// Policy is the set of statements attached to one principal.
type Policy struct {
	Principal  Principal   `json:"principal"`
	Statements []Statement `json:"statements"`
}

// Key is the optional artifact encryption key.
type Key struct {
	ID string
}

type Options struct {
	Pipeline      string
	ArtifactStore string
	Key           *Key
	HostRole      string
	Extra         []Statement
}

// FromDefinition derives composer options from a pipeline definition.
func FromDefinition(def models.PipelineDefinition, artifactStore string) Options {
	opts := Options{
		Pipeline:      def.Name,
		ArtifactStore: artifactStore,
		HostRole:      def.HostRole,
	}
	if def.ArtifactKey != nil && def.ArtifactKey.ID != "" {
		opts.Key = &Key{ID: def.ArtifactKey.ID}
	}
	for _, g := range def.Grants {
		st := Statement{
			Effect:    Effect(g.Effect),
			Actions:   g.Actions,
			Resources: g.Resources,
		}
		if g.Principal != "" {
			st.Principals = []Principal{ParsePrincipal(g.Principal)}
		}
		opts.Extra = append(opts.Extra, st)
	}
	return opts
}

// Resource names.
func RepositoryResource(owner, repo string) string { return "repository/" + owner + "/" + repo }
func ArtifactResource(store string) string         { return "artifact-store/" + store + "/*" }
func GroupResource(group string) string            { return "deployment-group/" + group }
func KeyResource(id string) string                 { return "key/" + id }
func DomainResource(domain string) string          { return "package-domain/" + domain }

func validate(st Statement) error {
	if st.Effect != Allow && st.Effect != Deny {
		return fmt.Errorf("%w: effect %q", ErrInvalidStatement, st.Effect)
	}
	if len(st.Actions) == 0 || len(st.Resources) == 0 {
		return fmt.Errorf("%w: actions and resources are required", ErrInvalidStatement)
	}
	for _, a := range st.Actions {
		if strings.Contains(a, "*") {
			return fmt.Errorf("%w: %q", ErrWildcardAction, a)
		}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
