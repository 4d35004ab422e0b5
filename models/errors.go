package models

import "errors"

var (
	// ErrActionFailure indicates a command inside an action exited non-zero.
	ErrActionFailure = errors.New("action failed")

	// ErrHostTimeout indicates a host did not signal before its deadline.
	ErrHostTimeout = errors.New("host signal timeout")

	// ErrNoTargetsMatched indicates the deployment group selector matched no
	// registered host.
	ErrNoTargetsMatched = errors.New("no targets matched")

	// ErrInvalidDefinition indicates a pipeline definition that cannot be run.
	ErrInvalidDefinition = errors.New("invalid pipeline definition")

	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// Application error types carried across the Temporal activity boundary,
// where sentinel identity is lost.
const (
	ErrTypeActionFailure         = "ActionFailure"
	ErrTypeArtifactNotFound      = "ArtifactNotFound"
	ErrTypePolicyComposeConflict = "PolicyComposeConflict"
	ErrTypeInvalidDefinition     = "InvalidDefinition"
	ErrTypeLayoutViolation       = "LayoutViolation"
	ErrTypeRevisionConflict      = "RevisionConflict"
)
