// Package providers hands out the transient credentials build actions need
// during their pre-build phase.
package providers

import (
	"context"
	"errors"
	"fmt"
)

var ErrNoCredential = errors.New("no credential for domain")

// TokenProvider returns a short-lived token for a package domain.
type TokenProvider interface {
	Token(ctx context.Context, domain string) (string, error)
}

// StaticTokenProvider serves fixed tokens, for tests and local runs.
type StaticTokenProvider map[string]string

func (p StaticTokenProvider) Token(_ context.Context, domain string) (string, error) {
	tok, ok := p[domain]
	if !ok || tok == "" {
		return "", fmt.Errorf("%w %q", ErrNoCredential, domain)
	}
	return tok, nil
}
