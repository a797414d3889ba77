// Package identity resolves caller credentials to owner IDs.
package identity

import (
	"context"
	"errors"

	"github.com/user/chatrelay/internal/types"
)

// ErrUnauthenticated is returned for unknown or missing credentials.
// Unauthenticated callers receive no state and no persistence.
var ErrUnauthenticated = errors.New("unauthenticated")

// Static resolves a fixed bearer token to a fixed owner ID. It is the
// single-operator deployment model: one token, one owner.
type Static struct {
	token string
	owner string
}

// NewStatic creates a resolver for the given token/owner pair. An empty
// token disables authentication entirely: every caller resolves to owner.
func NewStatic(token, owner string) *Static {
	return &Static{token: token, owner: owner}
}

// Resolve returns the owner ID for a credential.
func (s *Static) Resolve(_ context.Context, token string) (string, error) {
	if s.token == "" {
		return s.owner, nil
	}
	if token != s.token {
		return "", ErrUnauthenticated
	}
	return s.owner, nil
}

// Compile-time interface compliance check.
var _ types.Identity = (*Static)(nil)
