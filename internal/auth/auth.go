// Package auth is the boundary to the credential provider. It answers
// whether remote calls are currently authorized and publishes
// authentication transitions to capability-scoped subscribers.
package auth

import (
	"context"
	"sync/atomic"
)

// Authenticator reports whether remote calls can currently be authorized.
type Authenticator interface {
	IsAuthenticated(ctx context.Context) bool
}

// StaticAuthenticator holds an explicitly set flag. It backs basic-auth
// CalDAV, where credentials never expire, and tests.
type StaticAuthenticator struct {
	ok atomic.Bool
}

// NewStaticAuthenticator returns an authenticator with the given initial state.
func NewStaticAuthenticator(authenticated bool) *StaticAuthenticator {
	a := &StaticAuthenticator{}
	a.ok.Store(authenticated)
	return a
}

// IsAuthenticated implements Authenticator.
func (a *StaticAuthenticator) IsAuthenticated(context.Context) bool {
	return a.ok.Load()
}

// Set changes the reported state.
func (a *StaticAuthenticator) Set(authenticated bool) {
	a.ok.Store(authenticated)
}
