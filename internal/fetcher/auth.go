package fetcher

import (
	"context"
	"fmt"

	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/secrets"
)

// CredentialResolver looks up the credential for a request URL.
type CredentialResolver interface {
	Resolve(ctx context.Context, auth secrets.Auth, rawURL string) (secrets.Credential, error)
}

// Authenticated applies credentials to a copy of each request right before
// it is sent, so callers never persist secrets with the RequestSpec.
type Authenticated struct {
	next     harvest.Fetcher
	resolver CredentialResolver
	auth     secrets.Auth
}

// NewAuthenticated wraps next. A zero auth makes it a pass-through.
func NewAuthenticated(next harvest.Fetcher, resolver CredentialResolver, auth secrets.Auth) *Authenticated {
	return &Authenticated{next: next, resolver: resolver, auth: auth}
}

// Fetch resolves credentials and delegates.
func (a *Authenticated) Fetch(ctx context.Context, req harvest.RequestSpec) (harvest.Response, error) {
	if a.auth.IsZero() || a.resolver == nil {
		return a.next.Fetch(ctx, req)
	}
	cred, err := a.resolver.Resolve(ctx, a.auth, req.URL)
	if err != nil {
		return harvest.Response{}, &harvest.PermanentFetchError{Err: fmt.Errorf("resolve credentials: %w", err)}
	}
	if cred.Empty() {
		return a.next.Fetch(ctx, req)
	}
	return a.next.Fetch(ctx, cred.Apply(req))
}
