package testutil

import (
	"context"
	"net/http"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// FakeAuth always authenticates successfully with a fixed identity.
type FakeAuth struct {
	Identity *gateway.Identity
}

// Authenticate returns the configured test identity, defaulting to a basic
// tier consumer scoped to "svc-test" if none was set.
func (f FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.Identity, error) {
	if f.Identity != nil {
		return f.Identity, nil
	}
	return &gateway.Identity{
		ConsumerID: "consumer-test",
		ServiceID:  "svc-test",
		Tier:       gateway.TierBasic,
		KeyID:      "key-test",
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrAuthentication.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrAuthentication
}
