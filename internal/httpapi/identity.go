package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/rides"
)

// Identity is the external identity provider boundary: it resolves the
// authenticated party behind a request. Token verification lives behind this
// interface, not in the coordinator.
type Identity interface {
	Authenticate(r *http.Request) (rides.Actor, error)
}

var errNoIdentity = errors.New("missing identity")

// HeaderIdentity trusts X-User-ID/X-User-Role headers set by an
// authenticating edge proxy.
type HeaderIdentity struct{}

func (HeaderIdentity) Authenticate(r *http.Request) (rides.Actor, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return rides.Actor{}, errNoIdentity
	}
	role := r.Header.Get("X-User-Role")
	if role == "" {
		role = rides.RolePassenger
	}
	return rides.Actor{ID: id, Role: role}, nil
}

type actorKey struct{}

func withActor(ctx context.Context, a rides.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) (rides.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(rides.Actor)
	return a, ok
}
