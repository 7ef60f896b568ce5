package api

import (
	"context"
	"errors"
	"net/http"

	"collab-core/internal/models"
	"collab-core/internal/repository"
	"collab-core/internal/services/gateway"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER, so the optional collaborators it talks to
are declared HERE with only the methods the handlers call:

- EventHistory: the archiver, for events of sessions no longer in memory
- PresenceReader: the Redis presence mirror
- IdentityProvider: whoever decides who is on the other end of a socket

Each one is optional; the handler degrades instead of failing.
*/

// EventHistory reads archived events
type EventHistory interface {
	History(ctx context.Context, sessionID string, since uint64, limit int) ([]models.CollaborationEvent, error)
}

// PresenceReader reads mirrored presence
type PresenceReader interface {
	Online(ctx context.Context, sessionID string) ([]repository.PresenceEntry, error)
}

// IdentityProvider turns an upgrade request into a gateway identity
type IdentityProvider interface {
	Identify(r *http.Request) (gateway.Identity, error)
}

// IdentityProviderFunc adapts a function to IdentityProvider
type IdentityProviderFunc func(r *http.Request) (gateway.Identity, error)

func (f IdentityProviderFunc) Identify(r *http.Request) (gateway.Identity, error) {
	return f(r)
}

var errMissingUser = errors.New("user_id is required")

// QueryIdentity reads user_id, user_name and role from the query string.
// It trusts the client; put real authentication in front of it.
func QueryIdentity(r *http.Request) (gateway.Identity, error) {
	q := r.URL.Query()
	id := gateway.Identity{
		UserID:      q.Get("user_id"),
		DisplayName: q.Get("user_name"),
	}
	if id.UserID == "" {
		return gateway.Identity{}, errMissingUser
	}
	if role := q.Get("role"); role != "" {
		parsed, err := models.ParseRole(role)
		if err != nil {
			return gateway.Identity{}, err
		}
		id.Role = parsed
	}
	return id, nil
}
