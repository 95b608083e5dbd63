package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/minerp/internal/platform/httpx"
	"github.com/odyssey-erp/minerp/internal/shared"
)

// Identity headers set by the upstream gateway.
const (
	HeaderActorID          = "X-Actor-ID"
	HeaderActorName        = "X-Actor-Name"
	HeaderActorPermissions = "X-Actor-Permissions"
)

// Authorizer resolves the acting user of a request and checks one permission. Errors wrap
// httpx.ErrUnauthorized or httpx.ErrForbidden.
type Authorizer interface {
	Authorize(r *http.Request, permission string) (shared.Actor, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request, permission string) (shared.Actor, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(r *http.Request, permission string) (shared.Actor, error) {
	return f(r, permission)
}

// HeaderAuthorizer trusts identity headers injected by an authenticating proxy. Permissions are
// comma separated.
type HeaderAuthorizer struct{}

// Authorize implements Authorizer.
func (HeaderAuthorizer) Authorize(r *http.Request, permission string) (shared.Actor, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if raw == "" {
		return shared.Actor{}, fmt.Errorf("missing %s: %w", HeaderActorID, httpx.ErrUnauthorized)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return shared.Actor{}, fmt.Errorf("invalid %s: %w", HeaderActorID, httpx.ErrUnauthorized)
	}
	actor := shared.Actor{ID: id, Name: r.Header.Get(HeaderActorName)}
	for _, p := range strings.Split(r.Header.Get(HeaderActorPermissions), ",") {
		if p = strings.TrimSpace(p); p != "" {
			actor.Permissions = append(actor.Permissions, p)
		}
	}
	if !actor.Can(permission) {
		return shared.Actor{}, fmt.Errorf("actor %d lacks %s: %w", id, permission, httpx.ErrForbidden)
	}
	return actor, nil
}
