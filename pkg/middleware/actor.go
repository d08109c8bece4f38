package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// DefaultActorHeader is the header the fronting gateway sets to the
// authenticated user id
const DefaultActorHeader = "X-User-ID"

// Actor reads the authenticated user id from header and stores it in the
// context. Requests without one are rejected with 401. Authentication itself
// happens upstream; this service only consumes the identity.
func Actor(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultActorHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(header))
			if actor == "" {
				httputil.WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextkeys.WithUserID(r.Context(), actor)))
		})
	}
}

// ActorFromRequest returns the actor stored by Actor, or ""
func ActorFromRequest(r *http.Request) string {
	return contextkeys.GetUserID(r.Context())
}
