package authz

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// ImpersonationHeader carries the impersonation session id, if any
const ImpersonationHeader = "X-Impersonation-Session"

// Authorizer is satisfied by *Evaluator
type Authorizer interface {
	Authorize(ctx context.Context, req Request) Decision
}

// Target is the resource a guarded request operates on
type Target struct {
	OrgID        string
	ProjectID    string
	ResourceType string
	ResourceID   string
}

// TargetFunc extracts the target from a request
type TargetFunc func(r *http.Request) Target

// PathTarget reads org_id and project_id route variables and takes the
// resource id from idVar. An empty idVar uses the project, then the
// organization, as the resource.
func PathTarget(resourceType, idVar string) TargetFunc {
	return func(r *http.Request) Target {
		vars := mux.Vars(r)
		t := Target{
			OrgID:        vars["org_id"],
			ProjectID:    vars["project_id"],
			ResourceType: resourceType,
		}
		switch {
		case idVar != "":
			t.ResourceID = vars[idVar]
		case t.ProjectID != "":
			t.ResourceID = t.ProjectID
		default:
			t.ResourceID = t.OrgID
		}
		return t
	}
}

// QueryTarget reads org_id and project_id from the query string. It suits
// read endpoints such as permission listings that take the scope as filters.
func QueryTarget(resourceType, idVar string) TargetFunc {
	return func(r *http.Request) Target {
		q := r.URL.Query()
		return Target{
			OrgID:        q.Get("org_id"),
			ProjectID:    q.Get("project_id"),
			ResourceType: resourceType,
			ResourceID:   mux.Vars(r)[idVar],
		}
	}
}

// PlatformTarget is for platform operations outside any organization
func PlatformTarget(resourceType string) TargetFunc {
	return func(r *http.Request) Target {
		return Target{ResourceType: resourceType}
	}
}

// Guard authorizes the authenticated actor for action before calling next.
// Denials get a 403 with a generic message; the reason code goes to the
// audit record only.
func Guard(authorizer Authorizer, action string, target TargetFunc) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := contextkeys.GetUserID(r.Context())
			if actor == "" {
				httputil.WriteUnauthorized(w)
				return
			}

			t := target(r)
			d := authorizer.Authorize(r.Context(), Request{
				ActorUserID:            actor,
				ActionKey:              action,
				ResourceType:           t.ResourceType,
				ResourceID:             t.ResourceID,
				OrgID:                  t.OrgID,
				ProjectID:              t.ProjectID,
				ImpersonationSessionID: r.Header.Get(ImpersonationHeader),
				Context: map[string]string{
					"http_method": r.Method,
					"http_path":   r.URL.Path,
				},
			})
			if !d.Allowed {
				httputil.WriteForbidden(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
		})
	}
}

// WithDecision stores d in ctx
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, contextkeys.DecisionKey, d)
}

// DecisionFromContext returns the decision stored by Guard
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(contextkeys.DecisionKey).(Decision)
	return d, ok
}
