// Package httputil provides HTTP helpers for JSON responses, request parsing
// and small middleware.
//
// Denials are always written with WriteForbidden, which carries the generic
// "not authorized" message and nothing else:
//
//	if !decision.Allowed() {
//		httputil.WriteForbidden(w)
//		return
//	}
//
// Request parsing:
//
//	var req GrantRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
package httputil
