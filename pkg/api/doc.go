// Package api exposes the authorization engine over HTTP.
//
// POST /v1/authorize is the decision endpoint resource owners call on
// behalf of their users. Everything else under /v1 is administrative: the
// caller identity comes from the gateway header and every operation is itself
// authorized through authz.Guard, so administrative actions leave decision
// records like any other.
//
// Error bodies are {"error": "..."}; denials always read "not authorized".
package api
