// Package authz answers "may this actor perform this action here".
//
// The Resolver turns memberships into an effective permission set for one
// (actor, organization, project) triple. The Evaluator validates an optional
// impersonation session, asks the resolved context whether the action is
// granted, records exactly one audit record and returns the decision with a
// reason code. Guard wraps the evaluator as HTTP middleware for resource
// owners.
//
// The organization admin override lives in ResolvedContext.Grants and nowhere
// else.
package authz
