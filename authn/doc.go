// Package authn carries the resolved caller identity for a single gateway
// request and the coded error taxonomy surfaced to clients.
//
// An Identity is constructed exactly once per request by the gateway's
// authentication stage and attached to the request context. Downstream code
// (tool handlers, the backend client) reads it back with FromContext. The
// identity never outlives the request and is never shared across requests;
// context scoping is what makes that visible in the type signatures rather
// than relying on any ambient mechanism.
package authn
