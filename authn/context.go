package authn

import "context"

type identityKey struct{}

// WithIdentity returns a child context carrying the resolved identity. The
// gateway calls this once per request after its authentication stage wins.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached to ctx, if any. The second return
// is false outside an authenticated request scope.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
