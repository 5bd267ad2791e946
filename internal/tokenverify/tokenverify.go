// Package tokenverify validates bearer tokens against the issuer's rotating
// key set: signature, issuer, and expiry. Audience validation is deliberately
// skipped because callers present heterogeneous client identifiers.
package tokenverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/canopyops/toolgate/authn"
	"github.com/canopyops/toolgate/internal/keyset"
)

// Claims is the decoded payload of a validated token. It is produced only
// after signature and issuer checks pass.
type Claims struct {
	Issuer    string
	Subject   string
	ExpiresAt time.Time

	raw jwt.MapClaims
}

// Decode unmarshals the full claim set into ref.
func (c *Claims) Decode(ref any) error {
	b, err := json.Marshal(map[string]any(c.raw))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLeeway sets clock-skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(v *Verifier) { v.allowedAlgs = append([]string(nil), algs...) }
}

// Verifier validates bearer credentials using a cached key set.
type Verifier struct {
	issuer      string
	keys        *keyset.Cache
	allowedAlgs []string
	leeway      time.Duration
}

// New builds a Verifier against a known JWKS location.
func New(issuer string, keys *keyset.Cache, opts ...Option) *Verifier {
	v := &Verifier{
		issuer:      issuer,
		keys:        keys,
		allowedAlgs: []string{"RS256"},
		leeway:      60 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewFromDiscovery resolves the issuer's jwks_uri via OIDC discovery and
// builds a Verifier whose key set refreshes from it.
func NewFromDiscovery(ctx context.Context, issuer string, ksOpts []keyset.Option, opts ...Option) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery metadata missing jwks_uri")
	}
	return New(issuer, keyset.New(meta.JwksURI, ksOpts...), opts...), nil
}

// Verify checks signature, issuer and expiry of the credential and returns
// its claims. Failures carry distinct authn codes; key-set fetch problems
// surface as key_set_unavailable rather than any token-level code.
func (v *Verifier) Verify(ctx context.Context, credential string) (*Claims, error) {
	if credential == "" {
		return nil, authn.NewError(authn.CodeTokenMalformed, "empty credential")
	}

	kf, err := v.keys.Keyfunc(ctx)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(credential, kf)
	if err != nil {
		return nil, mapParseError(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authn.NewError(authn.CodeTokenMalformed, "unexpected claims shape")
	}
	iss, _ := claims["iss"].(string)
	if iss != v.issuer {
		return nil, authn.NewError(authn.CodeIssuerMismatch, "token issuer does not match configured issuer")
	}

	out := &Claims{Issuer: iss, raw: claims}
	out.Subject, _ = claims["sub"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return authn.WrapError(authn.CodeTokenMalformed, "credential is not a well-formed token", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return authn.WrapError(authn.CodeTokenExpired, "token has expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return authn.WrapError(authn.CodeTokenExpired, "token not valid yet", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return authn.WrapError(authn.CodeIssuerMismatch, "token issuer does not match configured issuer", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return authn.WrapError(authn.CodeTokenSignatureInvalid, "token signature could not be verified", err)
	default:
		return authn.WrapError(authn.CodeTokenSignatureInvalid, "token validation failed", err)
	}
}
