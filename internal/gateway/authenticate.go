package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"

	"github.com/canopyops/toolgate/authn"
)

var htmlMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/html")}

// authenticate runs the per-request decision ladder. Stages are tried in
// order and the first match wins; exactly one of them resolves per request.
//
//  1. Bypass: health probe and CORS preflight proceed with no identity.
//  2. Passive browser view: a read-only, HTML-accepting request with no
//     session marker proceeds with no identity. This is a documented
//     relaxation for humans poking the endpoint in a browser, not a
//     security boundary.
//  3. Static key: only reachable when the operator enabled it and the
//     process is not in production (enforced at startup, not here).
//  4. Bearer: token verification then revocation check, in that order.
//  5. Reject with a challenge.
//
// On success the returned context carries the resolved identity (or none for
// stages 1 and 2). On failure the challenge response has been written and ok
// is false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (ctx context.Context, ok bool) {
	ctx = r.Context()

	if r.Method == http.MethodOptions || r.URL.Path == healthPath {
		return ctx, true
	}

	if r.Method == http.MethodGet && r.Header.Get(sessionIDHeader) == "" && acceptsHTML(r) {
		h.log.DebugContext(ctx, "auth.browser_view")
		return ctx, true
	}

	credential := presentedCredential(r)

	if h.staticKey != "" && credential != "" {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(h.staticKey)) == 1 {
			h.log.InfoContext(ctx, "auth.static_key")
			return authn.WithIdentity(ctx, authn.Identity{StaticKey: true}), true
		}
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) || strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
			h.log.InfoContext(ctx, "auth.header.malformed")
			h.writeChallenge(w, r, authn.CodeTokenMalformed, "malformed bearer authorization header")
			return ctx, false
		}
		tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

		claims, err := h.verifier.Verify(ctx, tok)
		if err != nil {
			code, _ := authn.CodeOf(err)
			if code == "" {
				code = authn.CodeTokenSignatureInvalid
			}
			h.log.InfoContext(ctx, "auth.verify.fail", slog.String("code", string(code)), slog.String("err", err.Error()))
			h.writeChallenge(w, r, code, "bearer token verification failed")
			return ctx, false
		}

		// Revocation is consulted only for signature-valid tokens.
		res, err := h.checker.Check(ctx, tok)
		if err != nil {
			code, _ := authn.CodeOf(err)
			if code == "" {
				code = authn.CodeRevocationStoreUnavailable
			}
			h.log.WarnContext(ctx, "auth.revocation.fail", slog.String("err", err.Error()))
			h.writeChallenge(w, r, code, "credential could not be checked against the revocation store")
			return ctx, false
		}
		if !res.Valid {
			h.log.InfoContext(ctx, "auth.revoked", slog.String("sub", claims.Subject))
			h.writeChallenge(w, r, res.Reason, "credential has been revoked")
			return ctx, false
		}

		id := authn.Identity{
			Credential: tok,
			UserID:     res.UserID,
			CompanyID:  res.CompanyID,
			UserEmail:  res.UserEmail,
			ClientID:   res.ClientID,
		}
		h.log.InfoContext(ctx, "auth.ok", slog.Bool("anonymous", id.Anonymous()))
		return authn.WithIdentity(ctx, id), true
	}

	h.log.InfoContext(ctx, "auth.missing")
	h.writeChallenge(w, r, authn.CodeTokenMissing, "no credentials presented")
	return ctx, false
}

// presentedCredential extracts the raw credential: the Bearer token when the
// scheme is present, else the raw Authorization value (static-key callers
// often omit the scheme).
func presentedCredential(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "Bearer ") {
		return strings.TrimSpace(v[len("Bearer "):])
	}
	return strings.TrimSpace(v)
}

func acceptsHTML(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, htmlMediaTypes)
	return err == nil
}
