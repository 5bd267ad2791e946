package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/canopyops/toolgate/authn"
	"github.com/canopyops/toolgate/internal/logctx"
	"github.com/canopyops/toolgate/internal/wellknown"
)

// challengeBody is the JSON body of every 401 rejection. errorCode is stable
// API that clients branch on; requestId is the correlation id for support.
type challengeBody struct {
	Error      string `json:"error"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId"`
	SupportURL string `json:"supportUrl"`
	Docs       string `json:"docs"`
}

// buildBearerChallenge renders the WWW-Authenticate value:
//
//	Bearer realm="mcp", resource_metadata="<discovery-url>"
func buildBearerChallenge(realm, resourceMetadata string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	return fmt.Sprintf(`Bearer realm="%s", resource_metadata="%s"`, esc(realm), esc(resourceMetadata))
}

// resourceMetadataURL derives the discovery URL advertised in challenges:
// the configured issuer's origin when available, else the incoming request's
// host, plus the fixed well-known path.
func (h *Handler) resourceMetadataURL(r *http.Request) string {
	if h.issuer != "" {
		if u, err := url.Parse(h.issuer); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host + wellknown.ProtectedResourcePath
		}
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + wellknown.ProtectedResourcePath
}

// writeChallenge emits the 401 challenge for a failed authentication stage.
func (h *Handler) writeChallenge(w http.ResponseWriter, r *http.Request, code authn.Code, message string) {
	w.Header().Set("WWW-Authenticate", buildBearerChallenge(h.realm, h.resourceMetadataURL(r)))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(challengeBody{
		Error:      "unauthorized",
		ErrorCode:  string(code),
		Message:    message,
		RequestID:  logctx.RequestIDFrom(r.Context()),
		SupportURL: h.supportURL,
		Docs:       h.docsURL,
	})
}
