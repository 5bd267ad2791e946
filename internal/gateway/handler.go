// Package gateway is the HTTP front door: it authenticates every request,
// tracks long-lived transport sessions, and forwards authorized tool
// invocations to the backend query service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/canopyops/toolgate/authn"
	"github.com/canopyops/toolgate/internal/jsonrpc"
	"github.com/canopyops/toolgate/internal/logctx"
	"github.com/canopyops/toolgate/internal/revocation"
	"github.com/canopyops/toolgate/internal/tokenverify"
	"github.com/canopyops/toolgate/internal/wellknown"
	"github.com/canopyops/toolgate/sessions"
	"github.com/canopyops/toolgate/tools"
)

const (
	healthPath      = "/healthz"
	sessionIDHeader = "Mcp-Session-Id"

	protocolVersion = "2025-06-18"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// TokenVerifier validates a bearer credential and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (*tokenverify.Claims, error)
}

// RevocationChecker resolves a signature-valid credential to an identity.
type RevocationChecker interface {
	Check(ctx context.Context, credential string) (revocation.Result, error)
}

// ToolInvoker forwards a tool invocation to the backend.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. Wrap the handler in logctx.Handler to get
// request and identity attributes on every record. Logs are discarded by
// default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithRealm overrides the challenge realm (default "mcp").
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// WithStaticKey enables the development static-key stage. Construction-time
// config validation guarantees this is never reached in production; the
// gateway itself has no runtime notion of environment.
func WithStaticKey(key string) Option {
	return func(h *Handler) { h.staticKey = key }
}

// WithIssuer sets the issuer whose origin anchors the challenge
// resource_metadata URL and the advertised metadata document.
func WithIssuer(issuer string) Option {
	return func(h *Handler) { h.issuer = issuer }
}

// WithToolSet sets the advertised tool surface.
func WithToolSet(ts *tools.Set) Option {
	return func(h *Handler) { h.tools = ts }
}

// WithServerName sets the resource name surfaced in discovery metadata.
func WithServerName(name string) Option {
	return func(h *Handler) { h.serverName = name }
}

// WithSupportURLs sets the supportUrl and docs fields of challenge bodies.
func WithSupportURLs(supportURL, docsURL string) Option {
	return func(h *Handler) {
		h.supportURL = supportURL
		h.docsURL = docsURL
	}
}

// Handler is the gateway's http.Handler.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	verifier TokenVerifier
	checker  RevocationChecker
	registry *sessions.Registry
	signer   *sessions.IDSigner
	invoker  ToolInvoker
	tools    *tools.Set

	serverURL  *url.URL
	realm      string
	issuer     string
	staticKey  string
	serverName string
	supportURL string
	docsURL    string
}

var _ http.Handler = (*Handler)(nil)

// New builds the gateway handler.
func New(publicEndpoint string, verifier TokenVerifier, checker RevocationChecker, registry *sessions.Registry, invoker ToolInvoker, opts ...Option) (*Handler, error) {
	if verifier == nil || checker == nil {
		return nil, fmt.Errorf("verifier and checker are required")
	}
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid public endpoint %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "http" && mcpURL.Scheme != "https" {
		return nil, fmt.Errorf("public endpoint must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}
	signer, err := sessions.NewIDSigner()
	if err != nil {
		return nil, err
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: slog.DiscardHandler}),
		verifier:  verifier,
		checker:   checker,
		registry:  registry,
		signer:    signer,
		invoker:   invoker,
		tools:     tools.NewSet(),
		serverURL: mcpURL,
		realm:     "mcp",
	}
	for _, opt := range opts {
		opt(h)
	}

	path := mcpURL.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", path), h.handlePreflight)
	mux.HandleFunc("GET "+healthPath, h.handleHealth)
	mux.HandleFunc("GET "+wellknown.ProtectedResourcePath, h.handleProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS "+wellknown.ProtectedResourcePath, h.handlePreflight)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// writeJSONError emits a transport-level error body before any JSON-RPC
// exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := h.registry.Counts()
	perKind := make(map[string]int, len(counts.PerKind))
	for k, n := range counts.PerKind {
		perKind[string(k)] = n
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": map[string]any{"perKind": perKind, "total": counts.Total},
	})
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+sessionIDHeader)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	doc := wellknown.ProtectedResourceMetadata{
		Resource:               h.serverURL.String(),
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           h.serverName,
		ResourceDocumentation:  h.docsURL,
	}
	if h.issuer != "" {
		doc.AuthorizationServers = []string{h.issuer}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(doc)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	r = r.WithContext(ctx)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		return
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Method == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC request")
		return
	}

	if req.Method == "initialize" {
		h.handleInitialize(ctx, w, req)
		return
	}

	sid, ok := h.requireSession(ctx, w, r, sessions.KindStreamable)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, Kind: string(sessions.KindStreamable)})

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.notification.ok", slog.String("rpc_method", req.Method))
		return
	}

	var res *jsonrpc.Response
	switch req.Method {
	case "ping":
		res, _ = jsonrpc.NewResultResponse(req.ID, map[string]any{})
	case "tools/list":
		res, err = jsonrpc.NewResultResponse(req.ID, map[string]any{"tools": h.tools.List()})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode tool list")
			return
		}
	case "tools/call":
		res = h.handleToolCall(ctx, req)
	default:
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not supported: "+req.Method)
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.ok", slog.String("rpc_method", req.Method), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, req jsonrpc.Request) {
	userID := ""
	if id, ok := authn.FromContext(ctx); ok {
		userID = id.UserID
	}
	wireID, sid, err := h.signer.Mint(userID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.registry.Add(sessions.KindStreamable, sid, newSessionChannel()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to track session")
		h.log.ErrorContext(ctx, "session.track.fail", slog.String("err", err.Error()))
		return
	}

	res, err := jsonrpc.NewResultResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]any{"name": h.serverName, "version": "1.0.0"},
		"capabilities":    map[string]any{"tools": map[string]any{}},
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		return
	}
	w.Header().Set(sessionIDHeader, wireID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(res)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, Kind: string(sessions.KindStreamable)})
	h.log.InfoContext(ctx, "session.create.ok")
}

func (h *Handler) handleToolCall(ctx context.Context, req jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params")
	}
	if !h.tools.Has(params.Name) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name)
	}

	data, err := h.invoker.Invoke(ctx, params.Name, params.Arguments)
	if err != nil {
		if code, ok := authn.CodeOf(err); ok && code == authn.CodeNoCredentialAvailable {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "no credential available for backend call")
		}
		h.log.ErrorContext(ctx, "tool.invoke.fail", slog.String("tool", params.Name), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "tool invocation failed")
	}

	res, err := jsonrpc.NewResultResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(data)}},
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode tool result")
	}
	return res
}

// requireSession validates the session header against the signer and the
// registry for the given kind and returns the registry key.
func (h *Handler) requireSession(ctx context.Context, w http.ResponseWriter, r *http.Request, kind sessions.Kind) (string, bool) {
	wireID := r.Header.Get(sessionIDHeader)
	if wireID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+sessionIDHeader+" header")
		return "", false
	}
	userID := ""
	if id, ok := authn.FromContext(ctx); ok {
		userID = id.UserID
	}
	sid, err := h.signer.Verify(wireID, userID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionUserMismatch) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.WarnContext(ctx, "session.user.mismatch")
			return "", false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid "+sessionIDHeader+" header")
		return "", false
	}
	if _, ok := h.registry.Get(kind, sid); !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return "", false
	}
	return sid, true
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	r = r.WithContext(ctx)

	sid, ok := h.requireSession(ctx, w, r, sessions.KindStreamable)
	if !ok {
		return
	}

	// Close the tracked channels; close watchers handle removal. Explicit
	// removes afterwards are no-ops by design.
	if ch, ok := h.registry.Get(sessions.KindSSE, sid); ok {
		_ = ch.Close()
	}
	if ch, ok := h.registry.Get(sessions.KindStreamable, sid); ok {
		_ = ch.Close()
	}
	h.registry.Remove(sessions.KindSSE, sid)
	h.registry.Remove(sessions.KindStreamable, sid)

	h.log.InfoContext(ctx, "session.delete.ok", slog.String("sid", sid))
	w.WriteHeader(http.StatusNoContent)
}
