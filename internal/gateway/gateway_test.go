package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/canopyops/toolgate/authn"
	"github.com/canopyops/toolgate/internal/revocation"
	"github.com/canopyops/toolgate/internal/tokenverify"
	"github.com/canopyops/toolgate/sessions"
	"github.com/canopyops/toolgate/tools"
)

type fakeVerifier struct {
	err     error
	subject string
}

func (f *fakeVerifier) Verify(ctx context.Context, credential string) (*tokenverify.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tokenverify.Claims{Issuer: "https://auth.example.com", Subject: f.subject}, nil
}

type fakeChecker struct {
	err error
	res revocation.Result
}

func (f *fakeChecker) Check(ctx context.Context, credential string) (revocation.Result, error) {
	if f.err != nil {
		return revocation.Result{}, f.err
	}
	return f.res, nil
}

type fakeInvoker struct {
	mu         sync.Mutex
	calls      int
	identities []authn.Identity
	result     json.RawMessage
	err        error
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	if id, ok := authn.FromContext(ctx); ok {
		f.identities = append(f.identities, id)
	} else {
		f.identities = append(f.identities, authn.Identity{})
	}
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

type testEnv struct {
	handler  *Handler
	server   *httptest.Server
	verifier *fakeVerifier
	checker  *fakeChecker
	invoker  *fakeInvoker
	registry *sessions.Registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		verifier: &fakeVerifier{subject: "user-1"},
		checker: &fakeChecker{res: revocation.Result{
			Valid:     true,
			UserID:    "user-1",
			CompanyID: "co-1",
			UserEmail: "u1@example.com",
			ClientID:  "cli-1",
		}},
		invoker:  &fakeInvoker{},
		registry: sessions.NewRegistry(nil),
	}

	set := tools.NewSet(tools.New[echoArgs]("echo", "Echo text back"))

	opts = append([]Option{
		WithIssuer("https://auth.example.com"),
		WithToolSet(set),
		WithSupportURLs("https://support.example.com", "https://docs.example.com/authentication"),
	}, opts...)

	h, err := New("http://gw.example.com/mcp", env.verifier, env.checker, env.registry, env.invoker, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	env.handler = h
	env.server = httptest.NewServer(h)
	t.Cleanup(env.server.Close)
	return env
}

func rpcBody(method string, id any, params string) string {
	if params == "" {
		params = "null"
	}
	idJSON, _ := json.Marshal(id)
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":"%s","params":%s}`, idJSON, method, params)
}

func (env *testEnv) post(t *testing.T, body string, mutate func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if mutate != nil {
		mutate(req)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return res
}

// initSession runs an authenticated initialize exchange and returns the wire
// session id.
func (env *testEnv) initSession(t *testing.T, authz string) string {
	t.Helper()
	res := env.post(t, rpcBody("initialize", 1, `{}`), func(r *http.Request) {
		r.Header.Set("Authorization", authz)
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize: status %d", res.StatusCode)
	}
	sid := res.Header.Get(sessionIDHeader)
	if sid == "" {
		t.Fatalf("initialize: no %s header", sessionIDHeader)
	}
	return sid
}

func decodeChallenge(t *testing.T, res *http.Response) challengeBody {
	t.Helper()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", res.StatusCode)
	}
	var body challengeBody
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode challenge body: %v", err)
	}
	return body
}

func TestHealthAndPreflightBypassAuth(t *testing.T) {
	env := newTestEnv(t)

	res, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", res.StatusCode)
	}
	var health struct {
		Status   string `json:"status"`
		Sessions struct {
			Total int `json:"total"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Sessions.Total != 0 {
		t.Fatalf("unexpected health payload: %+v", health)
	}

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/mcp", nil)
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer pre.Body.Close()
	if pre.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: status %d", pre.StatusCode)
	}
}

func TestBrowserViewServedWithoutCredentials(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/html")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("want html content type, got %q", ct)
	}
}

func TestMissingCredentialsChallenged(t *testing.T) {
	env := newTestEnv(t)

	res := env.post(t, rpcBody("ping", 1, ""), nil)
	defer res.Body.Close()

	wantChallenge := `Bearer realm="mcp", resource_metadata="https://auth.example.com/.well-known/oauth-protected-resource"`
	if got := res.Header.Get("WWW-Authenticate"); got != wantChallenge {
		t.Fatalf("WWW-Authenticate = %q, want %q", got, wantChallenge)
	}

	body := decodeChallenge(t, res)
	if body.Error != "unauthorized" || body.ErrorCode != string(authn.CodeTokenMissing) {
		t.Fatalf("unexpected challenge body: %+v", body)
	}
	if body.RequestID == "" {
		t.Fatalf("challenge body missing requestId")
	}
	if body.SupportURL == "" || body.Docs == "" {
		t.Fatalf("challenge body missing support links: %+v", body)
	}
}

func TestChallengeUsesRequestHostWithoutIssuer(t *testing.T) {
	env := newTestEnv(t, WithIssuer(""))

	res := env.post(t, rpcBody("ping", 1, ""), nil)
	defer res.Body.Close()
	got := res.Header.Get("WWW-Authenticate")
	if !strings.Contains(got, res.Request.URL.Host) {
		t.Fatalf("challenge %q does not reference request host %q", got, res.Request.URL.Host)
	}
}

func TestMalformedAuthorizationHeader(t *testing.T) {
	env := newTestEnv(t)

	for _, authz := range []string{"Basic abc", "Bearer ", "Bearer"} {
		res := env.post(t, rpcBody("ping", 1, ""), func(r *http.Request) {
			r.Header.Set("Authorization", authz)
		})
		body := decodeChallenge(t, res)
		res.Body.Close()
		if body.ErrorCode != string(authn.CodeTokenMalformed) {
			t.Fatalf("authz %q: errorCode = %q, want token_malformed", authz, body.ErrorCode)
		}
	}
}

func TestVerifierFailureCodesSurfaceInChallenge(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want authn.Code
	}{
		{"expired", authn.NewError(authn.CodeTokenExpired, "token expired"), authn.CodeTokenExpired},
		{"signature", authn.NewError(authn.CodeTokenSignatureInvalid, "bad signature"), authn.CodeTokenSignatureInvalid},
		{"issuer", authn.NewError(authn.CodeIssuerMismatch, "wrong issuer"), authn.CodeIssuerMismatch},
		{"keyset", authn.NewError(authn.CodeKeySetUnavailable, "jwks fetch failed"), authn.CodeKeySetUnavailable},
		{"uncoded", fmt.Errorf("boom"), authn.CodeTokenSignatureInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.verifier.err = tc.err

			res := env.post(t, rpcBody("ping", 1, ""), func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer some-token")
			})
			defer res.Body.Close()
			body := decodeChallenge(t, res)
			if body.ErrorCode != string(tc.want) {
				t.Fatalf("errorCode = %q, want %q", body.ErrorCode, tc.want)
			}
			if env.invoker.calls != 0 {
				t.Fatalf("backend reached on failed auth")
			}
		})
	}
}

func TestRevokedCredentialChallenged(t *testing.T) {
	env := newTestEnv(t)
	env.checker.res = revocation.Result{Valid: false, Reason: authn.CodeTokenRevoked}

	res := env.post(t, rpcBody("ping", 1, ""), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer revoked-token")
	})
	defer res.Body.Close()
	body := decodeChallenge(t, res)
	if body.ErrorCode != string(authn.CodeTokenRevoked) {
		t.Fatalf("errorCode = %q, want token_revoked", body.ErrorCode)
	}
}

func TestRevocationStoreOutageChallenged(t *testing.T) {
	env := newTestEnv(t)
	env.checker.err = authn.WrapError(authn.CodeRevocationStoreUnavailable, "store down", fmt.Errorf("dial tcp: refused"))

	res := env.post(t, rpcBody("ping", 1, ""), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer some-token")
	})
	defer res.Body.Close()
	body := decodeChallenge(t, res)
	if body.ErrorCode != string(authn.CodeRevocationStoreUnavailable) {
		t.Fatalf("errorCode = %q, want revocation_store_unavailable", body.ErrorCode)
	}
}

func TestStaticKeyAuthenticates(t *testing.T) {
	env := newTestEnv(t, WithStaticKey("dev-secret"))

	sid := env.initSession(t, "dev-secret")

	res := env.post(t, rpcBody("tools/call", 2, `{"name":"echo","arguments":{"text":"hi"}}`), func(r *http.Request) {
		r.Header.Set("Authorization", "dev-secret")
		r.Header.Set(sessionIDHeader, sid)
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tools/call: status %d", res.StatusCode)
	}
	if env.invoker.calls != 1 {
		t.Fatalf("invoker calls = %d, want 1", env.invoker.calls)
	}
	if id := env.invoker.identities[0]; !id.StaticKey || id.Credential != "" {
		t.Fatalf("want static-key identity, got %+v", id)
	}
}

func TestStaticKeyMismatchFallsThroughToBearer(t *testing.T) {
	env := newTestEnv(t, WithStaticKey("dev-secret"))
	env.verifier.err = authn.NewError(authn.CodeTokenSignatureInvalid, "bad signature")

	res := env.post(t, rpcBody("ping", 1, ""), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not-the-key")
	})
	defer res.Body.Close()
	body := decodeChallenge(t, res)
	if body.ErrorCode != string(authn.CodeTokenSignatureInvalid) {
		t.Fatalf("errorCode = %q, want token_signature_invalid", body.ErrorCode)
	}
}

func TestBearerFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	sid := env.initSession(t, "Bearer good-token")

	// tools/list over the established session.
	res := env.post(t, rpcBody("tools/list", 2, ""), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
		r.Header.Set(sessionIDHeader, sid)
	})
	var listRes struct {
		Result struct {
			Tools []tools.Def `json:"tools"`
		} `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listRes); err != nil {
		t.Fatalf("decode tools/list: %v", err)
	}
	res.Body.Close()
	if len(listRes.Result.Tools) != 1 || listRes.Result.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tool list: %+v", listRes.Result.Tools)
	}

	// tools/call forwards the caller's own credential and identity.
	res = env.post(t, rpcBody("tools/call", 3, `{"name":"echo","arguments":{"text":"hi"}}`), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
		r.Header.Set(sessionIDHeader, sid)
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tools/call: status %d", res.StatusCode)
	}
	id := env.invoker.identities[0]
	if id.Credential != "good-token" || id.UserID != "user-1" || id.CompanyID != "co-1" || id.UserEmail != "u1@example.com" || id.ClientID != "cli-1" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	// DELETE tears the session down.
	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set(sessionIDHeader, sid)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", del.StatusCode)
	}
	if n := env.registry.Count(sessions.KindStreamable); n != 0 {
		t.Fatalf("streamable sessions after delete = %d, want 0", n)
	}
}

func TestUnknownToolRejectedWithoutBackendCall(t *testing.T) {
	env := newTestEnv(t)
	sid := env.initSession(t, "Bearer good-token")

	res := env.post(t, rpcBody("tools/call", 2, `{"name":"nope","arguments":{}}`), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
		r.Header.Set(sessionIDHeader, sid)
	})
	defer res.Body.Close()
	var rpcRes struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&rpcRes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpcRes.Error == nil || rpcRes.Error.Code != -32602 {
		t.Fatalf("want invalid params error, got %+v", rpcRes.Error)
	}
	if env.invoker.calls != 0 {
		t.Fatalf("backend called for unknown tool")
	}
}

func TestSessionRequiredForRPC(t *testing.T) {
	env := newTestEnv(t)

	res := env.post(t, rpcBody("ping", 1, ""), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 without session header, got %d", res.StatusCode)
	}
}

func TestSessionBoundToUser(t *testing.T) {
	env := newTestEnv(t)
	sid := env.initSession(t, "Bearer good-token")

	// Same wire id presented by a different authenticated user.
	env.checker.res.UserID = "user-2"
	res := env.post(t, rpcBody("ping", 2, ""), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer other-token")
		r.Header.Set(sessionIDHeader, sid)
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 for foreign session id, got %d", res.StatusCode)
	}
}

func TestBatchArraysRejected(t *testing.T) {
	env := newTestEnv(t)

	res := env.post(t, `[`+rpcBody("ping", 1, "")+`]`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 for batch array, got %d", res.StatusCode)
	}
}

func TestUnsupportedContentTypeRejected(t *testing.T) {
	env := newTestEnv(t)

	res := env.post(t, rpcBody("ping", 1, ""), func(r *http.Request) {
		r.Header.Set("Content-Type", "text/plain")
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("want 415, got %d", res.StatusCode)
	}
}

func TestConcurrentRequestsSeeOnlyTheirOwnIdentity(t *testing.T) {
	env := newTestEnv(t, WithStaticKey("dev-secret"))

	sid1 := env.initSession(t, "Bearer good-token")
	sid2 := env.initSession(t, "dev-secret")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res := env.post(t, rpcBody("tools/call", 10, `{"name":"echo","arguments":{}}`), func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer good-token")
				r.Header.Set(sessionIDHeader, sid1)
			})
			res.Body.Close()
		}()
		go func() {
			defer wg.Done()
			res := env.post(t, rpcBody("tools/call", 11, `{"name":"echo","arguments":{}}`), func(r *http.Request) {
				r.Header.Set("Authorization", "dev-secret")
				r.Header.Set(sessionIDHeader, sid2)
			})
			res.Body.Close()
		}()
	}
	wg.Wait()

	env.invoker.mu.Lock()
	defer env.invoker.mu.Unlock()
	for _, id := range env.invoker.identities {
		switch {
		case id.StaticKey:
			if id.Credential != "" || id.UserID != "" {
				t.Fatalf("static-key identity leaked bearer fields: %+v", id)
			}
		case id.Credential == "good-token":
			if id.UserID != "user-1" {
				t.Fatalf("bearer identity corrupted: %+v", id)
			}
		default:
			t.Fatalf("unexpected identity observed: %+v", id)
		}
	}
}

func TestSecondEventStreamConflicts(t *testing.T) {
	env := newTestEnv(t)
	sid := env.initSession(t, "Bearer good-token")

	openStream := func() *http.Response {
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/mcp", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(sessionIDHeader, sid)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("open stream: %v", err)
		}
		return res
	}

	first := openStream()
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream: status %d", first.StatusCode)
	}

	second := openStream()
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second stream: status %d, want 409", second.StatusCode)
	}
	if n := env.registry.Count(sessions.KindSSE); n != 1 {
		t.Fatalf("sse channels = %d, want the original only", n)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	env := newTestEnv(t, WithServerName("toolgate"))

	res, err := http.Get(env.server.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
		ResourceName         string   `json:"resource_name"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Resource != "http://gw.example.com/mcp" {
		t.Fatalf("resource = %q", doc.Resource)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://auth.example.com" {
		t.Fatalf("authorization_servers = %v", doc.AuthorizationServers)
	}
	if doc.ResourceName != "toolgate" {
		t.Fatalf("resource_name = %q", doc.ResourceName)
	}
}

func TestNotificationAccepted(t *testing.T) {
	env := newTestEnv(t)
	sid := env.initSession(t, "Bearer good-token")

	res := env.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer good-token")
		r.Header.Set(sessionIDHeader, sid)
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202 for notification, got %d", res.StatusCode)
	}
}
