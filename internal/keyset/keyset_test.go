package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/canopyops/toolgate/authn"
)

func testJWKS(t *testing.T) []byte {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

func TestKeyfunc_FetchesOncePerWindow(t *testing.T) {
	jwks := testJWKS(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	defer srv.Close()

	now := time.Now()
	c := New(srv.URL, WithTTL(time.Hour))
	c.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		kf, err := c.Keyfunc(ctx)
		if err != nil {
			t.Fatalf("keyfunc %d: %v", i, err)
		}
		if kf == nil {
			t.Fatalf("nil keyfunc")
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("want 1 fetch within window, got %d", got)
	}

	now = now.Add(2 * time.Hour)
	if _, err := c.Keyfunc(ctx); err != nil {
		t.Fatalf("keyfunc after expiry: %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("want exactly 2 fetches after window elapsed, got %d", got)
	}
}

func TestKeyfunc_FetchFailureNoCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Keyfunc(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if code, ok := authn.CodeOf(err); !ok || code != authn.CodeKeySetUnavailable {
		t.Fatalf("want key_set_unavailable, got %v", err)
	}
}

func TestKeyfunc_StaleEntryDoesNotMaskFetchFailure(t *testing.T) {
	jwks := testJWKS(t)
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	defer srv.Close()

	now := time.Now()
	c := New(srv.URL, WithTTL(time.Minute))
	c.now = func() time.Time { return now }

	if _, err := c.Keyfunc(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	// Entry goes stale and the issuer endpoint starts failing. The stale keys
	// must not be served.
	now = now.Add(time.Hour)
	fail.Store(true)
	_, err := c.Keyfunc(context.Background())
	if err == nil {
		t.Fatalf("expected unavailability error, got stale keys")
	}
	var ae *authn.Error
	if !errors.As(err, &ae) || ae.Code != authn.CodeKeySetUnavailable {
		t.Fatalf("want key_set_unavailable, got %v", err)
	}
}

func TestKeyfunc_VerifiesSignedToken(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "sig-1", Algorithm: "RS256", Use: "sig"}}}
	jwks, _ := json.Marshal(set)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(jwks)
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "sig-1"
	signed, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c := New(srv.URL)
	kf, err := c.Keyfunc(context.Background())
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}
	if _, err := jwt.Parse(signed, kf); err != nil {
		t.Fatalf("parse with cached keys: %v", err)
	}
}
