// Package backend issues authenticated calls to the upstream query service.
// The credential forwarded on each call comes from the request's resolved
// identity; an unauthenticated outbound request is never sent.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/canopyops/toolgate/authn"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for backend calls.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) { c.httpClient = cl }
}

// WithStaticToken sets the backend credential forwarded when the request was
// authenticated in static-key mode. Without it, static-key requests fail
// locally rather than reaching the backend unauthenticated.
func WithStaticToken(tok string) Option {
	return func(c *Client) { c.staticToken = tok }
}

// Client calls the backend query service.
type Client struct {
	url         string
	httpClient  *http.Client
	staticToken string
}

// New builds a Client for the given backend endpoint.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type queryPayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type queryResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query POSTs a query to the backend with the credential selected from the
// request identity and returns the response data. A payload-level error list
// is a failure even on HTTP 200.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	cred, err := c.selectCredential(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(queryPayload{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("backend: encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: request failed: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("backend: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("backend: unexpected status %d", res.StatusCode)
	}

	var qr queryResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("backend: decode response: %w", err)
	}
	if len(qr.Errors) > 0 {
		msgs := make([]string, 0, len(qr.Errors))
		for _, e := range qr.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("backend: query failed: %s", strings.Join(msgs, "; "))
	}
	return qr.Data, nil
}

// invokeToolQuery executes a named tool on the backend and returns its
// result document.
const invokeToolQuery = `mutation InvokeTool($name: String!, $arguments: JSON) {
  invokeTool(name: $name, arguments: $arguments) { result }
}`

// Invoke runs a named tool on the backend on behalf of the active identity.
func (c *Client) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	vars := map[string]any{"name": name}
	if len(args) > 0 {
		vars["arguments"] = args
	}
	data, err := c.Query(ctx, invokeToolQuery, vars)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		InvokeTool struct {
			Result json.RawMessage `json:"result"`
		} `json:"invokeTool"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("backend: decode tool result: %w", err)
	}
	return envelope.InvokeTool.Result, nil
}

// selectCredential picks the outbound credential from the active identity:
// the caller's own bearer credential when present, else the configured
// static backend token when the request authenticated in static-key mode.
func (c *Client) selectCredential(ctx context.Context) (string, error) {
	id, ok := authn.FromContext(ctx)
	if !ok {
		return "", authn.NewError(authn.CodeNoCredentialAvailable, "no identity resolved for this request")
	}
	if id.Credential != "" {
		return id.Credential, nil
	}
	if id.StaticKey && c.staticToken != "" {
		return c.staticToken, nil
	}
	return "", authn.NewError(authn.CodeNoCredentialAvailable, "no credential available to forward")
}
