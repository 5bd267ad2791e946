package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/canopyops/toolgate/internal/logctx"
	"github.com/canopyops/toolgate/sessions"
)

// sessionChannel tracks a streamable session's lifetime in the registry.
// There is no standing connection; Close is the only lifecycle event.
type sessionChannel struct {
	once sync.Once
	done chan struct{}
}

func newSessionChannel() *sessionChannel {
	return &sessionChannel{done: make(chan struct{})}
}

func (c *sessionChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *sessionChannel) Done() <-chan struct{} { return c.done }

// sseChannel wraps a standing event-stream connection. Closing it unblocks
// the serving goroutine, which triggers the registry's close watcher.
type sseChannel struct {
	once sync.Once
	done chan struct{}
}

func newSSEChannel() *sseChannel {
	return &sseChannel{done: make(chan struct{})}
}

func (c *sseChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *sseChannel) Done() <-chan struct{} { return c.done }

func writeSSEEvent(w http.ResponseWriter, event, data string) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// handleGet serves either the passive browser view (HTML-accepting request
// with no session marker) or a standing SSE stream bound to an established
// session.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	r = r.WithContext(ctx)

	if r.Header.Get(sessionIDHeader) == "" && acceptsHTML(r) {
		h.serveBrowserView(w, r)
		return
	}

	sid, ok := h.requireSession(ctx, w, r, sessions.KindStreamable)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, Kind: string(sessions.KindSSE)})

	ch := newSSEChannel()
	if err := h.registry.Add(sessions.KindSSE, sid, ch); err != nil {
		writeJSONError(w, http.StatusConflict, "an event stream is already open for this session")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	h.log.InfoContext(ctx, "sse.open")

	select {
	case <-r.Context().Done():
		_ = ch.Close()
	case <-ch.Done():
	}
	h.log.InfoContext(ctx, "sse.close")
}

// serveBrowserView renders a minimal HTML page for a human who opened the
// endpoint in a browser. It intentionally reveals nothing about configured
// tools or sessions.
func (h *Handler) serveBrowserView(w http.ResponseWriter, r *http.Request) {
	name := h.serverName
	if name == "" {
		name = "Tool Gateway"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%[1]s</title></head>
<body>
<h1>%[1]s</h1>
<p>This is a machine endpoint. Connect with an MCP-compatible client and present a bearer credential.</p>
<p><a href="%[2]s">Protected resource metadata</a></p>
</body>
</html>
`, name, h.resourceMetadataURL(r))
	h.log.DebugContext(r.Context(), "browser_view.served", slog.String("ua", r.UserAgent()))
}
