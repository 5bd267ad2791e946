package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAlreadyTracked indicates an Add for a (kind, id) pair that is already
// live. The existing channel stays tracked and untouched.
var ErrAlreadyTracked = errors.New("sessions: channel already tracked")

// Kind is a transport channel kind. The set is closed; Add rejects anything
// else.
type Kind string

const (
	// KindSSE is a long-lived server-sent-events channel (GET stream).
	KindSSE Kind = "sse"
	// KindStreamable is a streamable HTTP request channel (POST exchange).
	KindStreamable Kind = "streamable"
)

// Kinds lists every tracked channel kind.
var Kinds = []Kind{KindSSE, KindStreamable}

// Channel is a live communication channel tracked by the registry. Done is
// closed when the channel ends, whether the remote peer or this process
// closed it.
type Channel interface {
	Close() error
	Done() <-chan struct{}
}

// Counts is a point-in-time snapshot of tracked sessions.
type Counts struct {
	PerKind map[Kind]int
	Total   int
}

// Registry tracks live channels keyed by (kind, session id). A session
// identifier is unique within its kind. Removal is idempotent: removing an
// unknown session is a no-op.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	byKind map[Kind]map[string]Channel
}

// NewRegistry builds an empty Registry. A nil logger discards.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	byKind := make(map[Kind]map[string]Channel, len(Kinds))
	for _, k := range Kinds {
		byKind[k] = make(map[string]Channel)
	}
	return &Registry{log: log, byKind: byKind}
}

// Add tracks a channel and arranges for it to be removed exactly once when
// the channel closes, even if Remove is also called explicitly. A duplicate
// (kind, id) is ErrAlreadyTracked rather than a silent overwrite, which
// would orphan the first channel with its serving goroutine still blocked.
func (r *Registry) Add(kind Kind, id string, ch Channel) error {
	r.mu.Lock()
	m, ok := r.byKind[kind]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("sessions: unknown channel kind %q", kind)
	}
	if _, exists := m[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %q", ErrAlreadyTracked, kind, id)
	}
	m[id] = ch
	r.mu.Unlock()

	go func() {
		<-ch.Done()
		r.removeIf(kind, id, ch)
	}()

	r.log.Debug("session.add", slog.String("kind", string(kind)), slog.String("id", id))
	return nil
}

// Get returns the tracked channel, if any.
func (r *Registry) Get(kind Kind, id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byKind[kind][id]
	return ch, ok
}

// Remove forgets a session. Unknown (kind, id) pairs are a no-op.
func (r *Registry) Remove(kind Kind, id string) {
	r.mu.Lock()
	if m, ok := r.byKind[kind]; ok {
		if _, ok := m[id]; ok {
			delete(m, id)
			r.log.Debug("session.remove", slog.String("kind", string(kind)), slog.String("id", id))
		}
	}
	r.mu.Unlock()
}

// removeIf removes the entry only when it still holds the same channel the
// close watcher observed. Without the identity check, a watcher for a stale
// channel could evict a newer session added under the same id.
func (r *Registry) removeIf(kind Kind, id string, ch Channel) {
	r.mu.Lock()
	if m, ok := r.byKind[kind]; ok {
		if cur, ok := m[id]; ok && cur == ch {
			delete(m, id)
			r.log.Debug("session.remove", slog.String("kind", string(kind)), slog.String("id", id))
		}
	}
	r.mu.Unlock()
}

// Count returns the number of live sessions of one kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKind[kind])
}

// Counts returns per-kind counts plus the total.
func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Counts{PerKind: make(map[Kind]int, len(r.byKind))}
	for k, m := range r.byKind {
		out.PerKind[k] = len(m)
		out.Total += len(m)
	}
	return out
}

// CleanupAll closes and forgets every tracked session. Used at shutdown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	var all []Channel
	for k, m := range r.byKind {
		for id, ch := range m {
			all = append(all, ch)
			delete(m, id)
			r.log.Debug("session.cleanup", slog.String("kind", string(k)), slog.String("id", id))
		}
	}
	r.mu.Unlock()

	for _, ch := range all {
		if err := ch.Close(); err != nil {
			r.log.Warn("session.close.fail", slog.String("err", err.Error()))
		}
	}
}
