package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore reads revocation records from a JSON file mapping credential to
// record. The file is re-read whenever it changes on disk, which makes it
// convenient for development; Touch updates only the in-memory copy.
type FileStore struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads the file and starts watching it for changes.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &FileStore{path: path, log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("revocation file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("revocation file watch %q: %w", path, err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *FileStore) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn("revocation.file.reload.fail", slog.String("err", err.Error()))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("revocation.file.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (s *FileStore) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	records := map[string]Record{}
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("revocation file parse: %w", err)
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Lookup(ctx context.Context, credential string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[credential]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *FileStore) Touch(ctx context.Context, credential string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[credential]
	if !ok {
		return nil
	}
	rec.LastUsedAt = at
	s.records[credential] = rec
	return nil
}

// Close stops the file watcher.
func (s *FileStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
