package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

// Processor consumes hook events. *Receiver implements it.
type Processor interface {
	Process(ctx context.Context, ev Event) Response
}

// spoolRecord is one event the hook command could not deliver.
type spoolRecord struct {
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
}

const spoolDebounce = 100 * time.Millisecond

// WriteSpool queues body for later ingestion. File names sort in arrival
// order.
func WriteSpool(dir, event string, body []byte) (string, error) {
	if !json.Valid(body) {
		return "", fmt.Errorf("hooks: spool: payload is not JSON")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("hooks: spool: %w", err)
	}
	data, err := json.Marshal(spoolRecord{Event: event, Payload: body, QueuedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("hooks: spool: %w", err)
	}
	path := filepath.Join(dir, ulid.Make().String()+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("hooks: spool: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("hooks: spool: %w", err)
	}
	return path, nil
}

// SpoolWatcher feeds spooled events to a Processor and deletes them.
type SpoolWatcher struct {
	dir  string
	proc Processor

	// processing is serialised so events keep their file order
	procMu sync.Mutex
}

func NewSpoolWatcher(dir string, proc Processor) *SpoolWatcher {
	return &SpoolWatcher{dir: dir, proc: proc}
}

// Run drains existing files, then watches the directory until ctx ends.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("hooks: spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hooks: spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("hooks: watch %s: %w", w.dir, err)
	}
	hookLog.Info("spool_watching", slog.String("dir", w.dir))

	w.Drain(ctx)

	var (
		pendingMu sync.Mutex
		pending   = make(map[string]bool)
		timer     *time.Timer
	)
	defer func() {
		pendingMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".json" || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			pendingMu.Lock()
			pending[ev.Name] = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(spoolDebounce, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pending))
				for f := range pending {
					files = append(files, f)
				}
				pending = make(map[string]bool)
				pendingMu.Unlock()

				sort.Strings(files)
				for _, f := range files {
					w.processFile(ctx, f)
				}
			})
			pendingMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			hookLog.Warn("spool_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Drain processes every spooled file present now, oldest first, and
// returns how many were handled.
func (w *SpoolWatcher) Drain(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if w.processFile(ctx, filepath.Join(w.dir, e.Name())) {
			n++
		}
	}
	return n
}

func (w *SpoolWatcher) processFile(ctx context.Context, path string) bool {
	w.procMu.Lock()
	defer w.procMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by an earlier batch.
		if !errors.Is(err, os.ErrNotExist) {
			hookLog.Warn("spool_read_failed", slog.String("file", path), slog.String("error", err.Error()))
		}
		return false
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			hookLog.Warn("spool_remove_failed", slog.String("file", path), slog.String("error", err.Error()))
		}
	}()

	var rec spoolRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		hookLog.Warn("spool_malformed", slog.String("file", path), slog.String("error", err.Error()))
		return false
	}
	ev, err := DecodeEvent(rec.Event, rec.Payload)
	if err != nil {
		hookLog.Warn("spool_malformed", slog.String("file", path), slog.String("error", err.Error()))
		return false
	}
	resp := w.proc.Process(ctx, ev)
	hookLog.Debug("spool_processed",
		slog.String("file", filepath.Base(path)),
		slog.String("event", string(ev.Type)),
		slog.String("status", resp.Status))
	return true
}
