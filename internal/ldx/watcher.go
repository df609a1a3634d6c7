// Package ldx watches a directory for new LDX log files and injects the
// current form values into their XML detail block.
package ldx

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/rennteam/pitwall/internal/forms"
	"github.com/rennteam/pitwall/internal/store"
)

const (
	// debounceWindow skips files modified this recently; the producing
	// tool may still be writing them.
	debounceWindow = 500 * time.Millisecond
	// injectTimeout bounds the store writes for one file.
	injectTimeout = 10 * time.Second
)

// Watcher is the single background task that scans the watch directory.
type Watcher struct {
	db       *store.DB
	registry *forms.Registry
	logger   *zap.SugaredLogger
	interval time.Duration

	// lastProcessed is when the previous file was processed, used to
	// classify windowless fields. Loaded from the store on start.
	lastProcessed time.Time
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(db *store.DB, registry *forms.Registry, interval time.Duration, logger *zap.SugaredLogger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{db: db, registry: registry, logger: logger, interval: interval}
}

// Run loops until ctx is cancelled. The poll ticker is the source of truth;
// fsnotify events only wake the loop early so new files are picked up
// without waiting out the tick. Errors on one file never stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	if last, err := w.db.LastLdxProcessedAt(ctx); err == nil {
		w.lastProcessed = last
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warnw("fsnotify unavailable, polling only", "error", err)
	} else {
		defer fsw.Close() //nolint:errcheck
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	watched := ""
	for {
		dir, err := w.db.GetSetting(ctx, store.SettingWatchDir)
		if err != nil {
			w.logger.Errorw("read watch directory", "error", err)
		} else if dir != "" {
			if fsw != nil && dir != watched {
				if watched != "" {
					_ = fsw.Remove(watched)
				}
				if err := fsw.Add(dir); err == nil {
					watched = dir
				}
			}
			w.scanOnce(ctx, dir)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev, ok := <-notifyEvents(fsw):
			if ok && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				// Give the producer a moment; the mtime debounce does
				// the real filtering.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(debounceWindow):
				}
			}
		}
	}
}

func notifyEvents(fsw *fsnotify.Watcher) chan fsnotify.Event {
	if fsw == nil {
		return nil
	}
	return fsw.Events
}

// scanOnce enumerates *.ldx files and processes the unseen ones.
func (w *Watcher) scanOnce(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warnw("scan watch directory", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".ldx") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < debounceWindow {
			continue // still being written
		}
		if err := w.processFile(ctx, dir, e.Name()); err != nil {
			w.logger.Errorw("process ldx file", "file", e.Name(), "error", err)
		}
	}
}

// processFile injects current values into one file. The store row is only
// written after the file write succeeded, so a failed file is retried on
// the next tick.
func (w *Watcher) processFile(ctx context.Context, dir, name string) error {
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rawHash := hashBytes(raw)

	processed, err := w.db.IsLdxProcessed(ctx, name, rawHash)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return err
	}

	schemas := w.registry.All()
	valuesByRole := map[string]map[string]store.FormValue{}
	for _, s := range schemas {
		vals, err := w.db.ListValues(ctx, s.Role)
		if err != nil {
			return err
		}
		valuesByRole[s.Role] = vals
	}

	now := time.Now()
	entries := collectEntries(schemas, valuesByRole, w.lastProcessed, now)
	inject(doc, entries)

	out, err := doc.WriteToBytes()
	if err != nil {
		return err
	}
	if err := atomicWrite(path, out); err != nil {
		return err
	}
	outHash := hashBytes(out)

	mtime := now
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime()
	}

	wctx, cancel := context.WithTimeout(ctx, injectTimeout)
	defer cancel()
	err = w.db.Tx(wctx, func(tx *sql.Tx) error {
		inserted, err := w.db.RecordLdxFile(wctx, tx, name, int64(len(out)), mtime, outHash)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		rows := make([]store.InjectionRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, store.InjectionRow{
				FieldID:    e.id,
				Value:      e.value,
				WasUpdate:  e.wasUpdate,
				InjectedAt: now,
			})
		}
		return w.db.AppendInjections(wctx, tx, name, rows)
	})
	if err != nil {
		return err
	}

	w.lastProcessed = now
	w.logger.Infow("ldx file injected", "file", name, "entries", len(entries))
	return nil
}

// atomicWrite writes data to a sibling temp file, fsyncs, and renames it
// over the original.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
