// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write before
// reparsing.
const DefaultDebounce = 250 * time.Millisecond

// Watcher keeps the latest valid version of a contract file loaded.
//
// Description:
//
//	The parent directory is watched rather than the file itself so editors
//	that replace the file via rename are handled. Edits that fail to parse
//	are logged and ignored; Current keeps returning the last good contract.
//
// Thread Safety: Current is safe for concurrent use. Start and Stop may be
// called from any goroutine.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	current  atomic.Pointer[Contract]
	onReload func(*Contract)

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithReloadHook registers a callback invoked after each successful reload.
func WithReloadHook(fn func(*Contract)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads path once and prepares to watch it.
//
// Outputs:
//
//	*Watcher - Not watching until Start is called.
//	error - The initial load failed or fsnotify could not be created.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	c, err := LoadFile(w.path)
	if err != nil {
		return nil, err
	}
	w.current.Store(c)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create contract watcher: %w", err)
	}
	w.fsw = fsw
	return w, nil
}

// Current returns the latest valid contract.
func (w *Watcher) Current() *Contract {
	return w.current.Load()
}

// Start begins watching until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.loop(ctx)
	return nil
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("contract watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	c, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("contract reload rejected, keeping previous version",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.current.Store(c)
	w.logger.Info("contract reloaded",
		slog.String("path", w.path),
		slog.String("contract", c.Identity()))
	if w.onReload != nil {
		w.onReload(c)
	}
}
