// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/outpost/lib/clock"
)

// DefaultWatchDebounce is how long Watch waits after the last change
// event before reloading.
const DefaultWatchDebounce = 250 * time.Millisecond

// WatchOptions configures Watch. Zero values select defaults.
type WatchOptions struct {
	Clock    clock.Clock
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watch reloads path whenever it changes and passes each successfully
// parsed configuration to onChange. Change events are coalesced: the
// file is read once no event has arrived for the debounce interval. A
// file that is empty or fails to parse is logged and ignored; the
// previous configuration stays in effect.
//
// The containing directory is watched rather than the file so that
// editors which save by renaming a temporary file are still seen.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, options WatchOptions, onChange func(*Config)) error {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(absolute)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(absolute), err)
	}

	// settle is nil while no change is pending. Each event replaces it,
	// so only the timer armed by the latest event triggers a reload.
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absolute {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			settle = clk.After(debounce)
		case <-settle:
			settle = nil
			cfg, err := LoadFile(absolute)
			if err != nil {
				logger.Warn("config reload failed", "path", absolute, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", absolute, "remotes", len(cfg.Remotes))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "path", absolute, "error", err)
		}
	}
}
