/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/telemetry"
)

// settleDelay lets editors finish writing before a file is read.
const settleDelay = 200 * time.Millisecond

// FileSource publishes timeline documents found in a directory and follows
// changes to them.
type FileSource struct {
	dir       string
	publisher Publisher
	logger    zerolog.Logger

	mu      sync.Mutex
	tiles   map[string]string // path -> tile ID
	pending map[string]*time.Timer
}

// NewFileSource creates a source over dir.
func NewFileSource(dir string, publisher Publisher, logger zerolog.Logger) *FileSource {
	return &FileSource{
		dir:       dir,
		publisher: publisher,
		logger:    logger.With().Str("component", "file_source").Str("dir", dir).Logger(),
		tiles:     make(map[string]string),
		pending:   make(map[string]*time.Timer),
	}
}

// Run loads every document in the directory, then watches it until ctx is
// cancelled.
func (fs *FileSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(fs.dir); err != nil {
		return fmt.Errorf("watch %s: %w", fs.dir, err)
	}

	if err := fs.Scan(ctx); err != nil {
		return err
	}
	fs.logger.Info().Int("documents", fs.known()).Msg("file source watching")

	defer fs.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			fs.handle(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fs.logger.Warn().Err(err).Msg("file watch error")
		}
	}
}

// Scan loads every supported document in the directory once.
func (fs *FileSource) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", fs.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := FormatFor(entry.Name()); !ok {
			continue
		}
		fs.load(ctx, filepath.Join(fs.dir, entry.Name()))
	}
	return nil
}

func (fs *FileSource) handle(ctx context.Context, event fsnotify.Event) {
	if _, ok := FormatFor(event.Name); !ok {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		fs.remove(ctx, event.Name)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		fs.schedule(ctx, event.Name)
	}
}

// schedule coalesces bursts of writes to one path into a single load.
func (fs *FileSource) schedule(ctx context.Context, path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if t, ok := fs.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	fs.pending[path] = time.AfterFunc(settleDelay, func() {
		fs.mu.Lock()
		delete(fs.pending, path)
		fs.mu.Unlock()
		if ctx.Err() == nil {
			fs.load(ctx, path)
		}
	})
}

func (fs *FileSource) load(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fs.logger.Error().Err(err).Str("path", path).Msg("failed to read document")
		}
		return
	}

	rev, err := NewRevision(models.SourceFile, filepath.Base(path), raw)
	if err != nil {
		telemetry.ContentReloadsTotal.WithLabelValues(models.SourceFile, "invalid").Inc()
		fs.logger.Error().Err(err).Str("path", path).Msg("rejected timeline document")
		return
	}

	if err := fs.publisher.PublishRevision(ctx, rev); err != nil {
		telemetry.ContentReloadsTotal.WithLabelValues(models.SourceFile, "error").Inc()
		fs.logger.Error().Err(err).Str("path", path).Str("tile_id", rev.TileID).Msg("failed to publish document")
		return
	}

	fs.mu.Lock()
	fs.tiles[path] = rev.TileID
	fs.mu.Unlock()

	telemetry.ContentReloadsTotal.WithLabelValues(models.SourceFile, "ok").Inc()
	fs.logger.Info().Str("path", path).Str("tile_id", rev.TileID).Int("entries", len(rev.Document.Entries)).Msg("timeline document loaded")
}

func (fs *FileSource) remove(ctx context.Context, path string) {
	fs.mu.Lock()
	tileID, ok := fs.tiles[path]
	delete(fs.tiles, path)
	if t, pending := fs.pending[path]; pending {
		t.Stop()
		delete(fs.pending, path)
	}
	fs.mu.Unlock()
	if !ok {
		return
	}

	if err := fs.publisher.DeleteTile(ctx, tileID, models.SourceFile); err != nil {
		fs.logger.Error().Err(err).Str("tile_id", tileID).Msg("failed to delete tile of removed document")
		return
	}
	fs.logger.Info().Str("path", path).Str("tile_id", tileID).Msg("timeline document removed")
}

func (fs *FileSource) known() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.tiles)
}

func (fs *FileSource) stopPending() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for path, t := range fs.pending {
		t.Stop()
		delete(fs.pending, path)
	}
}
