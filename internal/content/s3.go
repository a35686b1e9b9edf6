/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package content

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/storage"
	"github.com/friendsincode/tiletimeline/internal/telemetry"
)

// DefaultPollInterval is how often a bucket prefix is listed.
const DefaultPollInterval = 30 * time.Second

type objectState struct {
	etag   string
	tileID string // empty when the object did not parse
}

// S3Source polls an object store prefix and publishes documents whose ETag
// changed since the previous poll.
type S3Source struct {
	store     storage.ObjectStore
	prefix    string
	interval  time.Duration
	publisher Publisher
	logger    zerolog.Logger

	seen map[string]objectState // key -> last state; owned by Run/Poll
}

// NewS3Source creates a poller over prefix.
func NewS3Source(store storage.ObjectStore, prefix string, interval time.Duration, publisher Publisher, logger zerolog.Logger) *S3Source {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &S3Source{
		store:     store,
		prefix:    prefix,
		interval:  interval,
		publisher: publisher,
		logger:    logger.With().Str("component", "s3_source").Str("prefix", prefix).Logger(),
		seen:      make(map[string]objectState),
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick.
func (s *S3Source) Run(ctx context.Context) error {
	if err := s.Poll(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial poll failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("poll failed")
			}
		}
	}
}

// Poll lists the prefix once, publishing changed documents and deleting the
// tiles of removed ones.
func (s *S3Source) Poll(ctx context.Context) error {
	objects, err := s.store.List(ctx, s.prefix)
	if err != nil {
		telemetry.ContentReloadsTotal.WithLabelValues(models.SourceS3, "error").Inc()
		return fmt.Errorf("list documents: %w", err)
	}

	present := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		if _, ok := FormatFor(obj.Key); !ok {
			continue
		}
		present[obj.Key] = struct{}{}
		if prev, ok := s.seen[obj.Key]; ok && prev.etag == obj.ETag {
			continue
		}
		s.fetch(ctx, obj)
	}

	for key, st := range s.seen {
		if _, ok := present[key]; ok {
			continue
		}
		delete(s.seen, key)
		if st.tileID == "" {
			continue
		}
		if err := s.publisher.DeleteTile(ctx, st.tileID, models.SourceS3); err != nil {
			s.logger.Error().Err(err).Str("key", key).Str("tile_id", st.tileID).Msg("failed to delete tile of removed object")
			continue
		}
		s.logger.Info().Str("key", key).Str("tile_id", st.tileID).Msg("timeline object removed")
	}
	return nil
}

func (s *S3Source) fetch(ctx context.Context, obj storage.Object) {
	raw, err := s.store.Get(ctx, obj.Key)
	if err != nil {
		telemetry.ContentReloadsTotal.WithLabelValues(models.SourceS3, "error").Inc()
		s.logger.Error().Err(err).Str("key", obj.Key).Msg("failed to fetch document")
		return
	}

	rev, err := NewRevision(models.SourceS3, obj.Key, raw)
	if err != nil {
		// Remember the ETag so a broken object is not fetched every poll.
		s.seen[obj.Key] = objectState{etag: obj.ETag}
		telemetry.ContentReloadsTotal.WithLabelValues(models.SourceS3, "invalid").Inc()
		s.logger.Error().Err(err).Str("key", obj.Key).Msg("rejected timeline document")
		return
	}

	if err := s.publisher.PublishRevision(ctx, rev); err != nil {
		telemetry.ContentReloadsTotal.WithLabelValues(models.SourceS3, "error").Inc()
		s.logger.Error().Err(err).Str("key", obj.Key).Str("tile_id", rev.TileID).Msg("failed to publish document")
		return
	}

	s.seen[obj.Key] = objectState{etag: obj.ETag, tileID: rev.TileID}
	telemetry.ContentReloadsTotal.WithLabelValues(models.SourceS3, "ok").Inc()
	s.logger.Info().Str("key", obj.Key).Str("etag", obj.ETag).Str("tile_id", rev.TileID).Msg("timeline object loaded")
}
