/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package tiles coordinates timeline revisions: it stores them, hands them
// to the tile's session and tells other instances about them.
package tiles

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/content"
	"github.com/friendsincode/tiletimeline/internal/events"
	"github.com/friendsincode/tiletimeline/internal/executor"
	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/registry"
	"github.com/friendsincode/tiletimeline/internal/storage"
	"github.com/friendsincode/tiletimeline/internal/store"
)

// ErrTileMismatch indicates a document naming a different tile than the
// one it was published to.
var ErrTileMismatch = errors.New("document tile does not match target tile")

// Config wires a Service.
type Config struct {
	InstanceID string
	Store      *store.Store
	Pool       *executor.Pool
	States     *executor.StateManager // optional
	Bus        events.Broker          // optional
	// Archive mirrors API publishes into object storage so S3 sources on
	// other instances see them. Optional.
	Archive       storage.ObjectStore
	ArchivePrefix string
	Logger        zerolog.Logger
}

// Service implements content.Publisher.
type Service struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a tile service.
func New(cfg Config) *Service {
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "tiles").Logger(),
	}
}

// Put parses raw as the next revision of tileID and publishes it.
func (s *Service) Put(ctx context.Context, tileID string, raw []byte, format string) (models.TileTimeline, error) {
	if format == "" {
		format = content.DetectFormat(raw)
	}
	doc, err := content.Parse(raw, format)
	if err != nil {
		return models.TileTimeline{}, err
	}
	if doc.Tile != "" && doc.Tile != tileID {
		return models.TileTimeline{}, fmt.Errorf("%w: %q != %q", ErrTileMismatch, doc.Tile, tileID)
	}
	doc.Tile = tileID
	if err := doc.Validate(); err != nil {
		return models.TileTimeline{}, err
	}

	rev := content.Revision{TileID: tileID, Source: models.SourceAPI, Format: format, Raw: raw, Document: doc}
	rec, err := s.publish(ctx, rev)
	if err != nil {
		return models.TileTimeline{}, err
	}

	if s.cfg.Archive != nil {
		key := path.Join(s.cfg.ArchivePrefix, tileID+"."+format)
		if err := s.cfg.Archive.Put(ctx, key, raw); err != nil {
			s.logger.Warn().Err(err).Str("tile_id", tileID).Str("key", key).Msg("failed to archive timeline document")
		}
	}
	return rec, nil
}

// PublishRevision implements content.Publisher.
func (s *Service) PublishRevision(ctx context.Context, rev content.Revision) error {
	_, err := s.publish(ctx, rev)
	return err
}

func (s *Service) publish(ctx context.Context, rev content.Revision) (models.TileTimeline, error) {
	ix, err := rev.Document.Index()
	if err != nil {
		return models.TileTimeline{}, err
	}

	rec, changed, err := s.cfg.Store.Save(ctx, rev)
	if err != nil {
		return models.TileTimeline{}, err
	}

	_, running := s.sessionOf(rev.TileID)
	if !changed && running {
		return rec, nil
	}

	if err := s.cfg.Pool.Publish(ctx, rev.TileID, ix); err != nil && !errors.Is(err, executor.ErrNotAssigned) {
		return rec, fmt.Errorf("publish to session: %w", err)
	}

	if changed {
		s.emit(events.EventTimelineUpdated, events.Payload{
			"tile_id":     rev.TileID,
			"version":     rec.Version,
			"source":      rev.Source,
			"entries":     rec.EntryCount,
			"instance_id": s.cfg.InstanceID,
		})
	}
	return rec, nil
}

// DeleteTile implements content.Publisher. It removes every stored version,
// stops the session and forgets its persisted state.
func (s *Service) DeleteTile(ctx context.Context, tileID, source string) error {
	if err := s.cfg.Store.Delete(ctx, tileID); err != nil {
		return err
	}
	if err := s.cfg.Pool.Evict(tileID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Warn().Err(err).Str("tile_id", tileID).Msg("session close reported an error")
	}
	if s.cfg.States != nil {
		if err := s.cfg.States.Delete(ctx, tileID); err != nil {
			s.logger.Warn().Err(err).Str("tile_id", tileID).Msg("failed to delete session state")
		}
	}

	s.emit(events.EventTimelineDeleted, events.Payload{
		"tile_id":     tileID,
		"source":      source,
		"instance_id": s.cfg.InstanceID,
	})
	return nil
}

// Reload republishes the stored latest version of a tile to its session.
func (s *Service) Reload(ctx context.Context, tileID string) error {
	ix, err := s.cfg.Store.LoadIndex(ctx, tileID)
	if err != nil {
		return err
	}
	return s.cfg.Pool.Publish(ctx, tileID, ix)
}

func (s *Service) sessionOf(tileID string) (*executor.Executor, bool) {
	exec, err := s.cfg.Pool.Session(tileID)
	return exec, err == nil
}

func (s *Service) emit(eventType events.EventType, payload events.Payload) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(eventType, payload)
}
