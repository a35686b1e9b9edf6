/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store keeps every revision of every tile's timeline document.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tiletimeline/internal/cache"
	"github.com/friendsincode/tiletimeline/internal/content"
	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

// ErrNotFound indicates the tile or version does not exist.
var ErrNotFound = errors.New("timeline not found")

// Store persists timeline revisions with a read-through cache for the
// latest one.
type Store struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
}

// New creates a store. cache may be nil.
func New(db *gorm.DB, c *cache.Cache, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "timeline_store").Logger(),
	}
}

// Save stores rev as the tile's next version. When the latest version has the
// same checksum nothing is written and changed is false.
func (s *Store) Save(ctx context.Context, rev content.Revision) (rec models.TileTimeline, changed bool, err error) {
	checksum := content.Checksum(rev.Raw)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.TileTimeline
		err := tx.Where("tile_id = ?", rev.TileID).Order("version DESC").First(&latest).Error
		switch {
		case err == nil:
			if latest.Checksum == checksum {
				rec = latest
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return fmt.Errorf("query latest version: %w", err)
		}

		rec = models.TileTimeline{
			ID:         uuid.NewString(),
			TileID:     rev.TileID,
			Version:    latest.Version + 1,
			Source:     rev.Source,
			Format:     rev.Format,
			Document:   rev.Raw,
			Checksum:   checksum,
			EntryCount: len(rev.Document.Entries),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("create version: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return models.TileTimeline{}, false, err
	}

	if changed {
		_ = s.cache.InvalidateTile(ctx, rev.TileID)
		_ = s.cache.SetTimeline(ctx, toCached(rec))
		s.logger.Info().
			Str("tile_id", rec.TileID).
			Int("version", rec.Version).
			Str("source", rec.Source).
			Msg("timeline version stored")
	}
	return rec, changed, nil
}

// Latest returns the newest version of a tile.
func (s *Store) Latest(ctx context.Context, tileID string) (models.TileTimeline, error) {
	if cached, ok := s.cache.GetTimeline(ctx, tileID); ok {
		return fromCached(cached), nil
	}

	var rec models.TileTimeline
	err := s.db.WithContext(ctx).Where("tile_id = ?", tileID).Order("version DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TileTimeline{}, fmt.Errorf("%w: %s", ErrNotFound, tileID)
	}
	if err != nil {
		return models.TileTimeline{}, fmt.Errorf("query latest version: %w", err)
	}

	_ = s.cache.SetTimeline(ctx, toCached(rec))
	return rec, nil
}

// Version returns one specific version.
func (s *Store) Version(ctx context.Context, tileID string, version int) (models.TileTimeline, error) {
	var rec models.TileTimeline
	err := s.db.WithContext(ctx).Where("tile_id = ? AND version = ?", tileID, version).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.TileTimeline{}, fmt.Errorf("%w: %s@%d", ErrNotFound, tileID, version)
	}
	if err != nil {
		return models.TileTimeline{}, fmt.Errorf("query version: %w", err)
	}
	return rec, nil
}

// Versions lists a tile's versions, newest first, without documents.
func (s *Store) Versions(ctx context.Context, tileID string) ([]models.TileTimeline, error) {
	var recs []models.TileTimeline
	err := s.db.WithContext(ctx).
		Select("id", "tile_id", "version", "source", "format", "checksum", "entry_count", "created_at").
		Where("tile_id = ?", tileID).
		Order("version DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tileID)
	}
	return recs, nil
}

// ListTileIDs returns every tile with at least one version.
func (s *Store) ListTileIDs(ctx context.Context) ([]string, error) {
	if ids, ok := s.cache.GetTileList(ctx); ok {
		return ids, nil
	}

	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.TileTimeline{}).
		Distinct("tile_id").Order("tile_id").Pluck("tile_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list tiles: %w", err)
	}
	_ = s.cache.SetTileList(ctx, ids)
	return ids, nil
}

// LoadIndex parses the latest version of a tile into an index.
func (s *Store) LoadIndex(ctx context.Context, tileID string) (*timeline.Index, error) {
	rec, err := s.Latest(ctx, tileID)
	if err != nil {
		return nil, err
	}
	return IndexOf(rec)
}

// IndexOf parses a stored version into an index.
func IndexOf(rec models.TileTimeline) (*timeline.Index, error) {
	doc, err := content.Parse(rec.Document, rec.Format)
	if err != nil {
		return nil, fmt.Errorf("parse %s@%d: %w", rec.TileID, rec.Version, err)
	}
	return doc.Index()
}

// Delete removes every version of a tile.
func (s *Store) Delete(ctx context.Context, tileID string) error {
	res := s.db.WithContext(ctx).Where("tile_id = ?", tileID).Delete(&models.TileTimeline{})
	if res.Error != nil {
		return fmt.Errorf("delete tile: %w", res.Error)
	}
	_ = s.cache.InvalidateTile(ctx, tileID)
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tileID)
	}
	s.logger.Info().Str("tile_id", tileID).Int64("versions", res.RowsAffected).Msg("tile deleted")
	return nil
}

// Prune keeps the newest keep versions of a tile and deletes the rest.
func (s *Store) Prune(ctx context.Context, tileID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	var cutoff models.TileTimeline
	err := s.db.WithContext(ctx).Where("tile_id = ?", tileID).
		Order("version DESC").Offset(keep - 1).First(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find prune cutoff: %w", err)
	}

	res := s.db.WithContext(ctx).Where("tile_id = ? AND version < ?", tileID, cutoff.Version).Delete(&models.TileTimeline{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune versions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toCached(rec models.TileTimeline) *cache.CachedTimeline {
	return &cache.CachedTimeline{
		TileID:   rec.TileID,
		Version:  rec.Version,
		Source:   rec.Source,
		Format:   rec.Format,
		Checksum: rec.Checksum,
		Document: rec.Document,
	}
}

func fromCached(c *cache.CachedTimeline) models.TileTimeline {
	return models.TileTimeline{
		TileID:   c.TileID,
		Version:  c.Version,
		Source:   c.Source,
		Format:   c.Format,
		Checksum: c.Checksum,
		Document: c.Document,
	}
}
