/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// Timeline document sources.
const (
	SourceAPI  = "api"
	SourceFile = "file"
	SourceS3   = "s3"
)

// TileTimeline is one stored revision of a tile's timeline document.
type TileTimeline struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	TileID     string `gorm:"type:varchar(128);uniqueIndex:idx_tile_version"`
	Version    int    `gorm:"uniqueIndex:idx_tile_version"`
	Source     string `gorm:"type:varchar(16)"`
	Format     string `gorm:"type:varchar(8)"`
	Document   []byte
	Checksum   string `gorm:"type:varchar(64)"`
	EntryCount int
	CreatedAt  time.Time
}

// TableName returns the table name for GORM.
func (TileTimeline) TableName() string {
	return "tile_timelines"
}

// SessionState is the last persisted scheduler snapshot of a tile session.
// Millisecond instants are stored signed; NoWake marks "no alarm armed".
type SessionState struct {
	TileID           string `gorm:"type:varchar(128);primaryKey"`
	InstanceID       string `gorm:"type:varchar(128);index"`
	Phase            string `gorm:"type:varchar(16)"`
	Revision         string `gorm:"type:varchar(64)"`
	CurrentIndex     int
	LastChangeMillis int64
	NextWakeMillis   int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NoWake is the NextWakeMillis value for a session with no alarm armed.
const NoWake int64 = -1

// TableName returns the table name for GORM.
func (SessionState) TableName() string {
	return "session_states"
}
