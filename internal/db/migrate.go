/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/tiletimeline/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.TileTimeline{},
		&models.SessionState{},
	); err != nil {
		return err
	}

	if err := normalizeSessionWake(database); err != nil {
		return err
	}
	return nil
}

// normalizeSessionWake rewrites wake instants stored before NoWake existed,
// when an unarmed session was written as zero.
func normalizeSessionWake(database *gorm.DB) error {
	if err := database.Model(&models.SessionState{}).
		Where("next_wake_millis = 0").
		Update("next_wake_millis", models.NoWake).Error; err != nil {
		return fmt.Errorf("normalize session wake instants: %w", err)
	}
	return nil
}
