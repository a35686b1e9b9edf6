/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound indicates a missing key.
var ErrObjectNotFound = errors.New("object not found")

// Object describes one stored object.
type Object struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// ObjectStore abstracts object storage operations.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}
