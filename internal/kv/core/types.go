// Package core defines core abstractions for the key-value backends that
// hold the persisted overlay.
package core

import (
	"context"
	"errors"
)

// Driver identifies a concrete key-value backend implementation.
type Driver string

const (
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs" // local filesystem (default)
	// DriverSQLite represents an embedded SQLite file.
	DriverSQLite Driver = "sqlite"
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory" // in-memory (tests)
)

// Backend is a durable string-keyed byte store. Set creates or overwrites.
type Backend interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete returns (false, nil) if the key was absent.
	Delete(ctx context.Context, key string) (bool, error)
	Driver() Driver
	Close() error
}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")
