// Package kv re-exports core key-value abstractions for stable imports and
// selects a backend from configuration.
package kv

import (
	"handbookcore/internal/kv/core"
)

type (
	// Driver identifies a backend driver.
	Driver = core.Driver
	// Backend is the interface for key-value backends.
	Backend = core.Backend
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverSQLite is the embedded SQLite driver.
	DriverSQLite = core.DriverSQLite
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrNotFound indicates a missing key.
var ErrNotFound = core.ErrNotFound
