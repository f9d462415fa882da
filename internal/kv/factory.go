package kv

import (
	"context"
	"fmt"

	"handbookcore/internal/infra/kv/fs"
	memorystore "handbookcore/internal/infra/kv/memory"
	"handbookcore/internal/infra/kv/sqlite"
)

// Options selects and configures a backend.
type Options struct {
	Driver     Driver // fs|sqlite|memory (default fs)
	FSRoot     string // directory root when driver=fs
	SQLitePath string // database file when driver=sqlite
}

// Open constructs the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	driver := opts.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(opts.FSRoot)
	case DriverSQLite:
		return NewSQLite(opts.SQLitePath)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown kv driver %s", driver)
	}
}

// NewMemory returns an in-memory Backend suitable for tests.
func NewMemory() Backend { return memorystore.New() }

// NewFilesystem constructs a filesystem-backed Backend rooted at the provided path.
func NewFilesystem(root string) (Backend, error) {
	return fs.New(root)
}

// NewSQLite opens an embedded SQLite Backend at path.
func NewSQLite(path string) (Backend, error) {
	return sqlite.NewStore(path)
}
