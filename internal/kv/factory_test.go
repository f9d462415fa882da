package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cases := []struct {
		opts Options
		want Driver
	}{
		{Options{FSRoot: filepath.Join(dir, "fs")}, DriverFilesystem},
		{Options{Driver: DriverFilesystem, FSRoot: filepath.Join(dir, "fs2")}, DriverFilesystem},
		{Options{Driver: DriverSQLite, SQLitePath: filepath.Join(dir, "db", "state.db")}, DriverSQLite},
		{Options{Driver: DriverMemory}, DriverMemory},
	}
	for _, tc := range cases {
		backend, err := Open(ctx, tc.opts)
		if err != nil {
			t.Fatalf("open %+v: %v", tc.opts, err)
		}
		if backend.Driver() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, backend.Driver())
		}
		if err := backend.Set(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("%s set: %v", tc.want, err)
		}
		if b, err := backend.Get(ctx, "k"); err != nil || string(b) != "v" {
			t.Fatalf("%s get: %q %v", tc.want, b, err)
		}
		if _, err := backend.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s expected ErrNotFound, got %v", tc.want, err)
		}
		_ = backend.Close()
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "s3"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
