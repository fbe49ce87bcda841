//go:build cgo && !purego

package storage

// Default build: github.com/mattn/go-sqlite3 (requires a C toolchain).
// Build with -tags purego or CGO_ENABLED=0 for the pure Go driver.

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the database/sql driver registered by this build.
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"

	dsnOptions = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
)
