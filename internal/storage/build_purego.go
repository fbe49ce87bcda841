//go:build !cgo || purego

package storage

// Pure Go build: modernc.org/sqlite, no C toolchain needed.

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver registered by this build.
	DriverName = "sqlite"

	// BuildMode describes the current build configuration.
	BuildMode = "purego"

	dsnOptions = "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
)
