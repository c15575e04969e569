//go:build cgo_sqlite

package storage

// CGO build using the mattn driver.
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite ./...
//
// Driver used: github.com/mattn/go-sqlite3

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

// dsn builds the connection string for path. Writers take the database lock
// at BEGIN; readers are query-only.
func dsn(path string, writer bool) string {
	if path == memoryPath {
		return "file::memory:?_foreign_keys=1"
	}
	params := "?_busy_timeout=5000&_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL"
	if writer {
		return "file:" + path + params + "&_txlock=immediate"
	}
	return "file:" + path + params + "&_query_only=1"
}

// dsnReadOnly opens path without modifying it, for inspecting restore
// candidates
func dsnReadOnly(path string) string {
	return "file:" + path + "?mode=ro&_busy_timeout=5000"
}
