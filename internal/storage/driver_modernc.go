//go:build !cgo_sqlite

package storage

// Default build: pure Go SQLite, no C toolchain required.
//
//	CGO_ENABLED=0 go build ./...
//
// Driver used: modernc.org/sqlite

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

// dsn builds the connection string for path. Writers take the database lock
// at BEGIN so two writers never deadlock upgrading a read lock; readers are
// query-only.
func dsn(path string, writer bool) string {
	if path == memoryPath {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	params := "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if writer {
		return "file:" + path + params + "&_txlock=immediate"
	}
	return "file:" + path + params + "&_pragma=query_only(1)"
}

// dsnReadOnly opens path without modifying it, for inspecting restore
// candidates
func dsnReadOnly(path string) string {
	return "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
}
