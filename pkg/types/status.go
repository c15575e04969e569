package types

import (
	"fmt"
	"time"
)

// FileState is the indexing state of a source file
type FileState string

const (
	FileStateNone     FileState = "" // No status row yet
	FileStatePending  FileState = "pending"
	FileStateIndexing FileState = "indexing"
	FileStateIndexed  FileState = "indexed"
	FileStateFailed   FileState = "failed"
)

// transitions lists the allowed next states for each state
var transitions = map[FileState][]FileState{
	FileStateNone:     {FileStatePending},
	FileStatePending:  {FileStatePending, FileStateIndexing},
	FileStateIndexing: {FileStateIndexed, FileStateFailed, FileStatePending},
	FileStateIndexed:  {FileStatePending},
	FileStateFailed:   {FileStatePending},
}

// Valid reports whether s is a known persisted state
func (s FileState) Valid() bool {
	switch s {
	case FileStatePending, FileStateIndexing, FileStateIndexed, FileStateFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed
func (s FileState) CanTransition(next FileState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when moving from s to next is not allowed
func (s FileState) CheckTransition(next FileState) error {
	if !s.CanTransition(next) {
		from := string(s)
		if from == "" {
			from = "none"
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	return nil
}

// FileIndexStatus tracks one source file through the indexing pipeline
type FileIndexStatus struct {
	Path           string
	ContentHash    string // hex SHA-256 of the file content
	ModTime        time.Time
	Size           int64
	State          FileState
	ConversationID string
	LastError      string
	Attempts       int
	LastIndexedAt  time.Time
	UpdatedAt      time.Time
}

// Unchanged reports whether the recorded mtime and size match the given ones
func (s *FileIndexStatus) Unchanged(modTime time.Time, size int64) bool {
	return s.Size == size && s.ModTime.Equal(modTime)
}
