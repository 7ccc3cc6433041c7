// Package state persists per-file ingestion cursors across runs. The state
// lives in one flat JSON document keyed by filename: plain log files carry an
// offset/inode cursor, rotated archives carry a processed flag.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// backupSuffix is appended to an unreadable state file before starting over.
const backupSuffix = ".bak"

// PlainCursor tracks the read position of a currently-growing log file.
// A nil inode means the file has never been stat'ed by a successful run.
type PlainCursor struct {
	Offset int64   `json:"offset"`
	Inode  *uint64 `json:"inode"`
}

// ArchiveCursor tracks whether an immutable rotated archive was ingested.
type ArchiveCursor struct {
	Processed bool `json:"processed"`
}

// State is the in-memory cursor mapping. It is not safe for concurrent use;
// the ingestion engine is its only mutator.
type State struct {
	plain    map[string]PlainCursor
	archived map[string]ArchiveCursor
}

// NewState returns an empty cursor mapping.
func NewState() *State {
	return &State{
		plain:    make(map[string]PlainCursor),
		archived: make(map[string]ArchiveCursor),
	}
}

// Plain returns the cursor for a plain file, defaulting to offset 0 with no
// recorded inode on first sighting.
func (s *State) Plain(name string) PlainCursor {
	return s.plain[name]
}

// SetPlain records the cursor for a plain file.
func (s *State) SetPlain(name string, c PlainCursor) {
	s.plain[name] = c
}

// Processed reports whether an archive was already ingested.
func (s *State) Processed(name string) bool {
	return s.archived[name].Processed
}

// MarkProcessed flags an archive as ingested.
func (s *State) MarkProcessed(name string) {
	s.archived[name] = ArchiveCursor{Processed: true}
}

// Len returns the number of tracked files.
func (s *State) Len() int {
	return len(s.plain) + len(s.archived)
}

// Store loads and saves the state document.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a store backed by the given file path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the canonical state file path.
func (st *Store) Path() string {
	return st.path
}

// Load reads the state document. It never fails the caller: a missing file
// yields an empty state, an unparseable file is renamed aside with a backup
// suffix and yields an empty state, and an entry whose shape does not match
// its filename's cursor type is reset to that type's default.
func (st *Store) Load() *State {
	s := NewState()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			st.logger.Error("Failed to read state file, starting fresh",
				zap.String("path", st.path), zap.Error(err))
		}
		return s
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		st.logger.Error("State file is corrupt, backing it up and starting fresh",
			zap.String("path", st.path), zap.Error(err))
		if renameErr := os.Rename(st.path, st.path+backupSuffix); renameErr != nil {
			st.logger.Error("Failed to back up corrupt state file", zap.Error(renameErr))
		}
		return s
	}

	for name, entry := range raw {
		switch {
		case strings.HasSuffix(name, ".gz"):
			var c ArchiveCursor
			if err := json.Unmarshal(entry, &c); err != nil {
				st.logger.Warn("Invalid archive entry in state file, resetting",
					zap.String("file", name), zap.Error(err))
				c = ArchiveCursor{}
			}
			s.archived[name] = c
		case strings.HasSuffix(name, ".log"):
			var c PlainCursor
			if err := json.Unmarshal(entry, &c); err != nil {
				st.logger.Warn("Invalid plain entry in state file, resetting",
					zap.String("file", name), zap.Error(err))
				c = PlainCursor{}
			}
			s.plain[name] = c
		default:
			st.logger.Warn("Unknown file type in state file, ignoring",
				zap.String("file", name))
		}
	}

	st.logger.Info("State loaded",
		zap.String("path", st.path), zap.Int("files", s.Len()))
	return s
}

// Save writes the state document atomically: serialize to a temporary path,
// then rename over the canonical one, so a crash mid-write never corrupts
// existing state.
func (st *Store) Save(s *State) error {
	flat := make(map[string]any, s.Len())
	for name, c := range s.plain {
		flat[name] = c
	}
	for name, c := range s.archived {
		flat[name] = c
	}

	data, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	st.logger.Debug("State saved", zap.String("path", st.path), zap.Int("files", s.Len()))
	return nil
}
