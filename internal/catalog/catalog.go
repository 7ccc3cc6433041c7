// Package catalog discovers the log files eligible for ingestion and fixes
// their processing order.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Fixed naming convention of the reverse proxy's log directory.
const (
	activePattern  = "proxy-host-*_access.log"
	rotatedPattern = "proxy-host-*_access.log.*.gz"
)

// Kind tells the engine how to read a file and which cursor shape applies.
// It is decided once at discovery time and carried through the pipeline.
type Kind int

const (
	// Plain is the currently-growing, uncompressed log file.
	Plain Kind = iota
	// Archived is a rotated, gzip-compressed, immutable past log file.
	Archived
)

// File is one discovered log file.
type File struct {
	Path     string
	Name     string // basename, used as the cursor key
	Kind     Kind
	Rotation int // numeric rotation index for archives, 0 otherwise
}

// Catalog enumerates log files under one directory.
type Catalog struct {
	dir    string
	logger *zap.Logger
}

// New creates a catalog rooted at dir.
func New(dir string, logger *zap.Logger) *Catalog {
	return &Catalog{dir: dir, logger: logger}
}

// Discover returns all candidate files in processing order: archives first,
// newest rotation index first, then the active plain files. An absent or
// unreadable directory yields an empty catalog, logged, not an error.
func (c *Catalog) Discover() []File {
	info, err := os.Stat(c.dir)
	if err != nil || !info.IsDir() {
		c.logger.Error("Log directory not found", zap.String("dir", c.dir))
		return nil
	}

	rotated, _ := filepath.Glob(filepath.Join(c.dir, rotatedPattern))
	active, _ := filepath.Glob(filepath.Join(c.dir, activePattern))

	files := make([]File, 0, len(rotated)+len(active))
	for _, path := range rotated {
		files = append(files, File{
			Path:     path,
			Name:     filepath.Base(path),
			Kind:     Archived,
			Rotation: rotationIndex(path),
		})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Rotation > files[j].Rotation
	})

	for _, path := range active {
		files = append(files, File{
			Path: path,
			Name: filepath.Base(path),
			Kind: Plain,
		})
	}

	if len(files) == 0 {
		c.logger.Info("No log files found", zap.String("dir", c.dir))
	}
	return files
}

// rotationIndex extracts the numeric rotation index from an archive name,
// e.g. "proxy-host-1_access.log.7.gz" -> 7. Anything non-numeric sorts as 0.
func rotationIndex(path string) int {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0
	}
	return n
}
