// Package collector implements the log ingestion engine: it walks the file
// catalog, reads only new data from each file, parses and deduplicates it,
// enriches it with geolocation and appends it to the durable store, keeping
// per-file cursors so no line is ever ingested twice or lost across rotation,
// truncation or restarts.
package collector

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/nxadm/tail"
	"go.uber.org/zap"

	"github.com/hvollmer/accesstrack/internal/catalog"
	"github.com/hvollmer/accesstrack/internal/parser"
	"github.com/hvollmer/accesstrack/internal/state"
	"github.com/hvollmer/accesstrack/pkg/models"
)

// unknownCountry is stored when geolocation yields nothing.
const unknownCountry = "Unknown"

// Store is the durable store contract the engine consumes.
type Store interface {
	MaxTimestamp(ctx context.Context) (time.Time, error)
	ExistingKeys(ctx context.Context, since time.Time) ([]models.EntryKey, error)
	AppendBatch(ctx context.Context, entries []models.AccessEntry) error
}

// GeoResolver maps an IP address to a country code, when it can.
type GeoResolver interface {
	Country(ip string) (string, bool)
}

// Collector orchestrates one ingestion run. It is not safe for concurrent
// runs; Runner serializes invocations.
type Collector struct {
	catalog *catalog.Catalog
	states  *state.Store
	store   Store
	geo     GeoResolver
	parser  *parser.Parser
	logger  *zap.Logger
}

// New assembles a collector.
func New(cat *catalog.Catalog, states *state.Store, store Store, geo GeoResolver, logger *zap.Logger) *Collector {
	return &Collector{
		catalog: cat,
		states:  states,
		store:   store,
		geo:     geo,
		parser:  parser.New(logger),
		logger:  logger,
	}
}

// FileReport is the outcome of processing one cataloged file.
type FileReport struct {
	Name  string
	Added int
	Err   error
}

// Report is the outcome of one run.
type Report struct {
	Inserted int
	Files    []FileReport
}

// Run executes one ingestion pass over every cataloged file. New records are
// accumulated across files and inserted in a single batch at the end; the
// cursor mapping is saved afterwards regardless of whether anything was
// inserted. A store-level failure aborts the batch and leaves cursors
// unsaved, so the next run retries the same byte ranges (safe: dedup by key
// makes re-insertion a no-op).
func (c *Collector) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	files := c.catalog.Discover()
	if len(files) == 0 {
		return report, nil
	}
	c.logger.Info("Starting log collection", zap.Int("files", len(files)))

	st := c.states.Load()

	watermark, err := c.store.MaxTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to establish watermark: %w", err)
	}
	c.logger.Info("Watermark established", zap.Time("watermark", watermark))

	var pending []models.AccessEntry
	seen := make(map[models.EntryKey]struct{})

	for _, f := range files {
		added, fileErr := c.processFile(ctx, f, st, watermark, seen, &pending)
		if fileErr != nil {
			// The file's cursor is left untouched so it is retried
			// on the next invocation.
			c.logger.Error("Failed to process file",
				zap.String("file", f.Name), zap.Error(fileErr))
		}
		report.Files = append(report.Files, FileReport{Name: f.Name, Added: added, Err: fileErr})
	}

	if len(pending) > 0 {
		if err := c.store.AppendBatch(ctx, pending); err != nil {
			return report, fmt.Errorf("failed to store batch: %w", err)
		}
		report.Inserted = len(pending)
		c.logger.Info("Wrote new log entries", zap.Int("entries", len(pending)))
	} else {
		c.logger.Info("No new unique log entries found")
	}

	if err := c.states.Save(st); err != nil {
		c.logger.Error("Failed to save state", zap.Error(err))
	}

	return report, nil
}

// processFile ingests one file and, on success, advances its cursor. The
// number of records added to the pending batch is returned.
func (c *Collector) processFile(
	ctx context.Context,
	f catalog.File,
	st *state.State,
	watermark time.Time,
	seen map[models.EntryKey]struct{},
	pending *[]models.AccessEntry,
) (int, error) {
	var candidates []models.ParsedLine
	collect := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		rec, outcome := c.parser.Parse(raw)
		if outcome != parser.Accepted {
			return
		}
		if !rec.Timestamp.After(watermark) {
			return
		}
		candidates = append(candidates, rec)
	}

	var commit func()
	switch f.Kind {
	case catalog.Archived:
		if st.Processed(f.Name) {
			c.logger.Debug("Archive already collected, skipping", zap.String("file", f.Name))
			return 0, nil
		}
		if err := readArchive(f.Path, collect); err != nil {
			return 0, err
		}
		commit = func() { st.MarkProcessed(f.Name) }

	case catalog.Plain:
		info, err := os.Stat(f.Path)
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", f.Path, err)
		}
		inode := inodeOf(info)
		size := info.Size()
		cur := st.Plain(f.Name)

		start := int64(0)
		switch {
		case cur.Inode == nil:
			c.logger.Info("File seen for the first time", zap.String("file", f.Name))
		case inode == nil || *inode != *cur.Inode:
			c.logger.Warn("File has a new inode, assuming rotation, reading from start",
				zap.String("file", f.Name))
		case size < cur.Offset:
			c.logger.Warn("File shrank, assuming truncation, reading from start",
				zap.String("file", f.Name),
				zap.Int64("size", size), zap.Int64("offset", cur.Offset))
		case size == cur.Offset:
			st.SetPlain(f.Name, state.PlainCursor{Offset: size, Inode: inode})
			c.logger.Debug("No new data", zap.String("file", f.Name))
			return 0, nil
		default:
			start = cur.Offset
		}

		end, err := readPlain(f.Path, start, collect)
		if err != nil {
			return 0, err
		}
		commit = func() { st.SetPlain(f.Name, state.PlainCursor{Offset: end, Inode: inode}) }

	default:
		return 0, fmt.Errorf("unknown file kind %d for %s", f.Kind, f.Name)
	}

	added, err := c.dedupAndEnrich(ctx, candidates, seen, pending)
	if err != nil {
		return 0, err
	}

	commit()
	c.logger.Info("File collected",
		zap.String("file", f.Name), zap.Int("new_entries", added))
	return added, nil
}

// dedupAndEnrich drops candidates whose dedup key already exists in the store
// (queried once per file batch, bounded below by the batch's oldest
// timestamp) or was already accepted earlier in this run, resolves the
// country for the survivors and appends them to the pending batch.
func (c *Collector) dedupAndEnrich(
	ctx context.Context,
	candidates []models.ParsedLine,
	seen map[models.EntryKey]struct{},
	pending *[]models.AccessEntry,
) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	minTS := candidates[0].Timestamp
	for _, rec := range candidates[1:] {
		if rec.Timestamp.Before(minTS) {
			minTS = rec.Timestamp
		}
	}

	keys, err := c.store.ExistingKeys(ctx, minTS)
	if err != nil {
		return 0, fmt.Errorf("failed to query existing keys: %w", err)
	}
	existing := make(map[models.EntryKey]struct{}, len(keys))
	for _, k := range keys {
		existing[k] = struct{}{}
	}

	added := 0
	for _, rec := range candidates {
		key := models.KeyFor(rec.Timestamp, rec.IPAddress, rec.RawLog)
		if _, dup := existing[key]; dup {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}

		country, ok := c.geo.Country(rec.IPAddress)
		if !ok {
			country = unknownCountry
		}

		*pending = append(*pending, models.AccessEntry{
			IPAddress:   rec.IPAddress,
			Timestamp:   rec.Timestamp,
			StatusCode:  rec.StatusCode,
			Country:     country,
			RequestPath: rec.RequestPath,
			Domain:      rec.Domain,
			RawLog:      rec.RawLog,
		})
		seen[key] = struct{}{}
		added++
	}
	return added, nil
}

// readPlain reads the file from offset to end of stream, emitting each line,
// and returns the offset after the last consumed line. With no new lines the
// start offset is returned unchanged.
func readPlain(path string, offset int64, emit func(string)) (int64, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    false,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer t.Cleanup()

	end := offset
	for line := range t.Lines {
		if line.Err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", path, line.Err)
		}
		emit(line.Text)
		// SeekInfo carries the offset right after this line, stamped by
		// the reader itself, so the cursor always lands on a line
		// boundary.
		end = line.SeekInfo.Offset
	}
	// Read failures that are not tied to a single line (e.g. the path is
	// not a regular file) only surface as the tailer's stop reason.
	if err := t.Wait(); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return end, nil
}

// readArchive streams a gzip archive line by line. Archives are immutable,
// so there is no offset to track.
func readArchive(path string, emit func(string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("invalid gzip file %s: %w", path, err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// inodeOf extracts the inode from a stat result, or nil where the platform
// does not expose one. A nil inode makes the engine re-read from offset 0,
// which dedup renders harmless.
func inodeOf(info os.FileInfo) *uint64 {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		ino := uint64(sys.Ino)
		return &ino
	}
	return nil
}
