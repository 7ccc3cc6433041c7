package collector_test

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hvollmer/accesstrack/internal/catalog"
	"github.com/hvollmer/accesstrack/internal/collector"
	"github.com/hvollmer/accesstrack/internal/state"
	"github.com/hvollmer/accesstrack/pkg/models"
)

// fakeStore is an in-memory durable store.
type fakeStore struct {
	mu        sync.Mutex
	entries   []models.AccessEntry
	appendErr error
	maxGate   chan struct{} // when set, MaxTimestamp blocks until closed
}

func (f *fakeStore) MaxTimestamp(ctx context.Context) (time.Time, error) {
	if f.maxGate != nil {
		select {
		case <-f.maxGate:
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var max time.Time
	for _, e := range f.entries {
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return max, nil
}

func (f *fakeStore) ExistingKeys(_ context.Context, since time.Time) ([]models.EntryKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []models.EntryKey
	for _, e := range f.entries {
		if !e.Timestamp.Before(since) {
			keys = append(keys, e.Key())
		}
	}
	return keys, nil
}

func (f *fakeStore) AppendBatch(_ context.Context, entries []models.AccessEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeStore) all() []models.AccessEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AccessEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// fakeGeo resolves only the addresses it knows.
type fakeGeo map[string]string

func (g fakeGeo) Country(ip string) (string, bool) {
	c, ok := g[ip]
	return c, ok
}

type env struct {
	dir    string
	store  *fakeStore
	states *state.Store
	coll   *collector.Collector
}

func newEnv(t *testing.T, geo collector.GeoResolver) *env {
	t.Helper()
	if geo == nil {
		geo = fakeGeo{}
	}
	dir := t.TempDir()
	store := &fakeStore{}
	states := state.NewStore(filepath.Join(t.TempDir(), "log_state.json"), zap.NewNop())
	cat := catalog.New(dir, zap.NewNop())
	return &env{
		dir:    dir,
		store:  store,
		states: states,
		coll:   collector.New(cat, states, store, geo, zap.NewNop()),
	}
}

func (e *env) run(t *testing.T) *collector.Report {
	t.Helper()
	report, err := e.coll.Run(context.Background())
	require.NoError(t, err)
	return report
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func logLine(ts time.Time, ip, host, path string) string {
	return fmt.Sprintf(`[%s] - 200 "-" GET https %s "%s" "Mozilla/5.0" [Client %s]`,
		ts.Format("02/Jan/2006:15:04:05 -0700"), host, path, ip)
}

func writeFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func appendFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
}

func writeGzip(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gw := gzip.NewWriter(f)
	_, err = gw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestRunIngestsArchivesThenPlainFiles(t *testing.T) {
	e := newEnv(t, nil)
	plain := filepath.Join(e.dir, "proxy-host-1_access.log")
	archive := filepath.Join(e.dir, "proxy-host-1_access.log.1.gz")

	writeGzip(t, archive,
		logLine(base.Add(1*time.Second), "203.0.113.5", "example.com", "/old/1"),
		logLine(base.Add(2*time.Second), "203.0.113.5", "example.com", "/old/2"),
	)
	writeFile(t, plain,
		logLine(base.Add(3*time.Second), "203.0.113.5", "example.com", "/new/1"),
		"this line is noise and must be skipped",
		logLine(base.Add(4*time.Second), "198.51.100.7", "example.org", "/new/2"),
	)

	report := e.run(t)

	assert.Equal(t, 4, report.Inserted)
	assert.Equal(t, 4, e.store.count())
	require.Len(t, report.Files, 2)
	assert.Equal(t, "proxy-host-1_access.log.1.gz", report.Files[0].Name)
	assert.Equal(t, "proxy-host-1_access.log", report.Files[1].Name)

	st := e.states.Load()
	assert.True(t, st.Processed("proxy-host-1_access.log.1.gz"))
	cur := st.Plain("proxy-host-1_access.log")
	assert.Equal(t, fileSize(t, plain), cur.Offset)
	assert.NotNil(t, cur.Inode)

	for _, entry := range e.store.all() {
		assert.Equal(t, "Unknown", entry.Country)
		assert.NotEmpty(t, entry.RawLog)
	}
}

func TestRunTwiceWithNoNewDataIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	plain := filepath.Join(e.dir, "proxy-host-1_access.log")
	writeFile(t, plain,
		logLine(base, "203.0.113.5", "example.com", "/a"),
		logLine(base.Add(time.Second), "203.0.113.5", "example.com", "/b"),
	)

	first := e.run(t)
	require.Equal(t, 2, first.Inserted)
	before := e.states.Load().Plain("proxy-host-1_access.log")

	second := e.run(t)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, e.store.count())

	after := e.states.Load().Plain("proxy-host-1_access.log")
	assert.Equal(t, before.Offset, after.Offset)
}

func TestRunPicksUpOnlyAppendedSuffix(t *testing.T) {
	e := newEnv(t, nil)
	plain := filepath.Join(e.dir, "proxy-host-1_access.log")
	writeFile(t, plain,
		logLine(base, "203.0.113.5", "example.com", "/a"),
	)
	e.run(t)

	appendFile(t, plain,
		logLine(base.Add(time.Minute), "203.0.113.5", "example.com", "/c"),
		logLine(base.Add(2*time.Minute), "203.0.113.5", "example.com", "/d"),
	)

	report := e.run(t)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 3, e.store.count())
	assert.Equal(t, fileSize(t, plain), e.states.Load().Plain("proxy-host-1_access.log").Offset)
}

func TestRunEnrichesCountryAndFallsBackToUnknown(t *testing.T) {
	e := newEnv(t, fakeGeo{"203.0.113.5": "DE"})
	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"),
		logLine(base, "203.0.113.5", "example.com", "/known"),
		logLine(base.Add(time.Second), "198.51.100.7", "example.com", "/unknown"),
	)

	e.run(t)

	byPath := map[string]string{}
	for _, entry := range e.store.all() {
		byPath[entry.RequestPath] = entry.Country
	}
	assert.Equal(t, "DE", byPath["/known"])
	assert.Equal(t, "Unknown", byPath["/unknown"])
}

func TestRotatedInPlaceFileIsReReadFromStart(t *testing.T) {
	e := newEnv(t, nil)
	plain := filepath.Join(e.dir, "proxy-host-1_access.log")
	writeFile(t, plain,
		logLine(base, "203.0.113.5", "example.com", "/one"),
		logLine(base.Add(time.Second), "203.0.113.5", "example.com", "/two"),
		logLine(base.Add(2*time.Second), "203.0.113.5", "example.com", "/three"),
	)
	e.run(t)
	require.Equal(t, 3, e.store.count())

	// Simulate rotation-in-place: same name, different inode, fresh
	// content growing past the old offset.
	st := e.states.Load()
	cur := st.Plain("proxy-host-1_access.log")
	require.NotNil(t, cur.Inode)
	staleInode := *cur.Inode + 1
	st.SetPlain("proxy-host-1_access.log", state.PlainCursor{Offset: cur.Offset, Inode: &staleInode})
	require.NoError(t, e.states.Save(st))

	writeFile(t, plain,
		logLine(base.Add(3*time.Second), "203.0.113.5", "example.com", "/four"),
		logLine(base.Add(4*time.Second), "203.0.113.5", "example.com", "/five"),
	)

	report := e.run(t)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 5, e.store.count())

	// Exactly once: a further run adds nothing.
	assert.Equal(t, 0, e.run(t).Inserted)
}

func TestTruncatedFileIsReReadFromStart(t *testing.T) {
	e := newEnv(t, nil)
	plain := filepath.Join(e.dir, "proxy-host-1_access.log")
	writeFile(t, plain,
		logLine(base, "203.0.113.5", "example.com", "/aaaaaaaaaaaaaaaa"),
		logLine(base.Add(time.Second), "203.0.113.5", "example.com", "/bbbbbbbbbbbbbbbb"),
	)
	e.run(t)
	oldOffset := e.states.Load().Plain("proxy-host-1_access.log").Offset

	writeFile(t, plain,
		logLine(base.Add(2*time.Second), "203.0.113.5", "example.com", "/c"),
	)
	require.Less(t, fileSize(t, plain), oldOffset, "test requires a shrunken file")

	report := e.run(t)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 3, e.store.count())
	assert.Equal(t, fileSize(t, plain), e.states.Load().Plain("proxy-host-1_access.log").Offset)
}

func TestProcessedArchiveIsNeverReopened(t *testing.T) {
	e := newEnv(t, nil)
	archive := filepath.Join(e.dir, "proxy-host-1_access.log.1.gz")
	writeGzip(t, archive, logLine(base, "203.0.113.5", "example.com", "/v1"))

	require.Equal(t, 1, e.run(t).Inserted)

	// Archives are immutable by contract; even if the content changes to
	// something new-looking, a processed archive is skipped wholesale.
	writeGzip(t, archive, logLine(base.Add(time.Hour), "203.0.113.5", "example.com", "/v2"))

	assert.Equal(t, 0, e.run(t).Inserted)
	assert.Equal(t, 1, e.store.count())
}

func TestWatermarkSkipsLinesAtOrBeforeStoredMaximum(t *testing.T) {
	e := newEnv(t, nil)
	e.store.entries = []models.AccessEntry{{
		IPAddress: "203.0.113.5",
		Timestamp: base.Add(5 * time.Second),
		RawLog:    "already stored",
	}}

	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"),
		logLine(base.Add(4*time.Second), "203.0.113.5", "example.com", "/before"),
		logLine(base.Add(5*time.Second), "203.0.113.5", "example.com", "/equal"),
		logLine(base.Add(6*time.Second), "203.0.113.5", "example.com", "/after"),
	)

	report := e.run(t)
	require.Equal(t, 1, report.Inserted)
	assert.Equal(t, "/after", e.store.all()[1].RequestPath)
}

func TestRestartWithoutStateFileDoesNotDuplicate(t *testing.T) {
	e := newEnv(t, nil)
	plain := filepath.Join(e.dir, "proxy-host-1_access.log")
	writeFile(t, plain,
		logLine(base, "203.0.113.5", "example.com", "/a"),
		logLine(base.Add(time.Second), "203.0.113.5", "example.com", "/b"),
	)
	e.run(t)
	require.Equal(t, 2, e.store.count())

	// A crash between parsing and saving cursors leaves no state behind;
	// the dedup key, not the cursor, is what prevents re-insertion.
	require.NoError(t, os.Remove(e.states.Path()))

	report := e.run(t)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 2, e.store.count())
	assert.Equal(t, fileSize(t, plain), e.states.Load().Plain("proxy-host-1_access.log").Offset)
}

func TestSameRecordInTwoFilesIsStoredOnce(t *testing.T) {
	e := newEnv(t, nil)
	duplicate := logLine(base, "203.0.113.5", "example.com", "/same")
	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"), duplicate)
	writeFile(t, filepath.Join(e.dir, "proxy-host-2_access.log"), duplicate)

	report := e.run(t)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, e.store.count())
}

func TestCorruptArchiveIsSkippedAndRetriedNextRun(t *testing.T) {
	e := newEnv(t, nil)
	archive := filepath.Join(e.dir, "proxy-host-1_access.log.1.gz")
	require.NoError(t, os.WriteFile(archive, []byte("definitely not gzip"), 0644))
	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"),
		logLine(base, "203.0.113.5", "example.com", "/ok"),
	)

	report := e.run(t)

	// The bad file does not abort the run; the good one is ingested.
	assert.Equal(t, 1, report.Inserted)
	require.Len(t, report.Files, 2)
	assert.Error(t, report.Files[0].Err)
	assert.NoError(t, report.Files[1].Err)
	assert.False(t, e.states.Load().Processed("proxy-host-1_access.log.1.gz"))

	// Once repaired, the archive is picked up by the next run.
	writeGzip(t, archive, logLine(base.Add(time.Minute), "203.0.113.5", "example.com", "/repaired"))
	assert.Equal(t, 1, e.run(t).Inserted)
	assert.True(t, e.states.Load().Processed("proxy-host-1_access.log.1.gz"))
}

func TestUnreadablePlainFileDoesNotAbortRun(t *testing.T) {
	e := newEnv(t, nil)
	// A directory matching the active pattern stats fine but cannot be
	// read as a log file.
	require.NoError(t, os.Mkdir(filepath.Join(e.dir, "proxy-host-0_access.log"), 0755))
	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"),
		logLine(base, "203.0.113.5", "example.com", "/ok"),
	)

	report := e.run(t)
	assert.Equal(t, 1, report.Inserted)

	var sawError bool
	for _, f := range report.Files {
		if f.Err != nil {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestStoreFailureAbortsRunAndLeavesCursorsUnsaved(t *testing.T) {
	e := newEnv(t, nil)
	writeFile(t, filepath.Join(e.dir, "proxy-host-1_access.log"),
		logLine(base, "203.0.113.5", "example.com", "/a"),
	)

	e.store.appendErr = errors.New("database unreachable")
	_, err := e.coll.Run(context.Background())
	require.Error(t, err)

	_, statErr := os.Stat(e.states.Path())
	assert.True(t, os.IsNotExist(statErr), "cursors must not be saved on a failed run")

	// Next run naturally retries the same byte range.
	e.store.appendErr = nil
	report := e.run(t)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, e.store.count())
}

func TestEmptyLogDirectoryIsNotFatal(t *testing.T) {
	e := newEnv(t, nil)
	report := e.run(t)
	assert.Equal(t, 0, report.Inserted)
	assert.Empty(t, report.Files)
}
