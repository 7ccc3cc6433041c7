package models

import "time"

// AccessEntry is one normalized access-log record as stored in the database.
type AccessEntry struct {
	ID          int64     `json:"id" db:"id"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	StatusCode  *int      `json:"status_code" db:"status_code"`
	Country     string    `json:"country" db:"country"`
	RequestPath string    `json:"request_path" db:"request_path"`
	Domain      string    `json:"domain" db:"domain"`
	RawLog      string    `json:"raw_log" db:"raw_log"`
}

// EntryKey identifies a stored record for deduplication. Timestamps are
// reduced to UTC unix seconds so two keys for the same instant compare equal
// regardless of how the time.Time was produced (parser vs. database driver).
type EntryKey struct {
	Unix      int64
	IPAddress string
	RawLog    string
}

// KeyFor builds the dedup key for a record.
func KeyFor(ts time.Time, ip, raw string) EntryKey {
	return EntryKey{Unix: ts.UTC().Unix(), IPAddress: ip, RawLog: raw}
}

// Key returns the dedup key of the entry.
func (e AccessEntry) Key() EntryKey {
	return KeyFor(e.Timestamp, e.IPAddress, e.RawLog)
}

// ParsedLine is the ephemeral result of parsing one raw log line, before
// enrichment and storage.
type ParsedLine struct {
	IPAddress   string
	Timestamp   time.Time
	StatusCode  *int
	RequestPath string
	Domain      string
	RawLog      string
}

// CountrySummary is one row of the per-country access aggregation.
type CountrySummary struct {
	Country string `json:"country" db:"country"`
	Count   int64  `json:"count" db:"count"`
}
