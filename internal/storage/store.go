package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hvollmer/accesstrack/pkg/models"
)

const insertEntrySQL = `
	INSERT INTO log_entries (ip_address, timestamp, status_code, country, request_path, domain, raw_log)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// MaxTimestamp returns the latest stored timestamp in UTC, or the zero time
// when the table is empty.
func (p *Postgres) MaxTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := p.db.GetContext(ctx, &ts, `SELECT max(timestamp) FROM log_entries`)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query max timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time.UTC(), nil
}

// ExistingKeys returns the dedup keys of all entries with a timestamp at or
// after since. The caller owns set semantics; the range bound keeps the scan
// proportional to the candidate window instead of the whole table.
func (p *Postgres) ExistingKeys(ctx context.Context, since time.Time) ([]models.EntryKey, error) {
	rows, err := p.db.QueryxContext(ctx,
		`SELECT timestamp, ip_address, raw_log FROM log_entries WHERE timestamp >= $1`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing keys: %w", err)
	}
	defer rows.Close()

	var keys []models.EntryKey
	for rows.Next() {
		var (
			ts  time.Time
			ip  string
			raw string
		)
		if err := rows.Scan(&ts, &ip, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan existing key: %w", err)
		}
		keys = append(keys, models.KeyFor(ts, ip, raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate existing keys: %w", err)
	}
	return keys, nil
}

// AppendBatch inserts all entries in one transaction. Either every entry is
// stored or none is; a failure rolls the whole batch back.
func (p *Postgres) AppendBatch(ctx context.Context, entries []models.AccessEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insertEntrySQL,
			e.IPAddress, e.Timestamp, e.StatusCode, e.Country,
			e.RequestPath, e.Domain, e.RawLog,
		); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				p.logger.Error("Rollback failed", zap.Error(rbErr))
			}
			return fmt.Errorf("failed to insert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	p.logger.Info("Batch inserted", zap.Int("entries", len(entries)))
	return nil
}

// Filter narrows and orders a log listing.
type Filter struct {
	IPAddress  string
	Country    string
	Domain     string
	StatusCode *int
	SortBy     string
	SortDir    string
	Limit      int
	Offset     int
}

// sortColumns whitelists user-facing sort keys.
var sortColumns = map[string]string{
	"id":           "id",
	"ip_address":   "ip_address",
	"timestamp":    "timestamp",
	"status_code":  "status_code",
	"country":      "country",
	"request_path": "request_path",
	"domain":       "domain",
}

// ListEntries returns one page of entries matching the filter plus the total
// number of matches.
func (p *Postgres) ListEntries(ctx context.Context, f Filter) ([]models.AccessEntry, int64, error) {
	var (
		clauses []string
		args    []any
	)
	addILike := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, "%"+value+"%")
		clauses = append(clauses, fmt.Sprintf("%s ILIKE $%d", column, len(args)))
	}
	addILike("ip_address", f.IPAddress)
	addILike("country", f.Country)
	addILike("domain", f.Domain)
	if f.StatusCode != nil {
		args = append(args, *f.StatusCode)
		clauses = append(clauses, fmt.Sprintf("status_code = $%d", len(args)))
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := p.db.GetContext(ctx, &total, "SELECT count(*) FROM log_entries"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	column, ok := sortColumns[f.SortBy]
	if !ok {
		column = "timestamp"
	}
	direction := "DESC"
	if strings.EqualFold(f.SortDir, "asc") {
		direction = "ASC"
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(
		"SELECT id, ip_address, timestamp, status_code, country, request_path, domain, raw_log FROM log_entries%s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		where, column, direction, len(args)-1, len(args),
	)

	entries := []models.AccessEntry{}
	if err := p.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, total, nil
}

// CountryCounts aggregates accesses per country, most frequent first.
func (p *Postgres) CountryCounts(ctx context.Context) ([]models.CountrySummary, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT coalesce(country, 'Unknown') AS country, count(id) AS count
		FROM log_entries
		GROUP BY country
		ORDER BY count(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query country summary: %w", err)
	}
	defer rows.Close()

	var summary []models.CountrySummary
	for rows.Next() {
		var s models.CountrySummary
		if err := rows.StructScan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan country summary: %w", err)
		}
		summary = append(summary, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate country summary: %w", err)
	}
	return summary, nil
}
