// Package geo resolves client IP addresses to ISO country codes using a
// local MaxMind database. Resolution is an optional capability: when the
// database is absent or a lookup fails, callers get no code back and the
// ingestion pipeline carries on.
package geo

import (
	"fmt"
	"net"
	"os"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

// Resolver looks up country codes. The zero-value-like disabled resolver
// (no database) is valid and always resolves to nothing.
type Resolver struct {
	db     *geoip2.Reader
	logger *zap.Logger
}

// Open loads the country database at path. An empty or missing path disables
// resolution without error; a present but unreadable database is an error.
func Open(path string, logger *zap.Logger) (*Resolver, error) {
	if path == "" {
		logger.Warn("No GeoIP database configured, country enrichment disabled")
		return &Resolver{logger: logger}, nil
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("GeoIP database not found, country enrichment disabled",
			zap.String("path", path))
		return &Resolver{logger: logger}, nil
	}

	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}

	logger.Info("GeoIP database loaded", zap.String("path", path))
	return &Resolver{db: db, logger: logger}, nil
}

// Enabled reports whether a database is loaded.
func (r *Resolver) Enabled() bool {
	return r.db != nil
}

// Country returns the ISO country code for the address, or ok=false when the
// resolver is disabled, the input is empty or unparseable, or the address is
// not in the database. Lookup faults are logged and swallowed.
func (r *Resolver) Country(ip string) (string, bool) {
	if r.db == nil || ip == "" {
		return "", false
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return "", false
	}

	record, err := r.db.Country(addr)
	if err != nil {
		r.logger.Error("GeoIP lookup failed", zap.String("ip", ip), zap.Error(err))
		return "", false
	}
	if record == nil || record.Country.IsoCode == "" {
		return "", false
	}
	return record.Country.IsoCode, true
}

// Close releases the database handle. Safe on a disabled resolver.
func (r *Resolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
