// Package parser turns raw access-log lines into normalized records.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hvollmer/accesstrack/pkg/models"
	"go.uber.org/zap"
)

// Outcome classifies what happened to a single line.
type Outcome int

const (
	// Accepted means the line parsed into a complete record.
	Accepted Outcome = iota
	// RejectedMalformed means the line did not match the grammar, or its
	// timestamp could not be parsed despite matching.
	RejectedMalformed
	// RejectedIncomplete means the grammar matched but a required field
	// was empty after extraction.
	RejectedIncomplete
)

// timeLayout matches the bracketed timestamp, e.g. "10/Oct/2023:13:55:36 +0000".
const timeLayout = "02/Jan/2006:15:04:05 -0700"

// linePattern is the single supported grammar: bracketed timestamp, status
// separator, 3-digit status, HTTP method, scheme, host, request target
// (optionally quoted), trailing content ending in a [Client <addr>] marker.
var linePattern = regexp.MustCompile(
	`^\[(?P<time_local>\d{2}/\w{3}/\d{4}:\d{2}:\d{2}:\d{2}\s[+-]\d{4})\]\s+` +
		`-\s+` +
		`(?:-\s+)?` +
		`(?P<status>\d{3})` +
		`.*?\s+` +
		`(?P<method>GET|POST|PUT|DELETE|HEAD|OPTIONS|PATCH)\s+` +
		`(?P<scheme>https?)\s+` +
		`(?P<host>\S+)\s+` +
		`(?P<request_uri>"[^"]*"|[^"\s]+)\s+` +
		`.*?` +
		`\[Client\s(?P<remote_addr>[^\]]+)\]` +
		`.*$`)

var (
	idxTime   = linePattern.SubexpIndex("time_local")
	idxStatus = linePattern.SubexpIndex("status")
	idxHost   = linePattern.SubexpIndex("host")
	idxURI    = linePattern.SubexpIndex("request_uri")
	idxAddr   = linePattern.SubexpIndex("remote_addr")
)

// Parser parses lines of the fixed access-log grammar. It keeps no state
// between lines.
type Parser struct {
	logger *zap.Logger
}

// New creates a parser.
func New(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse normalizes one raw line. The returned record is only meaningful when
// the outcome is Accepted. Timestamps are normalized to UTC.
func (p *Parser) Parse(line string) (models.ParsedLine, Outcome) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		// Log noise is expected, not worth a diagnostic per line.
		return models.ParsedLine{}, RejectedMalformed
	}

	ts, err := time.Parse(timeLayout, m[idxTime])
	if err != nil {
		p.logger.Warn("Line matched grammar but timestamp is malformed",
			zap.String("timestamp", m[idxTime]),
			zap.Error(err))
		return models.ParsedLine{}, RejectedMalformed
	}

	var status *int
	if code, convErr := strconv.Atoi(m[idxStatus]); convErr == nil {
		status = &code
	}

	ip := m[idxAddr]
	domain := m[idxHost]
	requestPath := strings.Trim(m[idxURI], `"`)

	if ip == "" || domain == "" {
		return models.ParsedLine{}, RejectedIncomplete
	}

	return models.ParsedLine{
		IPAddress:   ip,
		Timestamp:   ts.UTC(),
		StatusCode:  status,
		RequestPath: requestPath,
		Domain:      domain,
		RawLog:      line,
	}, Accepted
}
