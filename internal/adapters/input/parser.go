package input

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/internal/ports"
	"github.com/xoelrdgz/logjail/pkg/sanitize"
)

var clfTimeLayout = "02/Jan/2006:15:04:05 -0700"

func parseError(line, reason string) error {
	return &domain.ParseError{Line: sanitize.ForLog(line, sanitize.DefaultMaxDisplayLength), Reason: reason}
}

// TextParser reads the nginx "combined" (and "common") access-log layout:
//
//	10.0.0.5 - - [28/Dec/2025:10:00:00 +0000] "GET /login HTTP/1.1" 429 153 "-" "curl/8.0"
//
// Only the client address, timestamp and status are required; a request
// field of "-" (as nginx writes for unparseable requests) is accepted.
type TextParser struct{}

func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Parse(line string) (*domain.LogRecord, error) {
	rec := &domain.LogRecord{}
	if len(line) > domain.MaxLineLength {
		line = line[:domain.MaxLineLength]
		rec.Truncated = true
	}
	line = strings.TrimRight(line, "\r\n")
	lineLen := len(line)
	pos := 0

	keyEnd := skipUntil(line, pos, ' ')
	if keyEnd <= 0 {
		return nil, parseError(line, "missing client address")
	}
	key, err := sanitize.ClientKey(line[:keyEnd])
	if err != nil {
		return nil, parseError(line, "client address: "+err.Error())
	}
	rec.ClientKey = strings.Clone(key)
	pos = keyEnd + 1

	// ident and user fields
	for i := 0; i < 2; i++ {
		end := skipUntil(line, pos, ' ')
		if end == -1 {
			return nil, parseError(line, "too few fields")
		}
		pos = end + 1
	}

	if pos >= lineLen || line[pos] != '[' {
		return nil, parseError(line, "missing timestamp")
	}
	pos++
	tsEnd := skipUntil(line, pos, ']')
	if tsEnd == -1 {
		return nil, parseError(line, "unterminated timestamp")
	}
	ts, err := time.Parse(clfTimeLayout, line[pos:tsEnd])
	if err != nil {
		return nil, parseError(line, "invalid timestamp")
	}
	rec.Timestamp = ts
	pos = tsEnd + 2

	if pos >= lineLen || line[pos] != '"' {
		return nil, parseError(line, "missing request")
	}
	pos++
	reqEnd := findClosingQuote(line, pos)
	if reqEnd == -1 {
		return nil, parseError(line, "unterminated request")
	}
	method, path := splitRequest(line[pos:reqEnd])
	rec.Method = strings.Clone(method)
	rec.Path = strings.Clone(path)
	pos = reqEnd + 2

	if pos >= lineLen {
		return nil, parseError(line, "missing status")
	}
	statusEnd := skipUntil(line, pos, ' ')
	if statusEnd == -1 {
		statusEnd = lineLen
	}
	status, err := parseStatus(line[pos:statusEnd])
	if err != nil {
		return nil, parseError(line, err.Error())
	}
	rec.StatusCode = status
	pos = statusEnd + 1

	// bytes sent, then the optional quoted referer and user agent
	if pos < lineLen {
		if end := skipUntil(line, pos, ' '); end != -1 {
			pos = end + 1
		} else {
			pos = lineLen
		}
	}
	if pos < lineLen && line[pos] == '"' {
		if refEnd := findClosingQuote(line, pos+1); refEnd != -1 {
			pos = refEnd + 2
		}
	}
	if pos < lineLen && line[pos] == '"' {
		if uaEnd := findClosingQuote(line, pos+1); uaEnd != -1 {
			rec.UserAgent = strings.Clone(unescapeQuotes(line[pos+1 : uaEnd]))
		}
	}

	return rec, nil
}

func (p *TextParser) Format() string {
	return "combined"
}

// FieldMap names the JSON keys holding each record field. It is the
// NGINX_LOG_JSON_MAP document of older deployments.
type FieldMap struct {
	IPAddress  string `json:"ip_address"`
	Datetime   string `json:"datetime"`
	StatusCode string `json:"status_code"`
	Request    string `json:"request,omitempty"`
	URL        string `json:"url,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// JSONMapParser reads one JSON object per line, using a FieldMap to find
// the client address, timestamp and status.
type JSONMapParser struct {
	fields FieldMap
}

// NewJSONMapParser builds a parser from a FieldMap document such as
//
//	{"ip_address":"remote_addr","datetime":"time_local","status_code":"status"}
func NewJSONMapParser(mapDocument string) (*JSONMapParser, error) {
	var fields FieldMap
	if err := json.Unmarshal([]byte(mapDocument), &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON field map: %w", err)
	}
	if fields.IPAddress == "" || fields.StatusCode == "" {
		return nil, errors.New("JSON field map needs at least ip_address and status_code")
	}
	return &JSONMapParser{fields: fields}, nil
}

func (p *JSONMapParser) Parse(line string) (*domain.LogRecord, error) {
	rec := &domain.LogRecord{}
	if len(line) > domain.MaxLineLength {
		return nil, parseError(line[:domain.MaxLineLength], "line too long for JSON")
	}
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' {
		return nil, parseError(line, "not a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, parseError(line, "invalid JSON")
	}

	rawKey, ok := fieldString(doc, p.fields.IPAddress)
	if !ok {
		return nil, parseError(line, "missing "+p.fields.IPAddress)
	}
	key, err := sanitize.ClientKey(rawKey)
	if err != nil {
		return nil, parseError(line, "client address: "+err.Error())
	}
	rec.ClientKey = key

	rawStatus, ok := fieldString(doc, p.fields.StatusCode)
	if !ok {
		return nil, parseError(line, "missing "+p.fields.StatusCode)
	}
	if rec.StatusCode, err = parseStatus(rawStatus); err != nil {
		return nil, parseError(line, err.Error())
	}

	rec.Timestamp = time.Now()
	if p.fields.Datetime != "" {
		raw, ok := fieldString(doc, p.fields.Datetime)
		if !ok {
			return nil, parseError(line, "missing "+p.fields.Datetime)
		}
		if rec.Timestamp, err = parseDatetime(raw); err != nil {
			return nil, parseError(line, err.Error())
		}
	}

	rec.Method, _ = fieldString(doc, p.fields.Request)
	rec.Path, _ = fieldString(doc, p.fields.URL)
	rec.UserAgent, _ = fieldString(doc, p.fields.UserAgent)
	return rec, nil
}

func (p *JSONMapParser) Format() string {
	return "json"
}

func fieldString(doc map[string]any, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	switch v := doc[key].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

func parseStatus(s string) (int, error) {
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return 0, errors.New("invalid status code")
	}
	return code, nil
}

// parseDatetime accepts $time_local, $time_iso8601 and $msec style values.
func parseDatetime(s string) (time.Time, error) {
	if ts, err := time.Parse(clfTimeLayout, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 && !math.IsInf(secs, 0) {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)), nil
	}
	return time.Time{}, errors.New("invalid timestamp")
}

func findClosingQuote(s string, start int) int {
	i := start
	for i < len(s) {
		if s[i] == '\\' && i+1 < len(s) {
			i += 2
			continue
		}
		if s[i] == '"' {
			return i
		}
		i++
	}
	return -1
}

func skipUntil(s string, pos int, char byte) int {
	for i := pos; i < len(s); i++ {
		if s[i] == char {
			return i
		}
	}
	return -1
}

func splitRequest(s string) (method, path string) {
	if s == "" || s == "-" {
		return "", ""
	}
	method, rest, found := strings.Cut(s, " ")
	if !found {
		return "", ""
	}
	if i := strings.LastIndexByte(rest, ' '); i > 0 {
		rest = rest[:i]
	}
	return method, rest
}

func unescapeQuotes(s string) string {
	if !strings.Contains(s, `\"`) {
		return s
	}
	return strings.ReplaceAll(s, `\"`, `"`)
}

// NewParser picks the parser for the configured log format: the JSON map
// parser when a field map is set, the combined text parser otherwise.
func NewParser(jsonFieldMap string) (ports.LineParser, error) {
	if strings.TrimSpace(jsonFieldMap) == "" {
		return NewTextParser(), nil
	}
	return NewJSONMapParser(jsonFieldMap)
}
