package domain

import (
	"strings"
	"time"
)

// MaxLineLength bounds how much of a single log line is ever inspected.
const MaxLineLength = 8192

// LogRecord is one access-log line normalised by a LineParser.
type LogRecord struct {
	ClientKey  string    `json:"client_key"`
	StatusCode int       `json:"status_code"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Truncated  bool      `json:"truncated,omitempty"`
}

func (r *LogRecord) Clone() *LogRecord {
	clone := *r
	clone.ClientKey = strings.Clone(r.ClientKey)
	clone.Method = strings.Clone(r.Method)
	clone.Path = strings.Clone(r.Path)
	clone.UserAgent = strings.Clone(r.UserAgent)
	return &clone
}
