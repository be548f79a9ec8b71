// Package denylist owns the nginx deny-list file shared by the detector and
// the expirer.
//
// The file is a single geo (or map) block:
//
//	geo $banned_ip {
//	    default 0;
//	    10.0.0.5 1; #1766916000
//	}
//
// Everything up to and including the opening line is the header. The last
// "}" line, followed only by blanks or comments, starts the footer. Both are kept
// byte for byte; only interior lines are ever added or removed.
package denylist

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xoelrdgz/logjail/internal/domain"
	"github.com/xoelrdgz/logjail/pkg/sanitize"
)

// DefaultTemplate is written by Init when no deny list exists yet.
const DefaultTemplate = "geo $banned_ip {\n    default 0;\n}\n"

var recordPattern = regexp.MustCompile(`^\s*([^\s;#{}]+)\s+([^\s;#{}]+)\s*;\s*(?:#\s*(\d+))?\s*$`)

// geo/map directives that share the record syntax but are not bans.
var directives = map[string]bool{
	"default":   true,
	"include":   true,
	"proxy":     true,
	"ranges":    true,
	"delete":    true,
	"hostnames": true,
	"volatile":  true,
}

// Document is a parsed deny list.
type Document struct {
	head  string
	lines []string
	tail  string
}

// ParseDocument splits data into header, interior lines and footer.
func ParseDocument(path string, data []byte) (*Document, error) {
	s := string(data)

	headEnd := -1
	for pos := 0; pos < len(s); {
		end := strings.IndexByte(s[pos:], '\n')
		if end == -1 {
			break
		}
		line := strings.TrimSpace(s[pos : pos+end])
		pos += end + 1
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "{") {
			headEnd = pos
		}
		break
	}
	if headEnd == -1 {
		return nil, &domain.CorruptionError{Path: path, Reason: "opening marker not found"}
	}

	tailStart := -1
	for end := len(s); end > headEnd; {
		start := strings.LastIndexByte(s[:end-1], '\n') + 1
		line := strings.TrimSpace(s[start:end])
		if line == "" || strings.HasPrefix(line, "#") {
			end = start
			continue
		}
		if line == "}" {
			tailStart = start
			break
		}
		if strings.HasSuffix(line, "}") {
			return nil, &domain.CorruptionError{Path: path, Reason: "closing marker not on its own line"}
		}
		break
	}
	if tailStart == -1 {
		return nil, &domain.CorruptionError{Path: path, Reason: "closing marker not found"}
	}

	doc := &Document{head: s[:headEnd], tail: s[tailStart:]}
	if interior := s[headEnd:tailStart]; interior != "" {
		doc.lines = strings.Split(strings.TrimSuffix(interior, "\n"), "\n")
	}
	return doc, nil
}

// parseRecord recognises a ban line. Lines without the epoch comment are
// bans added by hand and come back with a zero CreatedAt.
func parseRecord(line string) (domain.BanRecord, bool) {
	m := recordPattern.FindStringSubmatch(line)
	if m == nil || directives[m[1]] {
		return domain.BanRecord{}, false
	}
	rec := domain.BanRecord{ClientKey: m[1], Weight: m[2]}
	if m[3] != "" {
		epoch, err := strconv.ParseInt(m[3], 10, 64)
		if err == nil {
			rec.CreatedAt = time.Unix(epoch, 0)
		}
	}
	return rec, true
}

func formatRecord(rec domain.BanRecord) string {
	if rec.Permanent() {
		return "    " + rec.ClientKey + " " + rec.Weight + ";"
	}
	return "    " + rec.ClientKey + " " + rec.Weight + "; #" + strconv.FormatInt(rec.CreatedAt.Unix(), 10)
}

// Records returns the ban records in file order.
func (d *Document) Records() []domain.BanRecord {
	var out []domain.BanRecord
	for _, line := range d.lines {
		if rec, ok := parseRecord(line); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (d *Document) Contains(clientKey string) bool {
	for _, line := range d.lines {
		if rec, ok := parseRecord(line); ok && sameClient(rec.ClientKey, clientKey) {
			return true
		}
	}
	return false
}

// sameClient reports whether a key read from the file names the canonical
// key. Hand-edited lines are canonicalised first; keys that do not
// canonicalise are compared as written.
func sameClient(fileKey, canonical string) bool {
	if key, err := sanitize.ClientKey(fileKey); err == nil {
		return key == canonical
	}
	return fileKey == canonical
}

// Append adds rec as the last interior line.
func (d *Document) Append(rec domain.BanRecord) {
	d.lines = append(d.lines, formatRecord(rec))
}

// RemoveFunc drops every record for which pred is true and returns them.
// Non-record interior lines are always kept; order is preserved.
func (d *Document) RemoveFunc(pred func(domain.BanRecord) bool) []domain.BanRecord {
	var removed []domain.BanRecord
	kept := d.lines[:0]
	for _, line := range d.lines {
		if rec, ok := parseRecord(line); ok && pred(rec) {
			removed = append(removed, rec)
			continue
		}
		kept = append(kept, line)
	}
	d.lines = kept
	return removed
}

func (d *Document) Header() string { return d.head }
func (d *Document) Footer() string { return d.tail }

// Bytes renders the document.
func (d *Document) Bytes() []byte {
	var b strings.Builder
	b.Grow(len(d.head) + len(d.tail) + len(d.lines)*32)
	b.WriteString(d.head)
	for _, line := range d.lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(d.tail)
	return []byte(b.String())
}
