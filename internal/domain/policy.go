package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Rule is the threshold for one status code: more than Limit events within
// Window bans the client.
type Rule struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Policy maps HTTP status codes to rules. It is built once at startup and
// never mutated afterwards, so it is safe to share between goroutines.
type Policy struct {
	rules map[int]Rule
}

// maxWindowSeconds is the largest window that fits in a time.Duration.
const maxWindowSeconds = math.MaxInt64 / int64(time.Second)

type ruleDocument struct {
	Limit  *int   `json:"limit"`
	Window *int64 `json:"window"`
}

// ParsePolicy decodes a policy document of the form
//
//	{"429": {"limit": 2, "window": 60}, "404": {"limit": 50, "window": 10}}
//
// where window is in seconds. A status code that appears twice (including
// spellings that normalise to the same number, e.g. "404" and "0404") is
// rejected.
func ParsePolicy(source string, data []byte) (*Policy, error) {
	fail := func(reason string, err error) (*Policy, error) {
		return nil, &PolicyError{Source: source, Reason: reason, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fail("invalid JSON", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fail("expected a JSON object of status codes", nil)
	}

	rules := make(map[int]Rule)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fail("invalid JSON", err)
		}
		key, _ := tok.(string)
		code, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || code < 100 || code > 599 {
			return fail(fmt.Sprintf("status code %q is not in 100-599", key), nil)
		}
		if _, dup := rules[code]; dup {
			return fail(fmt.Sprintf("status code %d listed more than once", code), nil)
		}

		var doc ruleDocument
		if err := dec.Decode(&doc); err != nil {
			return fail(fmt.Sprintf("rule for %d", code), err)
		}
		if doc.Limit == nil || *doc.Limit < 0 {
			return fail(fmt.Sprintf("rule for %d: limit must be an integer >= 0", code), nil)
		}
		if doc.Window == nil || *doc.Window <= 0 {
			return fail(fmt.Sprintf("rule for %d: window must be a positive number of seconds", code), nil)
		}
		if *doc.Window > maxWindowSeconds {
			return fail(fmt.Sprintf("rule for %d: window must be at most %d seconds", code, maxWindowSeconds), nil)
		}
		rules[code] = Rule{Limit: *doc.Limit, Window: time.Duration(*doc.Window) * time.Second}
	}
	if _, err := dec.Token(); err != nil {
		return fail("invalid JSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fail("trailing data after policy object", err)
	}
	if len(rules) == 0 {
		return fail("policy has no status codes", nil)
	}
	return &Policy{rules: rules}, nil
}

// NewPolicy builds a policy from already validated rules.
func NewPolicy(rules map[int]Rule) *Policy {
	copied := make(map[int]Rule, len(rules))
	for code, r := range rules {
		copied[code] = r
	}
	return &Policy{rules: copied}
}

func (p *Policy) Rule(statusCode int) (Rule, bool) {
	r, ok := p.rules[statusCode]
	return r, ok
}

// Codes returns the tracked status codes in ascending order.
func (p *Policy) Codes() []int {
	codes := make([]int, 0, len(p.rules))
	for code := range p.rules {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// MaxWindow returns the longest window of any rule.
func (p *Policy) MaxWindow() time.Duration {
	var longest time.Duration
	for _, r := range p.rules {
		longest = max(longest, r.Window)
	}
	return longest
}
