package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("inline", []byte(`{"429": {"limit": 2, "window": 60}, "404": {"limit": 0, "window": 5}}`))
	require.NoError(t, err)

	rule, ok := policy.Rule(429)
	require.True(t, ok)
	assert.Equal(t, 2, rule.Limit)
	assert.Equal(t, 60*time.Second, rule.Window)

	_, ok = policy.Rule(200)
	assert.False(t, ok)
	assert.Equal(t, []int{404, 429}, policy.Codes())
	assert.Equal(t, 60*time.Second, policy.MaxWindow())
}

func TestParsePolicy_LargestWindow(t *testing.T) {
	policy, err := ParsePolicy("inline", []byte(`{"429": {"limit": 1, "window": 9223372036}}`))
	require.NoError(t, err)

	rule, ok := policy.Rule(429)
	require.True(t, ok)
	assert.Positive(t, rule.Window)
	assert.Equal(t, 9223372036*time.Second, rule.Window)
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `limit=2`},
		{"array", `[1,2]`},
		{"empty object", `{}`},
		{"bad code", `{"abc": {"limit": 1, "window": 1}}`},
		{"code out of range", `{"99": {"limit": 1, "window": 1}}`},
		{"negative limit", `{"429": {"limit": -1, "window": 60}}`},
		{"missing limit", `{"429": {"window": 60}}`},
		{"zero window", `{"429": {"limit": 1, "window": 0}}`},
		{"window overflows duration", `{"429": {"limit": 1, "window": 9223372037}}`},
		{"window far beyond duration", `{"429": {"limit": 1, "window": 9223372036854775807}}`},
		{"duplicate code", `{"429": {"limit": 1, "window": 1}, "429": {"limit": 2, "window": 2}}`},
		{"duplicate after normalisation", `{"429": {"limit": 1, "window": 1}, "0429": {"limit": 2, "window": 2}}`},
		{"trailing data", `{"429": {"limit": 1, "window": 1}} {}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePolicy("test", []byte(tc.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPolicyLoad))

			var perr *PolicyError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "test", perr.Source)
		})
	}
}

func TestBanRecordExpired(t *testing.T) {
	created := time.Unix(1000, 0)
	rec := BanRecord{ClientKey: "10.0.0.5", Weight: "1", CreatedAt: created}
	ttl := 120 * time.Second

	assert.False(t, rec.Expired(created.Add(100*time.Second), ttl))
	assert.False(t, rec.Expired(created.Add(120*time.Second), ttl), "created_at + ttl == now is not expired")
	assert.True(t, rec.Expired(created.Add(121*time.Second), ttl))

	permanent := BanRecord{ClientKey: "10.0.0.6", Weight: "1"}
	assert.True(t, permanent.Permanent())
	assert.False(t, permanent.Expired(created.Add(1000*time.Hour), ttl))
}

func TestErrorsUnwrapToSentinels(t *testing.T) {
	assert.ErrorIs(t, &ParseError{Reason: "short"}, ErrParse)
	assert.ErrorIs(t, &CorruptionError{Path: "banned.conf", Reason: "missing footer"}, ErrConfigCorruption)
	assert.ErrorIs(t, &ReloadError{Mechanism: "command"}, ErrReloadFailure)

	inner := errors.New("exit status 1")
	rerr := &ReloadError{Mechanism: "container", Err: inner, Output: "nginx: [emerg]"}
	assert.ErrorIs(t, rerr, inner)
	assert.Contains(t, rerr.Error(), "nginx: [emerg]")
}

func TestNewBanEvent(t *testing.T) {
	ev := NewBanEvent(BanEventBan, "10.0.0.5", "limit exceeded")
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, BanEventBan, ev.Kind)

	data, err := ev.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"client_key":"10.0.0.5"`)
}
