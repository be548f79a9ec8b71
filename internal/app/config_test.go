package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/logjail/internal/domain"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	require.NoError(t, BindEnv(v))
	return v
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, "banned.conf", cfg.DenyList.Path)
	assert.Equal(t, 5*time.Second, cfg.DenyList.LockTimeout)
	assert.Equal(t, 5*time.Second, cfg.Reload.StartupDelay)
	assert.Equal(t, time.Duration(0), cfg.Expiry.TTL)
	assert.Equal(t, time.Minute, cfg.Expiry.Interval)
	assert.Equal(t, "nginx", cfg.Reload.Image)
	assert.True(t, cfg.Reload.StartupCheck)
}

func TestLoadConfig_LegacyEnv(t *testing.T) {
	t.Setenv("BAN_TTL", "120")
	t.Setenv("EXPIRE_INTERVAL", "30")
	t.Setenv("BANNED_CONF_FILE", "/etc/nginx/banned.conf")
	t.Setenv("NGINX_CONTAINER_NAME", "edge")
	t.Setenv("STARTUP_DELAY", "0")

	cfg, err := LoadConfig(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.Expiry.TTL)
	assert.Equal(t, 30*time.Second, cfg.Expiry.Interval)
	assert.Equal(t, "/etc/nginx/banned.conf", cfg.DenyList.Path)
	assert.Equal(t, "edge", cfg.Reload.Container)
	assert.Equal(t, time.Duration(0), cfg.Reload.StartupDelay)
}

func TestLoadConfig_PrefixedEnvWins(t *testing.T) {
	t.Setenv("BAN_TTL", "120")
	t.Setenv("LOGJAIL_EXPIRY_TTL", "2h")

	cfg, err := LoadConfig(newViper(t))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Expiry.TTL)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"bad duration", "expiry.ttl", "soon"},
		{"negative ttl", "expiry.ttl", "-5"},
		{"weight with space", "denylist.weight", "1 0"},
		{"zero clients", "detection.max_clients", 0},
		{"bad level", "logging.level", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.value)
			_, err := LoadConfig(v)
			require.Error(t, err)

			var cve *ConfigValidationError
			assert.ErrorAs(t, err, &cve)
			assert.Equal(t, tt.key, cve.Field)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw  any
		want time.Duration
	}{
		{nil, 0},
		{"", 0},
		{"90", 90 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{60, time.Minute},
		{int64(5), 5 * time.Second},
		{3 * time.Second, 3 * time.Second},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := parseDuration([]string{"x"})
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	file := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"404": {"limit": 50, "window": 10}}`), 0o644))

	p, err := LoadPolicy("", file)
	require.NoError(t, err)
	assert.Equal(t, []int{404}, p.Codes())

	// Inline takes precedence.
	p, err = LoadPolicy(`{"429": {"limit": 2, "window": 60}}`, file)
	require.NoError(t, err)
	assert.Equal(t, []int{429}, p.Codes())

	_, err = LoadPolicy("", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, domain.ErrPolicyLoad)

	_, err = LoadPolicy("", "")
	assert.ErrorIs(t, err, domain.ErrPolicyLoad)

	_, err = LoadPolicy(`{"429": {"limit": 2}}`, "")
	assert.ErrorIs(t, err, domain.ErrPolicyLoad)
}
