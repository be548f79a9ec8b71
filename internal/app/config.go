package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/logjail/internal/domain"
)

type Config struct {
	Log       LogConfig
	Policy    PolicyConfig
	DenyList  DenyListConfig
	Reload    ReloadConfig
	Expiry    ExpiryConfig
	Detection DetectionConfig
	Metrics   MetricsConfig
	Events    EventsConfig
	Logging   LoggingConfig
}

type LogConfig struct {
	Path          string
	JSONMap       string
	FromBeginning bool
	Poll          bool
}

type PolicyConfig struct {
	Inline string
	File   string
}

type DenyListConfig struct {
	Path        string
	Weight      string
	InPlace     bool
	LockTimeout time.Duration
}

type ReloadConfig struct {
	Command      string
	Container    string
	Image        string
	DockerBin    string
	StartupDelay time.Duration
	StartupCheck bool
}

type ExpiryConfig struct {
	TTL      time.Duration
	Interval time.Duration
}

type DetectionConfig struct {
	MaxClients    int
	SweepInterval time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type EventsConfig struct {
	Path   string
	Stdout bool
}

type LoggingConfig struct {
	Level      string
	Console    bool
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// legacyEnv maps config keys to the environment variables of existing
// deployments.
var legacyEnv = map[string]string{
	"log.path":             "NGINX_LOG_PATH",
	"log.json_map":         "NGINX_LOG_JSON_MAP",
	"policy.inline":        "POLICY",
	"policy.file":          "POLICY_FILE",
	"denylist.path":        "BANNED_CONF_FILE",
	"reload.command":       "RELOAD_NGINX_CUSTOM_CMD",
	"reload.container":     "NGINX_CONTAINER_NAME",
	"reload.startup_delay": "STARTUP_DELAY",
	"expiry.ttl":           "BAN_TTL",
	"expiry.interval":      "EXPIRE_INTERVAL",
}

// SetDefaults registers every key so that AutomaticEnv can see it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.path", "access.log")
	v.SetDefault("log.json_map", "")
	v.SetDefault("log.from_beginning", false)
	v.SetDefault("log.poll", false)

	v.SetDefault("policy.inline", "")
	v.SetDefault("policy.file", "policy.json")

	v.SetDefault("denylist.path", "banned.conf")
	v.SetDefault("denylist.weight", "1")
	v.SetDefault("denylist.in_place", false)
	v.SetDefault("denylist.lock_timeout", "5s")

	v.SetDefault("reload.command", "")
	v.SetDefault("reload.container", "")
	v.SetDefault("reload.image", "nginx")
	v.SetDefault("reload.docker_bin", "docker")
	v.SetDefault("reload.startup_delay", "5s")
	v.SetDefault("reload.startup_check", true)

	v.SetDefault("expiry.ttl", "")
	v.SetDefault("expiry.interval", "60s")

	v.SetDefault("detection.max_clients", 100000)
	v.SetDefault("detection.sweep_interval", "1m")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("events.path", "")
	v.SetDefault("events.stdout", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
}

// BindEnv enables LOGJAIL_* variables and the legacy names. The legacy
// name is consulted after LOGJAIL_<KEY>.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("logjail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := "LOGJAIL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// LoadConfig reads and validates the effective configuration.
func LoadConfig(v *viper.Viper) (*Config, error) {
	var errs []error
	dur := func(key string) time.Duration {
		d, err := parseDuration(v.Get(key))
		if err != nil {
			errs = append(errs, &ConfigValidationError{Field: key, Value: v.Get(key), Reason: err.Error()})
		}
		return d
	}

	cfg := &Config{
		Log: LogConfig{
			Path:          v.GetString("log.path"),
			JSONMap:       v.GetString("log.json_map"),
			FromBeginning: v.GetBool("log.from_beginning"),
			Poll:          v.GetBool("log.poll"),
		},
		Policy: PolicyConfig{
			Inline: v.GetString("policy.inline"),
			File:   v.GetString("policy.file"),
		},
		DenyList: DenyListConfig{
			Path:        v.GetString("denylist.path"),
			Weight:      v.GetString("denylist.weight"),
			InPlace:     v.GetBool("denylist.in_place"),
			LockTimeout: dur("denylist.lock_timeout"),
		},
		Reload: ReloadConfig{
			Command:      v.GetString("reload.command"),
			Container:    v.GetString("reload.container"),
			Image:        v.GetString("reload.image"),
			DockerBin:    v.GetString("reload.docker_bin"),
			StartupDelay: dur("reload.startup_delay"),
			StartupCheck: v.GetBool("reload.startup_check"),
		},
		Expiry: ExpiryConfig{
			TTL:      dur("expiry.ttl"),
			Interval: dur("expiry.interval"),
		},
		Detection: DetectionConfig{
			MaxClients:    v.GetInt("detection.max_clients"),
			SweepInterval: dur("detection.sweep_interval"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Addr:    v.GetString("metrics.addr"),
		},
		Events: EventsConfig{
			Path:   v.GetString("events.path"),
			Stdout: v.GetBool("events.stdout"),
		},
		Logging: LoggingConfig{
			Level:      v.GetString("logging.level"),
			Console:    v.GetBool("logging.console"),
			File:       v.GetString("logging.file"),
			MaxSizeMB:  v.GetInt("logging.max_size_mb"),
			MaxBackups: v.GetInt("logging.max_backups"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DenyList.Path == "" {
		return &ConfigValidationError{Field: "denylist.path", Value: c.DenyList.Path, Reason: "must be set"}
	}
	if c.DenyList.Weight == "" || strings.ContainsAny(c.DenyList.Weight, " \t\r\n;#{}") {
		return &ConfigValidationError{Field: "denylist.weight", Value: c.DenyList.Weight, Reason: "must be a single token"}
	}
	if c.DenyList.LockTimeout <= 0 {
		return &ConfigValidationError{Field: "denylist.lock_timeout", Value: c.DenyList.LockTimeout, Reason: "must be positive"}
	}
	if c.Expiry.TTL < 0 {
		return &ConfigValidationError{Field: "expiry.ttl", Value: c.Expiry.TTL, Reason: "must not be negative"}
	}
	if c.Expiry.TTL > 0 && c.Expiry.Interval <= 0 {
		return &ConfigValidationError{Field: "expiry.interval", Value: c.Expiry.Interval, Reason: "must be positive when a TTL is set"}
	}
	if c.Detection.MaxClients < 1 {
		return &ConfigValidationError{Field: "detection.max_clients", Value: c.Detection.MaxClients, Reason: "must be positive"}
	}
	if c.Detection.SweepInterval < 0 {
		return &ConfigValidationError{Field: "detection.sweep_interval", Value: c.Detection.SweepInterval, Reason: "must not be negative"}
	}
	if c.Reload.StartupDelay < 0 {
		return &ConfigValidationError{Field: "reload.startup_delay", Value: c.Reload.StartupDelay, Reason: "must not be negative"}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return &ConfigValidationError{Field: "logging.level", Value: c.Logging.Level, Reason: "unknown level"}
	}
	return nil
}

// parseDuration accepts durations ("90s", "2m") and bare numbers of
// seconds. Empty means unset.
func parseDuration(raw any) (time.Duration, error) {
	switch val := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	default:
		return 0, fmt.Errorf("unsupported duration type %T", raw)
	}
}

// LoadPolicy reads the policy from inline when set, else from file.
func LoadPolicy(inline, file string) (*domain.Policy, error) {
	if strings.TrimSpace(inline) != "" {
		return domain.ParsePolicy("inline", []byte(inline))
	}
	if file == "" {
		return nil, &domain.PolicyError{Source: "config", Reason: "no inline policy and no policy file configured"}
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &domain.PolicyError{Source: file, Reason: "cannot read policy file", Err: err}
	}
	return domain.ParsePolicy(file, data)
}

// WatchLogLevel applies logging.level changes from the config file without
// a restart. Policy and paths are fixed for the life of the process.
func WatchLogLevel(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		level, err := zerolog.ParseLevel(v.GetString("logging.level"))
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Invalid logging.level in changed config, keeping current level")
			return
		}
		if level != zerolog.GlobalLevel() {
			zerolog.SetGlobalLevel(level)
			log.Info().Str("level", level.String()).Str("file", e.Name).Msg("Log level changed")
		}
	})
	v.WatchConfig()
}

type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}
