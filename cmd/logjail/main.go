package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xoelrdgz/logjail/internal/adapters/denylist"
	"github.com/xoelrdgz/logjail/internal/adapters/reload"
	"github.com/xoelrdgz/logjail/internal/app"
	"github.com/xoelrdgz/logjail/internal/ports"
)

var (
	cfgFile string

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "logjail",
	Short: "Ban abusive clients from nginx access logs",
	Long: `logjail tails an nginx access log, counts responses per client and
status code in a sliding window, and adds clients that exceed the policy to
an nginx geo deny list. The server is reloaded after every change, and bans
can expire after a TTL.

Policy example (window in seconds):
  {"429": {"limit": 2, "window": 60}, "404": {"limit": 50, "window": 10}}

A client is banned on the (limit+1)-th matching response within the window.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("logjail %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	flags.StringP("log", "l", "", "nginx access log to watch")
	flags.StringP("denylist", "d", "", "nginx geo deny-list file")
	flags.String("policy", "", "inline JSON policy")
	flags.String("policy-file", "", "JSON policy file")
	flags.String("level", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("log.path", flags.Lookup("log"))
	viper.BindPFlag("denylist.path", flags.Lookup("denylist"))
	viper.BindPFlag("policy.inline", flags.Lookup("policy"))
	viper.BindPFlag("policy.file", flags.Lookup("policy-file"))
	viper.BindPFlag("logging.level", flags.Lookup("level"))

	rootCmd.AddCommand(watchCmd, expireCmd, listCmd, banCmd, unbanCmd, initCmd, reloadCmd, versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/logjail")
	}

	app.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}

	if err := app.BindEnv(viper.GetViper()); err != nil {
		log.Warn().Err(err).Msg("Error binding environment")
	}
}

// loadConfig loads the configuration and switches logging to it.
func loadConfig() (*app.Config, error) {
	cfg, err := app.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(cfg app.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stderr
	if cfg.Console {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	writer := console
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize, // megabytes
			MaxBackups: cfg.MaxBackups,
		}
		writer = zerolog.MultiLevelWriter(console, file)
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

func newStore(cfg *app.Config) *denylist.FileStore {
	return denylist.NewFileStore(denylist.StoreConfig{
		Path:        cfg.DenyList.Path,
		LockTimeout: cfg.DenyList.LockTimeout,
		Weight:      cfg.DenyList.Weight,
		InPlace:     cfg.DenyList.InPlace,
	})
}

func newReloader(cfg *app.Config) (ports.Reloader, error) {
	return reload.New(reload.Config{
		Command:   cfg.Reload.Command,
		Container: cfg.Reload.Container,
		Image:     cfg.Reload.Image,
		DockerBin: cfg.Reload.DockerBin,
	}, nil)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
