package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/logjail/internal/adapters/input"
	"github.com/xoelrdgz/logjail/internal/adapters/output"
	"github.com/xoelrdgz/logjail/internal/app"
	"github.com/xoelrdgz/logjail/internal/domain"
)

var (
	expireOnce bool
	noReload   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the access log and ban clients that exceed the policy",
	Long: `Tail the access log from its current end, ban clients whose responses
exceed the policy, and reload nginx after each ban. When expiry.ttl is set
the expirer runs in the same process.

Examples:
  logjail watch --log /var/log/nginx/access.log --denylist /etc/nginx/banned.conf
  POLICY='{"429":{"limit":2,"window":60}}' BAN_TTL=3600 logjail watch`,
	RunE: runWatch,
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Remove bans older than the TTL",
	Long: `Run the expirer on its own. Safe to run next to "logjail watch" in a
separate process or container: both serialise on the deny-list lock.`,
	RunE: runExpire,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the current deny list",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var banCmd = &cobra.Command{
	Use:   "ban <client>",
	Short: "Ban a client by hand",
	Args:  cobra.ExactArgs(1),
	RunE:  runBan,
}

var unbanCmd = &cobra.Command{
	Use:   "unban <client>",
	Short: "Lift a ban",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnban,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty deny list if none exists",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload nginx with the configured mechanism",
	Args:  cobra.NoArgs,
	RunE:  runReload,
}

func init() {
	watchCmd.Flags().Bool("full", false, "process the whole log from the beginning")
	watchCmd.Flags().Bool("metrics", false, "serve Prometheus metrics and /ready")
	watchCmd.Flags().Bool("events", false, "write ban events as JSON lines to stdout")
	viper.BindPFlag("log.from_beginning", watchCmd.Flags().Lookup("full"))
	viper.BindPFlag("metrics.enabled", watchCmd.Flags().Lookup("metrics"))
	viper.BindPFlag("events.stdout", watchCmd.Flags().Lookup("events"))

	expireCmd.Flags().BoolVar(&expireOnce, "once", false, "run a single pass and exit")

	banCmd.Flags().BoolVar(&noReload, "no-reload", false, "do not reload nginx afterwards")
	unbanCmd.Flags().BoolVar(&noReload, "no-reload", false, "do not reload nginx afterwards")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	policy, err := app.LoadPolicy(cfg.Policy.Inline, cfg.Policy.File)
	if err != nil {
		return err
	}
	parser, err := input.NewParser(cfg.Log.JSONMap)
	if err != nil {
		return err
	}
	reloader, err := newReloader(cfg)
	if err != nil {
		return err
	}
	store := newStore(cfg)

	ctx, stop := signalContext()
	defer stop()

	if viper.ConfigFileUsed() != "" {
		app.WatchLogLevel(viper.GetViper())
	}

	log.Info().
		Str("log", cfg.Log.Path).
		Str("denylist", store.Path()).
		Str("format", parser.Format()).
		Str("reload", reloader.Mechanism()).
		Dur("ttl", cfg.Expiry.TTL).
		Msg("logjail starting")

	if _, err := store.List(ctx); err != nil {
		log.Error().Err(err).Str("file", store.Path()).Msg("Deny list unusable, bans will fail until it is fixed")
	}

	if cfg.Reload.StartupCheck {
		if err := app.SelfCheck(ctx, reloader, cfg.Reload.StartupDelay); err != nil {
			return err
		}
	}

	stats := domain.NewRuntimeStats()

	tailer := input.NewFileTailer(cfg.Log.Path, 0)
	tailer.SetFromBeginning(cfg.Log.FromBeginning)
	tailer.SetPoll(cfg.Log.Poll)

	detCfg := app.DefaultDetectorConfig()
	detCfg.MaxTracked = cfg.Detection.MaxClients
	detCfg.SweepInterval = cfg.Detection.SweepInterval
	detector := app.NewDetector(tailer, parser, policy, store, reloader, stats, detCfg)

	expirer := app.NewExpirer(store, reloader, stats, app.ExpirerConfig{
		TTL:      cfg.Expiry.TTL,
		Interval: cfg.Expiry.Interval,
	})

	if cfg.Events.Stdout || cfg.Events.Path != "" {
		events, err := output.NewEventWriter(output.EventWriterConfig{FilePath: cfg.Events.Path, Stdout: cfg.Events.Stdout})
		if err != nil {
			return fmt.Errorf("open event stream: %w", err)
		}
		defer events.Close()
		detector.AddSubscriber(events)
		expirer.AddSubscriber(events)
	}

	if cfg.Metrics.Enabled {
		metrics := output.NewPrometheusMetrics("logjail", nil, stats)
		detector.AddObserver(metrics)
		detector.AddSubscriber(metrics)
		detector.AddReloadObserver(metrics)
		expirer.AddSubscriber(metrics)
		expirer.AddReloadObserver(metrics)
		store.SetLockObserver(metrics)

		watcher, err := output.NewDenyListWatcher(store, func(recs []domain.BanRecord) {
			metrics.SetActiveBans(len(recs))
		})
		if err != nil {
			log.Warn().Err(err).Msg("Deny list watcher unavailable, active_bans will not update")
		} else {
			watcher.Start(ctx)
			defer watcher.Close()
		}

		healthCfg := output.DefaultHealthCheckerConfig()
		if expirer.Enabled() {
			healthCfg.ExpiryInterval = expirer.Interval()
		}
		health := output.NewHealthChecker(store, stats, healthCfg)

		if err := metrics.StartServer(output.MetricsConfig{Port: cfg.Metrics.Addr, Path: "/metrics"}, health); err != nil {
			log.Warn().Err(err).Msg("Failed to start metrics server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.StopServer(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown")
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := expirer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Expirer stopped")
		}
	}()

	err = detector.Run(ctx)
	stop()
	wg.Wait()

	snap := stats.Snapshot()
	log.Info().
		Int64("lines", snap.LinesProcessed).
		Int64("parse_errors", snap.ParseErrors).
		Int64("bans", snap.Bans).
		Int64("unbans", snap.Unbans).
		Msg("logjail stopped")
	return err
}

func runExpire(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Expiry.TTL <= 0 {
		return errors.New("expiry.ttl (BAN_TTL) is not set; bans never expire")
	}
	reloader, err := newReloader(cfg)
	if err != nil {
		return err
	}

	expirer := app.NewExpirer(newStore(cfg), reloader, nil, app.ExpirerConfig{
		TTL:      cfg.Expiry.TTL,
		Interval: cfg.Expiry.Interval,
	})

	ctx, stop := signalContext()
	defer stop()

	if expireOnce {
		removed, err := expirer.Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d ban(s)\n", len(removed))
		return nil
	}

	if cfg.Reload.StartupCheck {
		if err := app.SelfCheck(ctx, reloader, cfg.Reload.StartupDelay); err != nil {
			return err
		}
	}
	return expirer.Run(ctx)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	records, err := newStore(cfg).List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tWEIGHT\tCREATED\tEXPIRES")
	for _, rec := range records {
		created, expires := "-", "never"
		if !rec.Permanent() {
			created = rec.CreatedAt.UTC().Format(time.RFC3339)
			if cfg.Expiry.TTL > 0 {
				expires = rec.CreatedAt.Add(cfg.Expiry.TTL).UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ClientKey, rec.Weight, created, expires)
	}
	return w.Flush()
}

func runBan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := newStore(cfg)
	inserted, err := store.AddIfAbsent(cmd.Context(), args[0], time.Now())
	if err != nil {
		return err
	}
	if !inserted {
		fmt.Printf("%s is already banned\n", args[0])
		return nil
	}
	log.Info().Str("client", args[0]).Str("file", store.Path()).Msg("Client banned by hand")
	return reloadAfterEdit(cmd.Context(), cfg)
}

func runUnban(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := newStore(cfg)
	removed, err := store.Remove(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("%s is not banned\n", args[0])
		return nil
	}
	log.Info().Str("client", args[0]).Str("file", store.Path()).Msg("Ban lifted by hand")
	return reloadAfterEdit(cmd.Context(), cfg)
}

func reloadAfterEdit(ctx context.Context, cfg *app.Config) error {
	if noReload {
		return nil
	}
	reloader, err := newReloader(cfg)
	if err != nil {
		return err
	}
	return reloader.Reload(ctx)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := newStore(cfg)
	created, err := store.Init(cmd.Context(), "")
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("created %s\n", store.Path())
	} else {
		fmt.Printf("%s already exists\n", store.Path())
	}
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reloader, err := newReloader(cfg)
	if err != nil {
		return err
	}
	if err := reloader.Reload(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("reloaded via %s\n", reloader.Mechanism())
	return nil
}
