// tagtimed pings you at random times and asks what you are doing.
//
// The pings follow a Poisson process derived from a key, so every machine
// sharing the key and average gap pings at the same instants. Answers go to
// a plain-text ping log; hours per tag are pushed to Beeminder graphs.
//
//	tagtimed [-config path]
//
// Answer pings with tagtimectl answer, or through the desktop notification.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tagtime/internal/config"
	"tagtime/internal/health"
	"tagtime/internal/logging"
	"tagtime/internal/metrics"
	"tagtime/internal/security"
	"tagtime/internal/session"
	"tagtime/internal/status"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file (default: search the usual places)")
	showVersion = flag.Bool("version", false, "print the version and exit")
	checkOnly   = flag.Bool("check", false, "validate the configuration and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("tagtimed", Version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tagtimed: %v\n", err)
		if errors.Is(err, security.ErrLocked) {
			fmt.Fprintln(os.Stderr, "Another tagtimed is already running for this data directory.")
		}
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	if p := config.FindConfigFile(); p != "" {
		return p
	}
	return config.ConfigPath()
}

func run() error {
	path := resolveConfigPath()
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Wrote a default configuration to %s\n", path)
	}
	if *checkOnly {
		fmt.Printf("%s: ok\n", path)
		return nil
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg, err := logging.FromSettings(cfg.Logging, "")
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.WithComponent("tagtimed").Slog()

	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		Dir:       logging.CrashDir(cfg.DataDir),
		Version:   Version,
		Component: "tagtimed",
		Logger:    log,
	})
	if err := crash.Cleanup(30 * 24 * time.Hour); err != nil {
		log.Debug("clean up crash reports", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	sess, err := session.Open(ctx, session.Options{
		Config:  cfg,
		Logger:  logger.Slog(),
		Metrics: collector,
		Crash:   crash,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return err
	}
	loader.OnChange(func(c *config.Config) {
		if err := sess.ApplyConfig(c); err != nil {
			log.Error("apply reloaded config", slog.Any("error", err))
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", slog.Any("error", err))
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload rejected", slog.Any("error", err))
		}
	}()

	checker := health.NewChecker()
	sess.RegisterHealth(checker)

	report, err := sess.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Println(report.Message)

	var srv *status.Server
	if cfg.Status.Enabled {
		srv = status.New(status.Options{
			Addr:    cfg.Status.Listen,
			Session: sess,
			Health:  checker,
			Metrics: collector.Handler(),
			Logger:  logger.Slog(),
		})
		go crash.Recover("status-api", func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error("status API stopped", slog.Any("error", err))
			}
		})
	}
	checker.SetReady(true)
	log.Info("tagtimed running",
		slog.String("version", Version),
		slog.String("config", path),
		slog.Time("next_ping", sess.NextPing()))

	<-ctx.Done()
	log.Info("shutting down")
	checker.SetReady(false)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("status API shutdown", slog.Any("error", err))
		}
	}
	return nil
}
