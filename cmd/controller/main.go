package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/hendraet/labshare/internal/auth"
	"github.com/hendraet/labshare/internal/clock"
	"github.com/hendraet/labshare/internal/config"
	"github.com/hendraet/labshare/internal/controller"
	"github.com/hendraet/labshare/internal/db"
	"github.com/hendraet/labshare/internal/events"
	"github.com/hendraet/labshare/internal/metrics"
	"github.com/hendraet/labshare/internal/notify"
	"github.com/hendraet/labshare/internal/scheduler"
	"github.com/hendraet/labshare/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, addr, dbPath, logLevel string
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "labshare-controller",
		Short:        "GPU reservation controller",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.BindCommandToViper(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadControllerConfig(afero.NewOsFs(), configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config/controller.yaml", "path to controller config")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "sqlite database path, overrides the config")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level, overrides the config")
	return cmd
}

func run(ctx context.Context, cfg *config.ControllerConfig) error {
	if err := cfg.Logging.Configure(os.Stderr); err != nil {
		return err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer database.Close()

	if err := database.Init(); err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}

	st := store.New(database)
	if err := controller.SeedUsers(ctx, st, cfg.Users); err != nil {
		return err
	}

	eventMgr := events.New(st)
	defer eventMgr.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clk := clock.Real{}
	guard := auth.NewDeviceGuard(st)
	sched := scheduler.New(st, guard, notify.NewLogNotifier(st, nil), eventMgr, metrics.New(reg), clk)
	go sched.Run(ctx, cfg.ReminderInterval)

	server := controller.NewServer(st, sched, auth.NewAuthenticator(st), guard, eventMgr, reg, clk, cfg.SharedToken)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": cfg.Addr, "tls": cfg.CertPath != ""}).Info("labshare controller listening")
		if cfg.CertPath != "" {
			errCh <- httpServer.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
