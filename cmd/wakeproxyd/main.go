// Command wakeproxyd runs the wake-on-demand reverse proxy: it keeps
// a set of backing services stopped until the first connection
// arrives for one of them, then stops them again once they have sat
// idle for a while.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wakeproxy/wakeproxy/internal/admin"
	"github.com/wakeproxy/wakeproxy/internal/audit"
	"github.com/wakeproxy/wakeproxy/internal/config"
	"github.com/wakeproxy/wakeproxy/internal/proxy"
	"github.com/wakeproxy/wakeproxy/internal/supervisor"
	"github.com/wakeproxy/wakeproxy/internal/warmup"
)

// shutdownGrace bounds how long the process waits, after receiving a
// termination signal, for every in-flight connection and controller
// to wind down before returning control to the OS.
const shutdownGrace = 10 * time.Second

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var descriptorsPath, adminAddr, auditDBPath, logLevel, logFormat string

	cmd := &cobra.Command{
		Use:   "wakeproxyd",
		Short: "On-demand reverse proxy that starts backing services on first connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if descriptorsPath != "" {
				cfg.DescriptorsPath = descriptorsPath
			}
			if adminAddr != "" {
				cfg.AdminAddr = adminAddr
			}
			if auditDBPath != "" {
				cfg.AuditDBPath = auditDBPath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&descriptorsPath, "descriptors", "", "path to the TOML file describing supervised services")
	flags.StringVar(&adminAddr, "admin-addr", "", "bind address for the admin HTTP server")
	flags.StringVar(&auditDBPath, "audit-db", "", "path to the SQLite audit log (empty disables it)")
	flags.StringVar(&logLevel, "log-level", "", "zerolog level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "console or json")

	return cmd
}

func run(cfg *config.Config) error {
	log := config.NewLogger(cfg)
	runID := uuid.NewString()
	printBanner(runID)

	services, err := config.LoadDescriptors(cfg.DescriptorsPath)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(services)).Str("path", cfg.DescriptorsPath).Msg("loaded service descriptors")

	var auditSink supervisor.AuditSink
	var auditLogger *audit.Logger
	if cfg.AuditDBPath != "" {
		auditLogger, err = audit.Open(cfg.AuditDBPath, log)
		if err != nil {
			return err
		}
		defer auditLogger.Close()
		auditSink = auditLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controllers := make(map[string]*supervisor.Controller, len(services))
	var wg sync.WaitGroup

	for _, svc := range services {
		ctrl := supervisor.NewController(svc, log, auditSink)
		controllers[svc.Name] = ctrl

		wg.Add(1)
		go func(ctrl *supervisor.Controller) {
			defer wg.Done()
			if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("controller exited unexpectedly")
			}
		}(ctrl)

		for _, port := range svc.Ports {
			fabric := proxy.NewFabric(port, ctrl, log)
			wg.Add(1)
			go func(f *proxy.Fabric) {
				defer wg.Done()
				if err := f.Serve(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("listener fabric exited unexpectedly")
				}
			}(fabric)
		}
	}

	scheduler := warmup.NewScheduler(log)
	for _, svc := range services {
		if svc.WarmSchedule == "" {
			continue
		}
		if err := scheduler.Add(svc.Name, svc.WarmSchedule, controllers[svc.Name]); err != nil {
			log.Warn().Err(err).Str("service", svc.Name).Msg("invalid warm schedule, skipping")
			continue
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	var adminServer *http.Server
	if cfg.AdminAddr != "" {
		var history admin.HistorySource
		if auditLogger != nil {
			history = auditLogger
		}
		adminServer = &http.Server{
			Addr:         cfg.AdminAddr,
			Handler:      admin.New(controllers, history, log),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 0, // the /events endpoint streams indefinitely
			IdleTimeout:  60 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", cfg.AdminAddr).Msg("admin server listening")
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin server exited unexpectedly")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	started := time.Now()
	<-sigCh
	log.Info().Str("uptime", humanize.Time(started)).Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	cancel()

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown grace period elapsed, exiting anyway")
	}
	return nil
}

func printBanner(runID string) {
	banner := color.New(color.FgCyan, color.Bold)
	banner.Fprintf(os.Stderr, "wakeproxyd starting (run %s)\n", runID)
}
