package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/gitwatch"
	"github.com/stackwatch/stackwatch/internal/health"
	"github.com/stackwatch/stackwatch/internal/notify"
	"github.com/stackwatch/stackwatch/internal/orchestrator"
	"github.com/stackwatch/stackwatch/internal/recipe"
	"github.com/stackwatch/stackwatch/internal/reconciler"
	"github.com/stackwatch/stackwatch/internal/registrywatch"
)

func newRunCmd(configPath, logLevel *string) *cobra.Command {
	var baseDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciler loop until a shutdown signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconciler(cmd.Context(), *configPath, *logLevel, baseDir)
		},
	}
	cmd.Flags().StringVar(&baseDir, "base-dir", "/var/lib/stackwatch", "base directory for git working copies and scratch directories")
	return cmd
}

func runReconciler(ctx context.Context, configPath, logLevelOverride, baseDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Main.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
	slog.SetDefault(logger)

	git := gitwatch.New(baseDir)
	registries := registrywatch.New(cfg.Main.DockerPrivateRegistries)
	recipeEngine := recipe.New(git, baseDir)

	orchestrators := make([]reconciler.OrchestratorClient, 0, len(cfg.Main.Portainer))
	for _, o := range cfg.Main.Portainer {
		orchestrators = append(orchestrators, orchestrator.New(o))
	}

	dispatcher := buildDispatcher(logger, cfg.Main.Notifications)

	state := &reconciler.DeploymentState{}
	recon := reconciler.New(reconciler.Options{
		Config:        cfg,
		Git:           git,
		Registries:    registries,
		Recipe:        recipeEngine,
		Orchestrators: orchestrators,
		Notifier:      dispatcher,
		State:         state,
		Logger:        logger,
	})

	healthSrv := health.New(cfg.Main, cfg.REST, recon, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recon.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		return healthSrv.Shutdown(shutdownCtx)
	})
	g.Go(healthSrv.ListenAndServe)

	logger.Info("stackwatch started", "version", version)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

const shutdownGrace = 10 * time.Second

func buildDispatcher(logger *slog.Logger, notifications []config.Notification) *notify.Dispatcher {
	var notifiers []notify.Notifier
	for _, n := range notifications {
		if !n.Enabled {
			continue
		}
		switch n.Service {
		case config.ServiceMattermost:
			name := n.ChannelID
			if name == "" {
				name = "default"
			}
			notifiers = append(notifiers, notify.NewMattermost(name, n.URL, n.Message))
		default:
			logger.Warn("skipping notification with unrecognized service", "service", n.Service.String())
		}
	}
	return notify.NewDispatcher(logger, notifiers...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
