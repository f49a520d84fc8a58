package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ihiteshgupta/update-agent/internal/agent"
	"github.com/ihiteshgupta/update-agent/internal/backend"
	"github.com/ihiteshgupta/update-agent/internal/health"
	"github.com/ihiteshgupta/update-agent/internal/installer"
	"github.com/ihiteshgupta/update-agent/internal/state"
	"github.com/ihiteshgupta/update-agent/internal/store"
	"github.com/ihiteshgupta/update-agent/internal/transport"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the update agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context())
		},
	}
}

func runAgent(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	logger.Info("update agent starting",
		"version", version,
		"config", configPath,
		"server", cfg.ServerURL,
		"log_level", cfg.LogLevel,
	)

	// Ensure data directories exist
	for _, dir := range []string{filepath.Dir(cfg.StorePath), filepath.Dir(cfg.KeyPath), cfg.DownloadDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	// Initialize store
	storeDB, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer storeDB.Close()

	if prev, err := storeDB.State.GetState(parent); err == nil && prev != state.StateInit {
		logger.Info("previous run ended outside Init, restarting from Init", "state", prev)
	}

	identity, err := backend.LoadIdentity(cfg.Identity, cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to load device identity: %w", err)
	}
	codec := backend.NewClient(backend.Config{
		ServerURL:   cfg.ServerURL,
		TenantToken: cfg.TenantToken,
		DeviceType:  cfg.DeviceType,
		DownloadDir: cfg.DownloadDir(),
	}, identity)

	inst := installer.New(cfg.InstallRoot, cfg.ArtifactName)
	if !inst.CanInstall() {
		logger.Warn("install root is not writable, installs will fail", "path", cfg.InstallRoot)
	}

	sm := state.NewMachine()
	hm := health.NewMonitor(cfg, sm)

	client := agent.NewClient(cfg, agent.Deps{
		Transport:   transport.NewHTTPTransport(cfg.RequestTimeout),
		Backend:     codec,
		Credentials: storeDB.Credentials,
		Installer:   inst,
		Machine:     sm,
		Recorder:    storeDB.State,
		Observer:    hm,
		Logger:      logger,
	})
	defer client.Stop()

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := client.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.MetricsEnabled {
		g.Go(func() error {
			return hm.Serve(gctx, fmt.Sprintf(":%d", cfg.MetricsPort))
		})
	}

	err = g.Wait()
	logger.Info("update agent stopped", "state", client.CurrentState())
	return err
}
