package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/kazoe/kazad/internal/logger"
	"github.com/kazoe/kazad/pkg/bundle"
	"github.com/kazoe/kazad/pkg/config"
	"github.com/kazoe/kazad/pkg/control"
	"github.com/kazoe/kazad/pkg/database"
	"github.com/kazoe/kazad/pkg/metrics"
	"github.com/kazoe/kazad/pkg/pki"
	"github.com/kazoe/kazad/pkg/registry"
	"github.com/kazoe/kazad/pkg/server"
	"github.com/kazoe/kazad/pkg/settings"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kazad server",
	Long: `Start the kazad server with the specified configuration.

The server runs in the foreground; under systemd it notifies readiness
once all listeners are up.

Examples:
  # Start with the default config file
  kazad start

  # Start with a custom config file
  kazad start --config /etc/kazad.conf

  # Start with environment variable overrides
  KAZAD_LOGGING_LEVEL=DEBUG kazad start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting kazad", "version", Version)
	logger.Info("configuration loaded", logger.KeyPath, configSource())

	reg := registry.Init()
	defer registry.Reset()

	store, err := settings.Open(filepath.Join(cfg.Storage.Path, "settings"))
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("settings store close failed", logger.KeyError, err.Error())
		}
	}()

	authority := pki.NewAuthority(cfg.Storage.Path, cfg.SSL.Hostname, cfg.SSL.KeyPassword)
	if err := authority.EnsureServerCredentials(); err != nil {
		return fmt.Errorf("failed to prepare server credentials: %w", err)
	}
	serverTLS, err := authority.ServerTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to load server TLS configuration: %w", err)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database bridge: %w", err)
	}
	if db != nil {
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("database close failed", logger.KeyError, err.Error())
			}
		}()
		logger.Info("database bridge enabled", "driver", cfg.Database.Driver)
	}

	var collectors *metrics.Collectors
	if cfg.Metrics.Enabled {
		collectors = metrics.New()
	}

	mgr := server.New(server.Config{Port: cfg.SSL.Port},
		serverTLS, reg, bundle.New(cfg.QML.Client), db, collectors)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- mgr.Serve(ctx)
	}()

	controlDone := make(chan error, 1)
	var ctl *control.Server
	if cfg.Control.Enable {
		controlTLS, err := authority.ControlTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to load control TLS configuration: %w", err)
		}
		ctl = control.New(control.Config{
			Port:           cfg.Control.Port,
			Password:       cfg.Control.Password,
			AdvertisedHost: cfg.Client.Host,
			AdvertisedPort: cfg.SSL.Port,
		}, controlTLS, reg, authority, mgr, collectors)

		go func() {
			controlDone <- ctl.Serve(ctx)
		}()
	}

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(collectors, cfg.Metrics.Port)
		go func() {
			if err := ms.Start(); err != nil {
				logger.Error("metrics server failed", logger.KeyError, err.Error())
			}
		}()
		defer func() {
			if err := ms.Stop(context.Background()); err != nil {
				logger.Warn("metrics server stop failed", logger.KeyError, err.Error())
			}
		}()
	}

	// Block until the listeners are bound, then tell systemd we are up.
	mgr.Addr()
	if ctl != nil {
		ctl.Addr()
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify failed", logger.KeyError, err.Error())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("server is running")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", logger.KeyError, err.Error())
			return err
		}
		if ctl != nil {
			if err := <-controlDone; err != nil {
				logger.Error("control shutdown error", logger.KeyError, err.Error())
				return err
			}
		}
		logger.Info("server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		cancel()
		if err != nil {
			logger.Error("server error", logger.KeyError, err.Error())
			return err
		}
		logger.Info("server stopped")
	}

	return nil
}

func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath
}
