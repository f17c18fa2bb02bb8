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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperengineering/ledgersync"
	"github.com/hyperengineering/ledgersync/internal/identity"
	"github.com/hyperengineering/ledgersync/internal/logger"
	"github.com/hyperengineering/ledgersync/internal/server"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "ledgersyncd",
	Short: "Change-log replication daemon for per-account ledger replicas",
	Long: `ledgersyncd keeps disconnected ledger clients eventually consistent with
their per-account server-side replicas. Devices push captured changes over an
authenticated sync session and pull them back with an ordered log cursor.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := ledgersync.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(cfg.Log.Env, cfg.Log.Level, "ledgersyncd")
	defer log.Sync() //nolint:errcheck

	store, err := openIdentityStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := identity.NewCache(cfg.Cache.Kind, cfg.Cache.Redis.Addr, cfg.Cache.Redis.DB, cfg.Cache.Redis.Prefix)
	if err != nil {
		return err
	}

	issuer := identity.NewTokenIssuer([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenTTL)
	ids := identity.NewService(store, issuer, cache)

	registry := ledgersync.NewRegistry(cfg.Storage.DataDir)
	defer registry.Close()

	engine := ledgersync.NewEngine(registry, log)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(engine, registry, ids, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		errc <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func openIdentityStore(cfg ledgersync.Config) (identity.Store, error) {
	switch cfg.Storage.Identity.Driver {
	case "sqlite":
		return identity.OpenSQLite(cfg.Storage.Identity.Path)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return identity.OpenPostgres(ctx, cfg.Storage.Identity.DSN)
	default:
		return nil, fmt.Errorf("unknown identity driver %q", cfg.Storage.Identity.Driver)
	}
}
