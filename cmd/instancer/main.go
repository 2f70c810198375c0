// Command instancer serves per-user CTF challenge instances: it
// authenticates players against Discord, drives operator-provided deployer
// scripts through a bounded worker pool, and streams instance state to the
// dashboard over websockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/unitedctf/instancer/internal/auth"
	"github.com/unitedctf/instancer/internal/bus"
	"github.com/unitedctf/instancer/internal/catalog"
	"github.com/unitedctf/instancer/internal/config"
	"github.com/unitedctf/instancer/internal/deploy"
	"github.com/unitedctf/instancer/internal/gateway"
	"github.com/unitedctf/instancer/internal/metrics"
	"github.com/unitedctf/instancer/internal/store"
	"github.com/unitedctf/instancer/internal/web"
)

// busBuffer is the per-session update buffer. Sessions that lag behind by
// more than this many updates lose the oldest ones.
const busBuffer = 64

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(log, *configPath); err != nil {
		log.Error("exiting on fatal error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.FilePath, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("couldn't close store", "error", err)
		}
	}()

	cat := catalog.Load(cfg, log)
	m := metrics.New()
	b := bus.New[deploy.Update](busBuffer)

	pool := deploy.NewPool(deploy.NewPoolParams{
		Store:    st,
		Catalog:  cat,
		Runner:   deploy.NewRunner(cfg.Settings.DeployTimeout, log),
		Bus:      b,
		Metrics:  m,
		Messages: cfg.Messages,
		Workers:  int(cfg.Settings.WorkerCount),
		Logger:   log,
	})
	if err := pool.Recover(ctx); err != nil {
		return fmt.Errorf("recover persisted state: %w", err)
	}

	authn := auth.NewAuthenticator(auth.NewAuthenticatorParams{
		Store:         st,
		Discord:       cfg.Discord,
		SessionSecret: cfg.Settings.SessionSecret,
		Logger:        log,
	})
	gw := gateway.NewGateway(gateway.NewGatewayParams{
		Store:    st,
		Catalog:  cat,
		Pool:     pool,
		Bus:      b,
		Metrics:  m,
		Messages: cfg.Messages,
		Settings: cfg.Settings,
		Logger:   log,
	})
	srv := web.NewServer(web.NewServerParams{
		Auth:     authn,
		Gateway:  gw,
		Metrics:  m,
		Settings: cfg.Settings,
		Logger:   log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	// The pool has drained; lingering websocket sessions can go now.
	if cerr := srv.Close(); cerr != nil {
		log.Warn("couldn't close http server", "error", cerr)
	}
	if err != nil {
		return err
	}

	log.Info("shutdown complete")
	return nil
}
