package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/Aikoze/b2-smime-service/internal/metrics"
	"github.com/Aikoze/b2-smime-service/internal/server"
	"github.com/Aikoze/b2-smime-service/pkg/b2"
)

const shutdownTimeout = 30 * time.Second

// Serve runs the HTTP service until SIGINT or SIGTERM.
func Serve(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	cfg := env.config

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	store, closer, err := env.store(ctx, m)
	if err != nil {
		return err
	}
	defer closer()
	m.WatchCache(store.Len)

	env.seedInline(store)
	loaded := store.Preload(ctx)
	env.logger.Info().Int("certificates", loaded).Strs("organismes", store.Codes()).Msg("certificate cache ready")

	var opts []b2.Option
	if cfg.Message.CipherID != "" {
		opts = append(opts, b2.WithCipherID(cfg.Message.CipherID))
	}
	if cfg.Message.MessageIDDomain != "" {
		opts = append(opts, b2.WithMessageIDDomain(cfg.Message.MessageIDDomain))
	}
	opts = append(opts, b2.WithLogger(env.logger))

	srv, err := server.New(cfg, server.Options{
		Composer:  b2.NewComposer(store, opts...),
		Inventory: store,
		Metrics:   m,
		Logger:    &env.logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	env.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return <-errCh
}

var ServeCommand = cli.Command{
	Name:   "serve",
	Action: Serve,
	Usage:  "Run the HTTP encryption service",
}
