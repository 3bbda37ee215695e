package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/franksops/docferry/channel"
	"github.com/franksops/docferry/cleanup"
	"github.com/franksops/docferry/config"
	"github.com/franksops/docferry/server"
	"github.com/franksops/docferry/transfer"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	registry := cleanup.New(a.logger)
	defer registry.Stop()

	hub := channel.NewHub(a.logger)
	defer hub.Close()

	senders := []channel.Sender{hub}
	if a.cfg.Logger.Level == "debug" || a.cfg.Logger.Level == "trace" {
		senders = append(senders, transfer.LogSender{Logger: a.logger})
	}

	if a.cfg.Redis.Enabled() {
		client, err := redisClient(a.cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		relay := channel.NewRedisRelay(client, a.cfg.Redis.ChannelPrefix, 0, a.logger)
		defer relay.Close()
		senders = append(senders, relay)
		a.logger.WithField("addr", a.cfg.Redis.Addr).Info("Relaying events to redis")
	}

	orch, err := a.orchestrator(ctx, channel.Fanout(senders...), st, registry)
	if err != nil {
		return err
	}

	srv := server.New(ctx, a.cfg, orch,
		server.WithHub(hub),
		server.WithStore(st),
		server.WithLogger(a.logger),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// redisClient accepts either a redis:// URL or a host:port address.
func redisClient(cfg *config.Redis) (*redis.Client, error) {
	if strings.Contains(cfg.Addr, "://") {
		return channel.NewRedisClient(cfg.Addr)
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}
