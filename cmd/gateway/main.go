// Command gateway serves the guild event gateway.
//
// Configuration comes from the environment (see internal/config) and an
// optional TOML file given with -config. Changes to log_level in that file
// are applied without a restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gateway "github.com/ggoodman/guild-gateway-go"
	"github.com/ggoodman/guild-gateway-go/auth"
	"github.com/ggoodman/guild-gateway-go/guildbus/redisbus"
	"github.com/ggoodman/guild-gateway-go/internal/config"
	"github.com/ggoodman/guild-gateway-go/internal/logctx"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	var lv slog.LevelVar
	lv.Set(level)
	log := slog.New(logctx.Handler{Handler: newHandler(cfg.LogFormat, &lv)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		go func() {
			if err := config.WatchLogLevel(ctx, configPath, &lv, log); err != nil {
				log.WarnContext(ctx, "config.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("connect to redis: %w", err)
	}

	bus, err := redisbus.New(redisbus.Config{
		Client:    client,
		KeyPrefix: cfg.GuildKeyPrefix,
		MaxLen:    cfg.GuildMaxLen,
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	defer bus.Close()

	gwOpts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithPath(cfg.Path),
		gateway.WithTimings(gateway.Timings{
			HeartbeatInterval: cfg.HeartbeatInterval,
			ClientTimeout:     cfg.ClientTimeout,
			IdentifyTimeout:   cfg.IdentifyTimeout,
		}),
	}
	if cfg.Auth.Enabled() {
		authn, err := newAuthenticator(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("configure authentication: %w", err)
		}
		gwOpts = append(gwOpts, gateway.WithAuthenticator(authn))
		if cfg.PublicURL != "" {
			gwOpts = append(gwOpts, gateway.WithResourceMetadata(gateway.ResourceMetadata{
				Resource: cfg.PublicURL,
				Issuers:  []string{cfg.Auth.Issuer},
				JWKSURL:  cfg.Auth.JWKSURL,
				Name:     "guild gateway",
			}))
		}
	}

	gw, err := gateway.New(bus, gwOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.listen", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("server.shutdown", slog.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway.shutdown.incomplete", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newHandler(format string, lv *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{Level: lv}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

func newAuthenticator(ctx context.Context, cfg config.Auth) (auth.Authenticator, error) {
	var opts []auth.TokenOption
	if aud := cfg.Audiences(); len(aud) > 0 {
		opts = append(opts, auth.WithAudience(aud...))
	}
	if cfg.JWKSURL != "" {
		return auth.NewStatic(ctx, cfg.Issuer, cfg.JWKSURL, opts...)
	}
	return auth.NewFromDiscovery(ctx, cfg.Issuer, opts...)
}
