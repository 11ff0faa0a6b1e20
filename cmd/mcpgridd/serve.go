// Copyright 2025 The MCPGrid Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mcpgrid/mcpgrid/auth"
	"github.com/mcpgrid/mcpgrid/mcp"
	"github.com/mcpgrid/mcpgrid/redistore"
)

func serveCommand() *cobra.Command {
	var configPath string
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg.Server.LogLevel)

	idle, err := duration(cfg.Server.IdleTimeout, mcp.DefaultIdleTimeout)
	if err != nil {
		return err
	}
	heartbeat, err := duration(cfg.Server.HeartbeatInterval, mcp.DefaultHeartbeatInterval)
	if err != nil {
		return err
	}

	opts := &mcp.ServerOptions{
		Name:              cfg.Server.Name,
		Version:           cfg.Server.Version,
		IdleTimeout:       idle,
		HeartbeatInterval: heartbeat,
		Logger:            log.With(logger, "component", "mcp"),
		Registerer:        prometheus.DefaultRegisterer,
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		opts.SessionStore = redistore.NewSessionStore(rdb, "")
		opts.StreamManager = redistore.NewStreamManager(rdb, nil)
		level.Info(logger).Log("msg", "distributed mode", "redis", cfg.Redis.Addr)
	}

	opts.Middleware = append(opts.Middleware, mcp.LoggingMiddleware(log.With(logger, "component", "dispatch")))
	if cfg.Limits.RPS > 0 {
		opts.Middleware = append(opts.Middleware, mcp.RateLimitMiddleware(rate.Limit(cfg.Limits.RPS), cfg.Limits.Burst))
	}
	if cfg.Auth.Mode == "jwt" {
		opts.Middleware = append(opts.Middleware, auth.SessionPrincipal())
	}

	server := mcp.NewServer(opts)
	defer server.Close()
	registerDemoFeatures(server)

	var mcpHandler http.Handler = mcp.NewStreamableHTTPHandler(server, nil)
	switch cfg.Auth.Mode {
	case "", "none":
	case "jwt":
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required in jwt mode")
		}
		verifier := auth.JWTVerifier(func(*jwt.Token) (any, error) {
			return []byte(cfg.Auth.JWTSecret), nil
		}, &auth.JWTVerifierOptions{Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience})
		mcpHandler = auth.RequireBearerToken(verifier, nil, mcpHandler)
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}

	mux := chi.NewRouter()
	mux.Use(chimiddleware.Recoverer)
	mux.Handle(cfg.Server.Mount, mcpHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		level.Info(logger).Log("msg", "listening", "addr", cfg.Server.Listen, "mount", cfg.Server.Mount)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var filter level.Option
	switch lvl {
	case "debug":
		filter = level.AllowDebug()
	case "warn":
		filter = level.AllowWarn()
	case "error":
		filter = level.AllowError()
	default:
		filter = level.AllowInfo()
	}
	return log.With(level.NewFilter(logger, filter), "ts", log.DefaultTimestampUTC)
}
