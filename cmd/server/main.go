package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/convoline/relay-go/internal/bridge"
	"github.com/convoline/relay-go/internal/config"
	"github.com/convoline/relay-go/internal/observe"
	"github.com/convoline/relay-go/internal/protocol"
	"github.com/convoline/relay-go/internal/ratelimit"
	"github.com/convoline/relay-go/internal/registry"
	"github.com/convoline/relay-go/internal/router"
	"github.com/convoline/relay-go/internal/transport"
	"github.com/convoline/relay-go/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.L().Sugar()

	codec := &protocol.JSONCodec{}

	var bus bridge.PubSub
	if cfg.RedisAddr != "" {
		rb := bridge.NewRedisBus(cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream, cfg.RedisGroup)
		if err := rb.EnsureGroup(context.Background()); err != nil {
			log.Fatalw("redis_bridge_init_failed", "addr", cfg.RedisAddr, "err", err)
		}
		bus = rb
		defer rb.Close()
		log.Infow("bridge_enabled", "stream", cfg.RedisStream, "node", cfg.NodeID)
	}

	reg := registry.New(registry.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		StaleThreshold:    cfg.StaleThreshold,
		WriteTimeout:      cfg.WriteTimeout,
		ResumeWindow:      cfg.ResumeWindow,
		Codec:             codec,
		Bus:               bus,
		NodeID:            cfg.NodeID,
	})

	rt := router.New()
	limiter := ratelimit.NewLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	rt.Use(ratelimit.Middleware(limiter, nil))
	transport.RegisterSystemHandlers(rt, reg, nil)

	srv := &transport.Server{
		Registry:     reg,
		Router:       rt,
		Codec:        codec,
		Path:         cfg.WSPath,
		MaxFrameSize: cfg.MaxFrameSize,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg.StartBackgroundTasks()
	reg.StartBridge(ctx)

	go func() {
		if err := observe.StartHTTP(cfg.ObserveAddr); err != nil && err != http.ErrServerClosed {
			log.Errorw("observe_server_exit", "err", err)
		}
	}()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.Infow("shutdown_signal", "signal", s.String())
		cancel()
	}()

	err := srv.Start(ctx, cfg.ListenAddr)
	if err != nil && err != http.ErrServerClosed {
		log.Errorw("server_exit", "err", err)
	}

	// Drain in order: stop accepting, stop loops, then close every socket
	// with a recoverable code so clients reconnect elsewhere.
	reg.Shutdown()
	log.Infow("shutdown_complete")
}
