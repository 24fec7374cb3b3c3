package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels/dingtalk"
	"github.com/wkin-t/dingtalk-ai-bot/internal/channels/wecom"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/gateway"
	"github.com/wkin-t/dingtalk-ai-bot/internal/httpx"
	"github.com/wkin-t/dingtalk-ai-bot/internal/media"
	"github.com/wkin-t/dingtalk-ai-bot/internal/metrics"
	"github.com/wkin-t/dingtalk-ai-bot/internal/orchestrator"
	"github.com/wkin-t/dingtalk-ai-bot/internal/relay"
	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
	"github.com/wkin-t/dingtalk-ai-bot/internal/telemetry"
	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

const shutdownGrace = 20 * time.Second

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			slog.Info("no config file found; run `gembot onboard` to create one")
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// serve wires every component and runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	outbound, err := httpx.NewClient(cfg.Outbound, otel.GetTracerProvider())
	if err != nil {
		return err
	}

	m := metrics.New()
	sessStore, err := openStore(cfg.Sessions)
	if err != nil {
		return err
	}
	defer sessStore.Close()
	memory := sessions.NewMemory(sessStore, m.StoreError)

	msgBus := bus.New(0)
	limiter := channels.NewKeyedRateLimiter(cfg.Gateway.RateLimitRPM)

	mgr := channels.NewManager()
	var callbacks []gateway.Callback
	var pusher gateway.Pusher
	if cfg.Channels.DingTalk.Enabled {
		dt := dingtalk.New(cfg.Channels.DingTalk, cfg.Bot.Name, msgBus, outbound, httpx.PolicyFrom(cfg.Outbound))
		mgr.Register(dt)
		pusher = dt
	}
	if cfg.Channels.WeCom.Enabled {
		wc, err := wecom.New(cfg.Channels.WeCom, cfg.Bot.Name, msgBus, outbound, limiter)
		if err != nil {
			return err
		}
		mgr.Register(wc)
		callbacks = append(callbacks, gateway.Callback{Path: wc.CallbackPath(), Handler: wc})
	}
	if len(mgr.Platforms()) == 0 {
		return errors.New("no platform enabled: set channels.dingtalk.enabled or channels.wecom.enabled")
	}

	provider, decider, err := newBackend(cfg, outbound)
	if err != nil {
		return err
	}
	tools, closeTools := newMediaTools(ctx, cfg.Media)
	defer closeTools()

	orch := orchestrator.New(orchestrator.ConfigFrom(cfg), orchestrator.Deps{
		Memory:   memory,
		Router:   decider,
		Relay:    relay.New(provider, relay.Options{Throttle: cfg.Relay.Throttle(), ChunkTimeout: cfg.Relay.ChunkTimeout()}),
		Adapters: mgr,
		Media:    media.NewResolver(cfg.Media, tools),
		Events:   msgBus,
		Metrics:  m,
	})

	pushAllow, err := cfg.Gateway.PushPrefixes()
	if err != nil {
		return err
	}
	server := gateway.NewServer(gateway.Options{
		Config:    cfg.Gateway,
		Version:   Version,
		Sessions:  sessStore,
		Events:    msgBus,
		Metrics:   m.Handler(),
		Callbacks: callbacks,
		Clear:     orch.Reset,
		Push:      pusher,
		PushAllow: pushAllow,
	})

	slog.Info("gembot gateway starting",
		"version", Version,
		"platforms", mgr.Platforms(),
		"backend", cfg.Backend,
		"sessions", cfg.Sessions.Backend,
		"router", cfg.Router.Mode,
		"flash", cfg.Gemini.FlashModel,
		"pro", cfg.Gemini.ProModel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		orch.Run(gctx, msgBus)
		return nil
	})
	if cfg.Sessions.SweepSchedule != "" {
		sweeper, err := sessions.NewSweeper(sessStore, cfg.Sessions.SweepSchedule, m.SweptSessions)
		if err != nil {
			return err
		}
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}
	if err := mgr.StartAll(gctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	<-gctx.Done()
	slog.Info("graceful shutdown initiated")
	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	mgr.StopAll(sctx)
	if err := orch.Close(sctx); err != nil {
		slog.Warn("turns still running at shutdown were cancelled", "error", err)
	}
	return g.Wait()
}
