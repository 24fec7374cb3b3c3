package cmd

import (
	"fmt"
	"log/slog"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/file"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/memory"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/pg"
	redisstore "github.com/wkin-t/dingtalk-ai-bot/internal/store/redis"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/sqlite"
)

func storeOptions(cfg config.SessionsConfig) store.Options {
	return store.Options{
		ContextCap: cfg.ContextCap,
		StorageCap: cfg.StorageCap,
		TTL:        cfg.TTL(),
	}
}

// openStore selects the session backend named by cfg.Backend.
func openStore(cfg config.SessionsConfig) (store.SessionStore, error) {
	opts := storeOptions(cfg)
	path := config.ExpandHome(cfg.Path)

	var (
		s   store.SessionStore
		err error
	)
	switch cfg.Backend {
	case "memory":
		s = memory.New(opts)
	case "file":
		s, err = file.New(path, opts)
	case "", "sqlite":
		s, err = sqlite.Open(path, opts)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("sessions backend postgres needs GEMBOT_POSTGRES_DSN")
		}
		s, err = pg.Open(cfg.PostgresDSN, opts)
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("sessions backend redis needs GEMBOT_REDIS_URL")
		}
		s, err = redisstore.NewFromURL(cfg.RedisURL, opts)
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s session store: %w", cfg.Backend, err)
	}
	slog.Info("session store ready", "backend", cfg.Backend, "context_cap", opts.ContextCap, "storage_cap", opts.StorageCap, "ttl", opts.TTL)
	return s, nil
}
