package redis

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/joho/godotenv"

	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store/storetest"
)

func TestContract(t *testing.T) {
	_, file, _, _ := runtime.Caller(0)
	_ = godotenv.Load(filepath.Join(filepath.Dir(file), "..", "..", "..", ".env.test"))
	url := os.Getenv("GEMBOT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GEMBOT_TEST_REDIS_URL not set")
	}

	storetest.Run(t, func(t *testing.T, opts store.Options) store.SessionStore {
		s, err := NewFromURL(url, opts)
		if err != nil {
			t.Fatalf("NewFromURL: %v", err)
		}
		if err := s.Client().FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
