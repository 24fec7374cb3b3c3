package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
)

// RetryPolicy bounds the retry middleware.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay added at random
}

// PolicyFrom reads the policy from config.
func PolicyFrom(cfg config.OutboundConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Jitter:      cfg.Jitter,
	}
}

// Backoff returns the wait before attempt n+1 (n starts at 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseDelay << (n - 1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Retryable reports whether status is worth retrying.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if s, err := strconv.Atoi(v); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

type noRetryKey struct{}

// NoRetry marks requests that must be sent at most once, such as streaming
// completions whose partial output would be duplicated.
func NoRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

// Retry resends requests that fail with 429, 5xx or a transport error.
// Bodies are replayed through GetBody (set by http.NewRequest for in-memory
// readers) or buffered on first use.
func Retry(p RetryPolicy) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if p.MaxAttempts <= 1 || req.Context().Value(noRetryKey{}) != nil {
				return next.RoundTrip(req)
			}
			getBody := req.GetBody
			if req.Body != nil && getBody == nil {
				buf, err := io.ReadAll(req.Body)
				req.Body.Close()
				if err != nil {
					return nil, err
				}
				getBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
			}

			for attempt := 1; ; attempt++ {
				r := req
				if getBody != nil {
					body, err := getBody()
					if err != nil {
						return nil, err
					}
					r = req.Clone(req.Context())
					r.Body = body
				}
				resp, err := next.RoundTrip(r)

				retry := false
				var wait time.Duration
				switch {
				case err != nil:
					retry = !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
				case Retryable(resp.StatusCode):
					retry = true
					wait = ParseRetryAfter(resp.Header.Get("Retry-After"))
				}
				if !retry || attempt >= p.MaxAttempts {
					return resp, err
				}
				if resp != nil {
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
				if wait <= 0 || wait > p.MaxDelay {
					wait = p.Backoff(attempt)
				}
				slog.Debug("outbound retry", "host", req.URL.Host, "attempt", attempt, "wait", wait, "error", err)

				t := time.NewTimer(wait)
				select {
				case <-req.Context().Done():
					t.Stop()
					return nil, req.Context().Err()
				case <-t.C:
				}
			}
		})
	}
}
