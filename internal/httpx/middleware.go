package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Logging logs each round trip at debug level. With bodies set, JSON request
// bodies up to 2KB are included.
func Logging(bodies bool) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			attrs := []any{"method", req.Method, "host", req.URL.Host, "path", req.URL.Path}
			if bodies && req.GetBody != nil {
				if b, err := req.GetBody(); err == nil {
					raw, _ := io.ReadAll(io.LimitReader(b, 2048))
					b.Close()
					attrs = append(attrs, "body", string(raw))
				}
			}
			resp, err := next.RoundTrip(req)
			attrs = append(attrs, "duration", time.Since(start))
			if err != nil {
				slog.Debug("outbound request failed", append(attrs, "error", err)...)
				return nil, err
			}
			slog.Debug("outbound request", append(attrs, "status", resp.StatusCode)...)
			return resp, nil
		})
	}
}

// Tracing starts a client span per request and propagates its context.
func Tracing(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	tracer := tp.Tracer("github.com/wkin-t/dingtalk-ai-bot/internal/httpx")
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			ctx, span := tracer.Start(req.Context(), "HTTP "+req.Method,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("server.address", req.URL.Host),
					attribute.String("url.path", req.URL.Path),
				))
			defer span.End()

			req = req.Clone(ctx)
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
			resp, err := next.RoundTrip(req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= 400 {
				span.SetStatus(codes.Error, strconv.Itoa(resp.StatusCode))
			}
			return resp, nil
		})
	}
}

type extrasKey struct{}

// WithJSONExtras attaches fields to merge into the JSON body of requests
// made with ctx. Client libraries that cannot express vendor fields (such as
// Gemini's extra_body) get them this way. Extras already on ctx are kept;
// top-level keys in extras replace theirs.
func WithJSONExtras(ctx context.Context, extras map[string]any) context.Context {
	if len(extras) == 0 {
		return ctx
	}
	if prev, ok := ctx.Value(extrasKey{}).(map[string]any); ok {
		merged := make(map[string]any, len(prev)+len(extras))
		for k, v := range prev {
			merged[k] = v
		}
		for k, v := range extras {
			merged[k] = v
		}
		extras = merged
	}
	return context.WithValue(ctx, extrasKey{}, extras)
}

// JSONExtras merges context extras into outgoing JSON object bodies.
func JSONExtras() Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			extras, _ := req.Context().Value(extrasKey{}).(map[string]any)
			if extras == nil || req.Body == nil || !strings.Contains(req.Header.Get("Content-Type"), "json") {
				return next.RoundTrip(req)
			}
			raw, err := io.ReadAll(req.Body)
			req.Body.Close()
			if err != nil {
				return nil, err
			}
			merged, err := MergeJSON(raw, extras)
			if err != nil {
				merged = raw
			}
			r := req.Clone(req.Context())
			r.Body = io.NopCloser(bytes.NewReader(merged))
			r.ContentLength = int64(len(merged))
			r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(merged)), nil }
			return next.RoundTrip(r)
		})
	}
}

// MergeJSON deep-merges extras into the JSON object raw.
func MergeJSON(raw []byte, extras map[string]any) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	deepMerge(body, extras)
	return json.Marshal(body)
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				deepMerge(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}
