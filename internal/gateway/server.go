// Package gateway serves the inbound HTTP surface: health, metrics, the
// platform callbacks, the admin sessions API and the /ws event tap.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
	"github.com/wkin-t/dingtalk-ai-bot/pkg/protocol"
)

// Callback is a platform webhook mounted for GET and POST.
type Callback struct {
	Path    string
	Handler http.Handler
}

// Options are the collaborators of a Server. Every field but Config is
// optional; the matching routes are simply not mounted.
type Options struct {
	Config    config.GatewayConfig
	Version   string
	Sessions  store.SessionStore
	Events    bus.EventPublisher
	Metrics   http.Handler
	Callbacks []Callback
	// Clear, when set, is called instead of Sessions.Clear so in-flight
	// turns are cancelled along with the history.
	Clear func(ctx context.Context, key string) error
	// Push, when set, mounts the operator push endpoint. PushAllow limits
	// callers by address; empty allows any.
	Push      Pusher
	PushAllow []netip.Prefix
}

// Server is the gin-backed gateway.
type Server struct {
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader
	hub      *hub
	started  time.Time

	httpServer *http.Server
}

// NewServer builds the router. Call Start to listen.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{opts: opts, started: time.Now()}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	if opts.Events != nil {
		s.hub = newHub(opts.Events)
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	if len(s.opts.Config.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.opts.Config.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET(protocol.RouteHealth, s.handleHealth)
	if s.opts.Metrics != nil {
		r.GET(protocol.RouteMetrics, gin.WrapH(s.opts.Metrics))
	}
	for _, cb := range s.opts.Callbacks {
		h := gin.WrapH(cb.Handler)
		r.GET(cb.Path, h)
		r.POST(cb.Path, h)
	}

	if s.opts.Sessions != nil {
		api := r.Group(protocol.RouteSessions, s.requireToken)
		api.GET("/:key", s.handleGetSession)
		api.DELETE("/:key", s.handleClearSession)
	}
	if s.opts.Push != nil {
		r.POST(protocol.RoutePush, s.requirePushAuth, s.handlePush)
	}
	if s.hub != nil {
		r.GET(protocol.RouteEvents, s.requireToken, s.handleEvents)
	}
	return r
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Config.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.closeAll()
		}
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.opts.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// requireToken enforces the bearer token. With no token configured the
// admin surface is closed entirely.
func (s *Server) requireToken(c *gin.Context) {
	want := s.opts.Config.Token
	if want == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled: no gateway token configured"})
		return
	}
	got := bearer(c)
	if got == "" {
		got = c.Query("token") // browsers cannot set headers on a websocket upgrade
	}
	if !tokenEqual(got, want) {
		slog.Warn("security.unauthorized", "path", c.FullPath(), "ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func bearer(c *gin.Context) string {
	return strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
}

// tokenEqual compares in constant time.
func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// checkOrigin validates the websocket Origin against the allowlist. An
// empty allowlist or a missing Origin (non-browser client) is accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.opts.Config.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(start))
	}
}
