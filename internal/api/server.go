// Package api exposes game sessions over HTTP.
//
// Routes live under /api/v1. Chat events are pushed over a websocket, and
// ad-hoc speech is streamed as server-sent events. Health probes and the
// Prometheus scrape endpoint are mounted at the root.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/MrWong99/jubensha/internal/app"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/health"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/gin-gonic/gin"
)

// DefaultRunTimeout bounds a phase run started with async=true.
const DefaultRunTimeout = 30 * time.Minute

// Sessions is the session registry the handlers work on.
// *app.SessionManager satisfies it.
type Sessions interface {
	Create(ctx context.Context, req app.CreateRequest) (*app.Session, error)
	Get(id string) (*app.Session, error)
	List() []app.SessionInfo
	Stop(ctx context.Context, id string) error
}

// Subscriptions serves live chat events over a websocket.
type Subscriptions interface {
	ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, sessionID string) error
}

// ChatHistory returns recent chat events retained outside the process.
type ChatHistory interface {
	History(ctx context.Context, sessionID string, limit int) ([]game.ChatEvent, error)
}

var _ Sessions = (*app.SessionManager)(nil)

// Server holds the HTTP handlers.
type Server struct {
	sessions       Sessions
	subs           Subscriptions
	history        ChatHistory
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	mediaPrefix    string
	mediaDir       string
	runTimeout     time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithSubscriptions enables the websocket route.
func WithSubscriptions(s Subscriptions) Option {
	return func(srv *Server) { srv.subs = s }
}

// WithChatHistory makes the chat route read from h instead of the
// in-memory log.
func WithChatHistory(h ChatHistory) Option {
	return func(srv *Server) { srv.history = h }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(srv *Server) { srv.health = h }
}

// WithMetrics overrides [observe.DefaultMetrics] for the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metricsHandler = h }
}

// WithMedia serves files from dir under prefix. Used with the local blob
// store.
func WithMedia(prefix, dir string) Option {
	return func(srv *Server) {
		srv.mediaPrefix = prefix
		srv.mediaDir = dir
	}
}

// WithRunTimeout bounds background phase runs. Default: [DefaultRunTimeout].
func WithRunTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.runTimeout = d
		}
	}
}

// New returns a Server backed by sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:   sessions,
		runTimeout: DefaultRunTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), observe.Middleware(s.metrics))

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.metricsHandler))
	}
	if s.mediaDir != "" && s.mediaPrefix != "" {
		r.Static(s.mediaPrefix, s.mediaDir)
	}

	v1 := r.Group("/api/v1")
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions", s.listSessions)

	sess := v1.Group("/sessions/:id")
	sess.GET("", s.getSession)
	sess.DELETE("", s.stopSession)
	sess.POST("/phases/:phase/run", s.runPhase)
	sess.POST("/evidence", s.addEvidence)
	sess.GET("/chat", s.chat)
	sess.GET("/tts", s.ttsHistory)
	sess.GET("/tts/stream", s.streamTTS)
	if s.subs != nil {
		sess.GET("/ws", s.websocket)
	}
	return r
}
