// Package web serves the operator dashboard: session status, the
// conversation, usage totals and a live state feed.
package web

import (
	"context"
	"errors"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/pkg/chat"
	"github.com/teslashibe/go-voiceturn/pkg/hub"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/tools"
	"github.com/teslashibe/go-voiceturn/pkg/turn"
)

// maxConversation bounds the entries returned by /api/conversation.
const maxConversation = 100

// Session is the conversation the dashboard reports on.
type Session interface {
	Snapshot() turn.Snapshot
	History() chat.View
	Interrupt()
}

// UsageSource reports running usage totals.
type UsageSource interface {
	Summarize() metrics.UsageSummary
}

// Option configures a Server.
type Option func(*Server)

// WithUsage serves /api/usage from u.
func WithUsage(u UsageSource) Option {
	return func(s *Server) { s.usage = u }
}

// WithTools serves /api/tools from r.
func WithTools(r *tools.Registry) Option {
	return func(s *Server) { s.tools = r }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server is the dashboard HTTP server.
type Server struct {
	app  *fiber.App
	addr string

	session  Session
	usage    UsageSource
	tools    *tools.Registry
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	statusHub *hub.Hub
	ctx       context.Context
}

// NewServer creates a dashboard for session listening on addr.
func NewServer(addr string, session Session, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		session: session,
		logger:  zap.NewNop(),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "web"))
	s.statusHub = hub.New("status", s.logger)

	app := fiber.New(fiber.Config{
		AppName:               "voiceturn dashboard",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/conversation", s.handleConversation)
	api.Get("/usage", s.handleUsage)
	api.Get("/tools", s.handleListTools)
	api.Post("/interrupt", s.handleInterrupt)

	if s.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the status hub.
func (s *Server) Hub() *hub.Hub {
	return s.statusHub
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ctx = ctx
	go s.statusHub.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		errc <- s.app.Listener(ln)
	}()
	s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	if err := s.app.Shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return <-errc
}

// OnStateChange pushes a state transition to /ws/status subscribers. Pass
// it to turn.WithStateListener.
func (s *Server) OnStateChange(sc turn.StateChange) {
	if err := s.statusHub.BroadcastJSON(newStateEvent(sc)); err != nil {
		s.logger.Warn("encode state change", zap.Error(err))
	}
}
