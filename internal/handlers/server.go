// internal/handlers/server.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jason-s-yu/roundhouse/internal/admission"
	"github.com/jason-s-yu/roundhouse/internal/config"
	"github.com/jason-s-yu/roundhouse/internal/metrics"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/jason-s-yu/roundhouse/internal/reconcile"
	"github.com/jason-s-yu/roundhouse/internal/round"
	"github.com/jason-s-yu/roundhouse/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Reconciler runs a reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.Report, error)
}

// Server holds everything the HTTP and websocket handlers need.
type Server struct {
	engine     *round.Engine
	store      store.Store
	limiter    admission.Limiter
	reconciler Reconciler
	rooms      map[models.RoundKey]bool

	logger         *logrus.Logger
	metrics        *metrics.Metrics
	heartbeat      time.Duration
	messageRate    rate.Limit
	messageBurst   int
	origins        []string
	health         map[string]metrics.HealthFunc
	metricsHandler http.Handler
}

// Option customizes a Server.
type Option func(*Server)

func WithLogger(l *logrus.Logger) Option    { return func(s *Server) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }
func WithReconciler(r Reconciler) Option    { return func(s *Server) { s.reconciler = r } }

// WithHeartbeat sets how often a websocket connection renews its admission lease and pings
// the client. It should be well under the lease TTL.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithMessageRate bounds how many bet and advisory messages one websocket connection may
// send: one every interval, with bursts of up to burst.
func WithMessageRate(interval time.Duration, burst int) Option {
	return func(s *Server) {
		if interval > 0 && burst > 0 {
			s.messageRate = rate.Every(interval)
			s.messageBurst = burst
		}
	}
}

// WithOrigins sets the allowed browser origins for CORS and websocket upgrades.
func WithOrigins(origins []string) Option { return func(s *Server) { s.origins = origins } }

// WithHealthChecks sets the dependencies probed by /healthz.
func WithHealthChecks(checks map[string]metrics.HealthFunc) Option {
	return func(s *Server) { s.health = checks }
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsHandler = h } }

// NewServer returns handlers serving the configured rooms.
func NewServer(e *round.Engine, st store.Store, limiter admission.Limiter, rooms []config.RoomConfig, opts ...Option) *Server {
	s := &Server{
		engine:    e,
		store:     st,
		limiter:   limiter,
		rooms:     make(map[models.RoundKey]bool, len(rooms)),
		logger:    logrus.StandardLogger(),
		heartbeat: 30 * time.Second,

		messageRate:  rate.Every(100 * time.Millisecond),
		messageBurst: 10,
		origins:      []string{"*"},
	}
	for _, rc := range rooms {
		s.rooms[rc.Key()] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewTest()
	}
	if s.health == nil {
		s.health = map[string]metrics.HealthFunc{"store": s.store.Ping}
	}
	if s.metricsHandler == nil {
		s.metricsHandler = metrics.Handler()
	}
	return s
}
