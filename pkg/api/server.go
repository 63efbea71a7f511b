package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelmint/gatekeeper/pkg/cache"
	"github.com/pixelmint/gatekeeper/pkg/events"
	"github.com/pixelmint/gatekeeper/pkg/identity"
	"github.com/pixelmint/gatekeeper/pkg/monitor"
	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// ServerConfig holds the HTTP surface configuration.
type ServerConfig struct {
	Addr         string
	ServiceToken string
}

// Server is the HTTP surface: the authorize endpoint, the invalidation
// hooks for the mutation layer, the event feed, and the monitoring
// endpoints.
type Server struct {
	router       *mux.Router
	http         *http.Server
	orch         *cache.Orchestrator
	dispatcher   *events.Dispatcher
	identity     *identity.Resolver
	logger       *observability.Logger
	serviceToken string
}

// NewServer wires the routes. identity may be nil, which restricts the
// authorize endpoint to service-token callers.
func NewServer(
	config ServerConfig,
	orch *cache.Orchestrator,
	dispatcher *events.Dispatcher,
	ident *identity.Resolver,
	recorder *monitor.Recorder,
	alerter *monitor.Alerter,
	health *observability.HealthChecker,
	registry *prometheus.Registry,
	logger *observability.Logger,
) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s := &Server{
		router:       mux.NewRouter(),
		orch:         orch,
		dispatcher:   dispatcher,
		identity:     ident,
		logger:       logger,
		serviceToken: config.ServiceToken,
	}

	s.router.Use(requestIDMiddleware(logger))

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)

	mutating := v1.NewRoute().Subrouter()
	mutating.Use(serviceAuthMiddleware(config.ServiceToken))
	mutating.HandleFunc("/invalidate/users/{id}", s.handleInvalidateUser).Methods(http.MethodPost)
	mutating.HandleFunc("/invalidate/resources/{id}", s.handleInvalidateResource).Methods(http.MethodPost)
	mutating.HandleFunc("/invalidate/teams/{id}", s.handleInvalidateTeam).Methods(http.MethodPost)
	mutating.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)

	v1.HandleFunc("/monitor/stats", monitor.StatsHandler(recorder)).Methods(http.MethodGet)
	v1.HandleFunc("/monitor/alerts", monitor.AlertsHandler(alerter)).Methods(http.MethodGet)

	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if health != nil {
		s.router.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	}

	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
