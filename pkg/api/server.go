package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/membership"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// maxRequestBytes caps administrative and decision request bodies
const maxRequestBytes = 1 << 20

// Services are the engine components the API serves
type Services struct {
	Registry  *rbac.Registry
	Members   *membership.Service
	Evaluator *authz.Evaluator
	Sessions  *impersonation.Manager
	Decisions audit.Source
	// Archiver is optional; without it archive requests get 503
	Archiver *audit.Archiver
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithActorHeader sets the header the gateway puts the authenticated user in
func WithActorHeader(header string) Option {
	return func(s *Server) { s.actorHeader = header }
}

// WithMiddleware adds middleware around every route, outermost first
func WithMiddleware(mws ...mux.MiddlewareFunc) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mws...) }
}

// WithAdminMiddleware adds middleware around the administrative routes only.
// It runs after the caller identity is known.
func WithAdminMiddleware(mws ...mux.MiddlewareFunc) Option {
	return func(s *Server) { s.adminMiddleware = append(s.adminMiddleware, mws...) }
}

// Server is the HTTP API
type Server struct {
	svc             Services
	router          *mux.Router
	logger          logrus.FieldLogger
	actorHeader     string
	middleware      []mux.MiddlewareFunc
	adminMiddleware []mux.MiddlewareFunc
}

// NewServer creates the API and registers its routes
func NewServer(svc Services, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.middleware...)
	s.router.Use(mux.MiddlewareFunc(httputil.JSONBody(maxRequestBytes)))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpNotFound(w)
	})

	// Decision endpoint: the actor is in the body, not the gateway header
	s.router.HandleFunc("/v1/authorize", s.authorize).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/v1").Subrouter()
	admin.Use(mux.MiddlewareFunc(middleware.Actor(s.actorHeader)))
	admin.Use(s.adminMiddleware...)

	s.registerCatalogRoutes(admin)
	s.registerDirectoryRoutes(admin)
	s.registerImpersonationRoutes(admin)
	s.registerAuditRoutes(admin)
}

// guarded registers h behind authz.Guard for action
func (s *Server) guarded(r *mux.Router, method, path, action string, target authz.TargetFunc, h http.HandlerFunc) {
	r.Handle(path, authz.Guard(s.svc.Evaluator, action, target)(h)).Methods(method)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) log(r *http.Request) logrus.FieldLogger {
	return observability.LoggerFromContext(r.Context(), s.logger)
}
