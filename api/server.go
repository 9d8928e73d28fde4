package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/papertrade/core"
	"github.com/web3guy0/papertrade/gateway"
	"github.com/web3guy0/papertrade/storage"
	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP API - Position lifecycle, account, stats and the event stream
// ═══════════════════════════════════════════════════════════════════════════════

// Positions is the lifecycle surface the handlers call
type Positions interface {
	Create(ctx context.Context, req core.CreateRequest) (*types.Position, error)
	List(ctx context.Context, userID string, status types.Status) ([]types.Position, error)
	Get(ctx context.Context, userID, id string) (*types.Position, error)
	UpdateBrackets(ctx context.Context, userID, id string, upd core.BracketUpdate) (*types.Position, error)
	Close(ctx context.Context, userID, id string, price decimal.NullDecimal) (*types.Position, error)
}

// Accounts reads paper balances
type Accounts interface {
	GetAccount(ctx context.Context, userID string) (*storage.Account, error)
}

// Stream accepts websocket subscribers
type Stream interface {
	Connect(userID string, t gateway.Transport) (*gateway.Conn, error)
	Len() int
}

// Pinger reports store health
type Pinger interface {
	Ping() error
}

// IdentityFunc extracts the caller's user id from a request
type IdentityFunc func(r *http.Request) string

// HeaderIdentity reads X-User-ID, falling back to the user_id query
// parameter since browsers cannot set headers on websocket upgrades
func HeaderIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

// Config configures the HTTP server
type Config struct {
	Addr           string
	AllowedOrigins []string
	Identity       IdentityFunc
}

// Deps are the components behind the API
type Deps struct {
	Positions Positions
	Accounts  Accounts
	Stream    Stream
	Engine    *core.Engine
	Store     Pinger
}

// Server serves the HTTP surface
type Server struct {
	cfg      Config
	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader
	decoder  *schema.Decoder
	srv      *http.Server
}

// NewServer builds the router
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Identity == nil {
		cfg.Identity = HeaderIdentity
	}

	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		decoder: decoder,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/positions", s.handleCreate).Methods(http.MethodPost)
	v1.HandleFunc("/positions", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{id}", s.handleUpdate).Methods(http.MethodPatch)
	v1.HandleFunc("/positions/{id}/close", s.handleClose).Methods(http.MethodPost)
	v1.HandleFunc("/account", s.handleAccount).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	return r
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background. Listener errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("🌐 HTTP API listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// Shutdown releases the listener and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// logRequests leaves the ResponseWriter untouched so websocket upgrades
// can still hijack it
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}
