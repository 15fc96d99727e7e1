package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/breaker"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/registry"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
)

// maxRequestBody bounds JSON-RPC request bodies.
const maxRequestBody = 1 << 20 // 1 MB

// heartbeatStateInterval is how often the durable AgentState mirror row is
// refreshed, independent of the registry heartbeat.
const heartbeatStateInterval = 15 * time.Second

// ServerConfig holds everything the HTTP layer needs. Populated in main
// after all components are initialized and passed as a single struct.
type ServerConfig struct {
	Base     *Base
	Addr     string
	BaseURL  string // externally reachable base, e.g. http://retrieval:8001
	APIKey   string
	Registry *registry.Registry
	States   repositories.AgentStateRepository
	Breakers *breaker.Registry
	Database *gorm.DB
	PromReg  *prometheus.Registry
	Logger   *zap.Logger

	// RegistryTTL drives the heartbeat interval (half the TTL).
	RegistryTTL time.Duration
}

// Server is one agent's HTTP face: the JSON-RPC endpoint plus the plain GET
// surface (card, health, discover, metrics).
type Server struct {
	cfg    ServerConfig
	base   *Base
	logger *zap.Logger
	http   *http.Server
}

// NewServer builds the server and its router.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, base: cfg.Base, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Unauthenticated: liveness probe and the agent card.
	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/agent.json", s.handleCard)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.PromReg, promhttp.HandlerOpts{}))

	// Authenticated: the protocol endpoint and peer discovery.
	r.Group(func(r chi.Router) {
		r.Use(authenticate(cfg.APIKey))
		r.Post("/a2a", s.handleRPC)
		r.Get("/discover", s.handleDiscover)
	})

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully. It also
// owns the registry heartbeat and the durable AgentState mirror for this
// role.
func (s *Server) Run(ctx context.Context) error {
	entry := registry.Entry{
		Role:    s.base.Role(),
		URL:     s.cfg.BaseURL,
		Version: s.base.card.Version,
		Skills:  s.base.SkillNames(),
	}
	if err := s.cfg.Registry.Register(ctx, entry); err != nil {
		return fmt.Errorf("agent %s: initial registration: %w", s.base.Role(), err)
	}
	go s.cfg.Registry.Heartbeat(ctx, entry, s.cfg.RegistryTTL/2)
	go s.mirrorState(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening",
			zap.String("role", s.base.Role()),
			zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("agent %s: serve: %w", s.base.Role(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("agent %s: shutdown: %w", s.base.Role(), err)
	}
	s.logger.Info("agent stopped", zap.String("role", s.base.Role()))
	return nil
}

// mirrorState keeps the durable agent_states row fresh alongside the
// volatile registry entry, so liveness survives in the audit trail.
func (s *Server) mirrorState(ctx context.Context) {
	ticker := time.NewTicker(heartbeatStateInterval)
	defer ticker.Stop()

	capabilities, _ := json.Marshal(s.base.SkillNames())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			state := &db.AgentState{
				AgentRole:    s.base.Role(),
				Status:       "idle",
				HeartbeatAt:  now,
				Capabilities: string(capabilities),
				UpdatedAt:    now,
			}
			s.base.mu.Lock()
			for id := range s.base.inflight {
				id := id
				state.Status = "working"
				state.CurrentTaskID = &id
				break
			}
			s.base.mu.Unlock()
			if err := s.cfg.States.UpsertHeartbeat(ctx, state); err != nil {
				s.logger.Warn("agent state heartbeat failed", zap.Error(err))
			}
		}
	}
}

// handleRPC is the protocol endpoint. Framing errors produce JSON-RPC
// errors with a null id; everything else is delegated to the kernel.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req protocol.Request
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, protocol.NewError(nil, protocol.CodeInvalidRequest, "malformed JSON-RPC request"))
		return
	}

	resp := s.base.HandleRequest(r.Context(), &req)
	writeJSON(w, http.StatusOK, resp)
}

// handleCard serves the static agent self-description.
func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.base.Card())
}

// healthView is the /health response body.
type healthView struct {
	Status       string            `json:"status"`
	Role         string            `json:"role"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// handleHealth probes the database and reports per-breaker states. Degraded
// rather than down: an open breaker is reported but does not fail the probe,
// since the agent can still serve tasks against other dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]string)
	status := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := db.Ping(ctx, s.cfg.Database); err != nil {
		deps["database"] = "down"
		status = "degraded"
	} else {
		deps["database"] = "ok"
	}

	for name, stats := range s.cfg.Breakers.HealthSummary() {
		deps["breaker:"+name] = stats.State
		if stats.State != breaker.StateClosed.String() {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, healthView{
		Status:       status,
		Role:         s.base.Role(),
		Version:      s.base.card.Version,
		Dependencies: deps,
	})
}

// handleDiscover returns the currently registered peers.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Registry.Discover(r.Context())
	if err != nil {
		s.logger.Error("discover failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": entries})
}

// authenticate enforces the shared bearer secret. Constant-time comparison;
// a wrong key is indistinguishable from a missing one.
func authenticate(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
				subtle.ConstantTimeCompare([]byte(parts[1]), []byte(apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request with method, path, status and request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
