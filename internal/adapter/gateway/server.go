// Package gateway exposes agents, chat and the ritual workflow over HTTP,
// with an optional admin listener for health and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/middleware"
)

// AgentRegistry is the registry surface the gateway needs.
type AgentRegistry interface {
	Get(id string) (domain.AgentDescriptor, error)
	List() []domain.AgentDescriptor
	Len() int
	RegisterContext(ctx context.Context, d domain.AgentDescriptor) error
}

// ChatService answers single-agent and quick chat requests.
type ChatService interface {
	Chat(ctx context.Context, agentID string, in domain.ChatInput) (*domain.ChatResult, error)
	ChatStream(ctx context.Context, agentID string, in domain.ChatInput) (<-chan domain.StreamEvent, error)
	QuickChat(ctx context.Context, in domain.ChatInput) (*domain.ChatResult, error)
}

// RitualRunner runs the ritual workflow.
type RitualRunner interface {
	Run(ctx context.Context, in domain.ChatInput) (*domain.RitualResult, error)
}

// Deps holds everything the handlers and middleware chain depend on.
type Deps struct {
	Agents      AgentRegistry
	Chat        ChatService
	Ritual      RitualRunner
	RateLimiter *middleware.RateLimiter
	Metrics     *Metrics
	Gateway     config.GatewayConfig
	Now         func() time.Time
}

// Server owns the API listener and the optional admin listener.
type Server struct {
	cfg    config.ServerConfig
	api    http.Handler
	admin  http.Handler
	logger *slog.Logger

	mu        sync.Mutex
	boundAddr string
	adminAddr string
}

// NewServer builds the router and middleware chain.
func NewServer(deps Deps, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{
		cfg:    cfg,
		api:    newRouter(deps, logger),
		admin:  newAdminRouter(deps, logger),
		logger: logger,
	}
}

// Handler returns the API handler with the full middleware chain.
func (s *Server) Handler() http.Handler { return s.api }

// AdminHandler returns the health and metrics handler.
func (s *Server) AdminHandler() http.Handler { return s.admin }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	servers := []*http.Server{{
		Handler:           s.api,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}}
	listeners := []net.Listener{apiLn}

	s.mu.Lock()
	s.boundAddr = apiLn.Addr().String()
	s.mu.Unlock()

	if s.cfg.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			apiLn.Close()
			return fmt.Errorf("admin listen: %w", err)
		}
		servers = append(servers, &http.Server{Handler: s.admin, ReadHeaderTimeout: 5 * time.Second})
		listeners = append(listeners, adminLn)
		s.mu.Lock()
		s.adminAddr = adminLn.Addr().String()
		s.mu.Unlock()
	}

	s.logger.Info("gateway started", "addr", s.BoundAddr(), "admin_addr", s.AdminAddr())

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func() {
			if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		s.logger.Error("gateway serve failed", "error", serveErr)
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	s.logger.Info("gateway stopped")

	if serveErr != nil {
		return fmt.Errorf("gateway serve: %w", serveErr)
	}
	return shutdownErr
}

// BoundAddr returns the API listener address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// AdminAddr returns the admin listener address, or "" when disabled.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}
