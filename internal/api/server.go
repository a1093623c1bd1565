package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/logging"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/journal"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/lifecycle"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 5 * time.Second

// SessionView is the read side of the MQTT session. *mqtt.Session implements it.
type SessionView interface {
	Stats() mqtt.Stats
	Subscriptions() []mqtt.Subscription
	HealthCheck(ctx context.Context) error
}

// LifecycleView exposes the controller state. *lifecycle.Controller implements it.
type LifecycleView interface {
	State() lifecycle.State
	Reason() lifecycle.Reason
}

// JournalView reads recent journal rows. *journal.Store implements it.
type JournalView interface {
	RecentEvents(ctx context.Context, limit int) ([]journal.Event, error)
	RecentMessages(ctx context.Context, limit int) ([]journal.Message, error)
}

// HealthChecker is a supporting component reported by /health, such as the
// journal database or the InfluxDB sink.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Session    SessionView
	Lifecycle  LifecycleView            // optional
	Journal    JournalView              // optional
	Components map[string]HealthChecker // optional, keyed by component name
	Version    string
}

// Server is the local status server.
//
// It is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	session    SessionView
	lifecycle  LifecycleView
	journal    JournalView
	components map[string]HealthChecker
	version    string
	startTime  time.Time

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		session:    deps.Session,
		lifecycle:  deps.Lifecycle,
		journal:    deps.Journal,
		components: deps.Components,
		version:    deps.Version,
		startTime:  time.Now(),
	}, nil
}

// Start binds the listener and serves in a background goroutine.
// The listener is bound before Start returns so that a busy port is
// reported to the caller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("binding api listener: %w", err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	s.addr = ln.Addr().String()

	s.logger.Info("API server listening", "address", s.addr)

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Close gracefully shuts down the API server.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
