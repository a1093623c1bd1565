package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the controller's position in the run.
type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateTerminated   State = "terminated"
)

// Reason records why the controller left the Running state.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonSignal      Reason = "signal"
	ReasonSessionLost Reason = "session_fatal"
	ReasonWorkDone    Reason = "work_done"
	ReasonWorkFailed  Reason = "work_failed"
	ReasonSetupFailed Reason = "setup_failed"
)

// defaultShutdownTimeout bounds Disconnect when no timeout is configured.
const defaultShutdownTimeout = 10 * time.Second

// Session is the connection the controller drives. *mqtt.Session implements it.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(timeout time.Duration) error
	Fatal() <-chan struct{}
	Err() error
}

// Config holds the hooks and limits for one run.
type Config struct {
	// Setup runs after connecting, typically to register subscriptions.
	// An error aborts the run and still disconnects.
	Setup func(ctx context.Context) error

	// Work, if set, runs while Running. Its return ends the run. The context
	// passed to it is cancelled when shutdown starts for any other reason.
	Work func(ctx context.Context) error

	// ShutdownTimeout bounds the disconnect.
	ShutdownTimeout time.Duration

	// OnStateChange is called for every transition.
	OnStateChange func(from, to State)
}

// Logger defines the logging interface for the controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ErrAlreadyRun is returned when Run is called a second time.
var ErrAlreadyRun = errors.New("lifecycle: controller already ran")

// Controller coordinates startup, the blocking wait and shutdown.
type Controller struct {
	session Session
	config  Config
	logger  Logger

	mu     sync.RWMutex
	state  State
	reason Reason
	ran    bool
}

// New creates a controller in the Idle state.
func New(session Session, cfg Config, logger Logger) *Controller {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Controller{
		session: session,
		config:  cfg,
		logger:  logger,
		state:   StateIdle,
	}
}

// Run executes the whole lifecycle and blocks until Terminated.
//
// A cancelled ctx is a normal termination and yields a nil error. A fatal
// session error, a failed setup or work function, and a disconnect timeout
// are returned (joined when more than one applies).
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return ErrAlreadyRun
	}
	c.ran = true
	c.mu.Unlock()

	if err := c.session.Connect(ctx); err != nil {
		c.logger.Error("connect failed", "error", err)
		c.transition(StateTerminated)
		return fmt.Errorf("connecting: %w", err)
	}
	c.transition(StateConnected)

	if c.config.Setup != nil {
		if err := c.config.Setup(ctx); err != nil {
			c.logger.Error("setup failed", "error", err)
			c.setReason(ReasonSetupFailed)
			return errors.Join(fmt.Errorf("setup: %w", err), c.shutdown(nil))
		}
	}
	c.transition(StateRunning)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var workDone chan error
	if c.config.Work != nil {
		workDone = make(chan error, 1)
		go func() { workDone <- c.config.Work(workCtx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		c.setReason(ReasonSignal)
		c.logger.Info("termination signal received")
	case <-c.session.Fatal():
		c.setReason(ReasonSessionLost)
		runErr = c.session.Err()
		c.logger.Error("session failed", "error", runErr)
	case err := <-workDone:
		workDone = nil
		switch {
		case ctx.Err() != nil:
			// Work returned because of the signal.
			c.setReason(ReasonSignal)
			c.logger.Info("termination signal received")
		case err != nil:
			c.setReason(ReasonWorkFailed)
			runErr = fmt.Errorf("work: %w", err)
			c.logger.Error("work failed", "error", err)
		default:
			c.setReason(ReasonWorkDone)
			c.logger.Info("work completed")
		}
	}

	cancelWork()
	return errors.Join(runErr, c.shutdown(workDone))
}

// shutdown disconnects exactly once and waits for work to stop, both
// bounded by the shutdown timeout.
func (c *Controller) shutdown(workDone <-chan error) error {
	c.transition(StateShuttingDown)

	timeout := c.config.ShutdownTimeout
	deadline := time.Now().Add(timeout)

	if workDone != nil {
		select {
		case <-workDone:
		case <-time.After(timeout):
			c.logger.Warn("work did not stop before disconnect", "timeout", timeout)
		}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}

	var err error
	if derr := c.session.Disconnect(remaining); derr != nil {
		err = fmt.Errorf("disconnecting: %w", derr)
		c.logger.Error("disconnect failed", "error", derr)
	}

	c.transition(StateTerminated)
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Reason returns why the run stopped, or ReasonNone while running.
func (c *Controller) Reason() Reason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

func (c *Controller) setReason(r Reason) {
	c.mu.Lock()
	c.reason = r
	c.mu.Unlock()
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.logger.Info("lifecycle state changed", "from", string(from), "to", string(to))
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(from, to)
	}
}
