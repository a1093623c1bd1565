package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
)

// StateChange describes one connection state transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState

	// Err is the cause of an interruption, if known.
	Err error
	At  time.Time
}

// ReplayReport summarises one resubscription round after a reconnect.
type ReplayReport struct {
	Requested int
	Granted   []string
	Rejected  []string

	// Failed lists filters whose replay timed out or was cut by another interruption.
	Failed []string
	Fatal  bool
}

// Stats is a point-in-time view of the session for status reporting.
type Stats struct {
	ClientID              string          `json:"client_id"`
	Broker                string          `json:"broker"`
	State                 ConnectionState `json:"state"`
	InitialSessionPresent bool            `json:"initial_session_present"`
	Interruptions         int64           `json:"interruptions"`
	Resumptions           int64           `json:"resumptions"`
	Replays               int64           `json:"replays"`
	InFlight              int             `json:"in_flight"`
	Subscriptions         int             `json:"subscriptions"`
	Fatal                 string          `json:"fatal,omitempty"`
}

// Session owns one MQTT connection and its subscription state.
//
// Paho callbacks never touch session state directly: they enqueue events
// which a single loop goroutine applies. The loop marks the session
// interrupted, fails in-flight operations, and on resumption without
// broker-side session state replays every registered subscription.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Session struct {
	identity Identity
	cfg      config.MQTTConfig
	logger   Logger

	// Swapped by tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	loadTLS   func(Credentials) (*tls.Config, error)

	dispatcher *Dispatcher
	registry   *Registry
	events     *eventQueue

	stateMu        sync.RWMutex
	state          ConnectionState
	client         pahomqtt.Client
	fatalErr       error
	sessionPresent bool

	fatal     chan struct{}
	fatalOnce sync.Once

	// Loop control; recreated on every Connect.
	stop     chan struct{}
	loopDone chan struct{}
	replays  sync.WaitGroup

	cbMu          sync.RWMutex
	onStateChange func(StateChange)
	onReplay      func(ReplayReport)

	interruptions atomic.Int64
	resumptions   atomic.Int64
	replayRounds  atomic.Int64
}

// NewSession creates a disconnected session for identity.
func NewSession(identity Identity, cfg config.MQTTConfig, logger Logger) *Session {
	if logger == nil {
		logger = noopLogger{}
	}

	s := &Session{
		identity:  identity,
		cfg:       cfg,
		logger:    logger,
		newClient: pahomqtt.NewClient,
		loadTLS:   LoadTLSConfig,
		events:    newEventQueue(),
		state:     StateDisconnected,
		fatal:     make(chan struct{}),
	}
	s.dispatcher = newDispatcher(s.gate, logger)
	s.registry = newRegistry(s.dispatcher, logger)
	return s
}

// Connect establishes the authenticated session.
//
// The handshake is bounded by the configured connect timeout and by ctx.
// There is no retry: a failed first connect is returned as *ConnectError.
// Once connected, paho reconnects automatically after interruptions.
//
// Returns:
//   - error: ErrAlreadyConnected, ErrSessionFatal, or *ConnectError
func (s *Session) Connect(ctx context.Context) error {
	s.stateMu.Lock()
	if s.fatalErr != nil {
		err := s.fatalErr
		s.stateMu.Unlock()
		return err
	}
	if s.state != StateDisconnected {
		s.stateMu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyConnected, s.state)
	}
	s.state = StateConnecting
	s.stateMu.Unlock()
	s.stateChanged(StateDisconnected, StateConnecting, nil)

	client, err := s.buildClient()
	if err != nil {
		s.setState(StateDisconnected, err)
		return newConnectError(err)
	}

	s.stateMu.Lock()
	s.client = client
	s.stateMu.Unlock()
	s.dispatcher.setClient(client)
	s.startLoop()

	s.logger.Info("connecting to MQTT broker",
		"broker", s.identity.BrokerURL(),
		"client_id", s.identity.ClientID,
	)

	tok := client.Connect()
	timeout := durationOr(s.cfg.ConnectTimeout(), defaultConnectTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		err = tok.Error()
	case <-timer.C:
		err = fmt.Errorf("%w: connect after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		// Stop a handshake that may still be running.
		go client.Disconnect(0)
		s.stopLoop()
		s.setState(StateDisconnected, err)
		cerr := newConnectError(err)
		s.logger.Error("MQTT connect failed",
			"broker", s.identity.BrokerURL(),
			"reason", string(cerr.Reason),
			"error", err,
		)
		return cerr
	}

	present := false
	if ct, ok := tok.(interface{ SessionPresent() bool }); ok {
		present = ct.SessionPresent()
	}

	s.stateMu.Lock()
	s.sessionPresent = present
	s.stateMu.Unlock()
	s.setState(StateConnected, nil)

	s.logger.Info("connected to MQTT broker",
		"broker", s.identity.BrokerURL(),
		"client_id", s.identity.ClientID,
		"session_present", present,
	)
	return nil
}

func (s *Session) buildClient() (pahomqtt.Client, error) {
	var tlsCfg *tls.Config
	if s.identity.TLS {
		var err error
		if tlsCfg, err = s.loadTLS(s.identity.Credentials); err != nil {
			return nil, err
		}
	}

	opts := buildClientOptions(s.identity, s.cfg, tlsCfg)
	opts.SetDefaultPublishHandler(s.registry.handleMessage)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.notifyInterrupted(err)
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		// Paho does not expose the CONNACK session-present flag on automatic
		// reconnects, so every resumption is treated as a fresh session.
		s.notifyResumed(false)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		s.logger.Info("reconnecting to MQTT broker", "broker", s.identity.BrokerURL())
	})

	return s.newClient(opts), nil
}

// Disconnect terminates the session gracefully.
//
// Paho is given part of timeout to drain in-flight work; whatever is still
// pending afterwards is resolved with ErrConnectionLost. The session is
// Disconnected on return even when ErrDisconnectTimeout is reported.
func (s *Session) Disconnect(timeout time.Duration) error {
	timeout = durationOr(timeout, defaultDisconnectTimeout)

	s.stateMu.Lock()
	from := s.state
	if from != StateConnected && from != StateInterrupted {
		s.stateMu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotConnected, from)
	}
	s.state = StateDisconnecting
	client := s.client
	s.stateMu.Unlock()
	s.stateChanged(from, StateDisconnecting, nil)

	op := newPendingOp(OpDisconnect, s.identity.ClientID)
	go func() {
		client.Disconnect(quiesceFor(timeout))
		op.resolve(Result{}, nil)
	}()
	_, err := op.Await(timeout)

	if n := s.dispatcher.failInFlight(ErrConnectionLost); n > 0 {
		s.logger.Warn("in-flight operations abandoned at disconnect", "count", n)
	}
	s.stopLoop()
	s.replays.Wait()
	s.setState(StateDisconnected, nil)

	if err != nil {
		s.logger.Error("MQTT disconnect did not complete", "timeout", timeout, "error", err)
		return err
	}
	s.logger.Info("disconnected from MQTT broker", "client_id", s.identity.ClientID)
	return nil
}

// Publish sends payload to topic. See Dispatcher.Publish.
func (s *Session) Publish(topic string, payload []byte, qos byte, retained bool) (*PendingOp, error) {
	return s.dispatcher.Publish(topic, payload, qos, retained)
}

// Subscribe registers handler for filter. See Registry.Register.
func (s *Session) Subscribe(filter string, qos byte, handler MessageHandler) (*PendingOp, error) {
	return s.registry.Register(filter, qos, handler)
}

// Unsubscribe removes filter. See Registry.Unsubscribe.
func (s *Session) Unsubscribe(filter string) (*PendingOp, error) {
	return s.registry.Unsubscribe(filter)
}

// Registry returns the session's subscription registry.
func (s *Session) Registry() *Registry { return s.registry }

// Subscriptions returns a snapshot of the registered subscriptions.
func (s *Session) Subscriptions() []Subscription { return s.registry.Subscriptions() }

// Identity returns the session identity.
func (s *Session) Identity() Identity { return s.identity }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// IsConnected reports whether the session is connected and usable.
func (s *Session) IsConnected() bool {
	return s.gate() == nil
}

// Fatal returns a channel closed when the session enters its terminal fatal state.
func (s *Session) Fatal() <-chan struct{} { return s.fatal }

// Err returns the fatal error, or nil.
func (s *Session) Err() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.fatalErr
}

// HealthCheck verifies the session is connected and the transport is open.
func (s *Session) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.gate(); err != nil {
		return err
	}

	s.stateMu.RLock()
	client := s.client
	s.stateMu.RUnlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

// Stats returns counters and state for status reporting.
func (s *Session) Stats() Stats {
	s.stateMu.RLock()
	st := Stats{
		ClientID:              s.identity.ClientID,
		Broker:                s.identity.Address(),
		State:                 s.state,
		InitialSessionPresent: s.sessionPresent,
	}
	if s.fatalErr != nil {
		st.Fatal = s.fatalErr.Error()
	}
	s.stateMu.RUnlock()

	st.Interruptions = s.interruptions.Load()
	st.Resumptions = s.resumptions.Load()
	st.Replays = s.replayRounds.Load()
	st.InFlight = s.dispatcher.InFlight()
	st.Subscriptions = s.registry.SubscriptionCount()
	return st
}

// SetOnStateChange registers an observer for state transitions.
// It is called synchronously; keep it short.
func (s *Session) SetOnStateChange(fn func(StateChange)) {
	s.cbMu.Lock()
	s.onStateChange = fn
	s.cbMu.Unlock()
}

// SetOnReplay registers an observer for completed resubscription rounds.
func (s *Session) SetOnReplay(fn func(ReplayReport)) {
	s.cbMu.Lock()
	s.onReplay = fn
	s.cbMu.Unlock()
}

// SetOnHandlerError registers an observer for message handler failures.
func (s *Session) SetOnHandlerError(fn HandlerErrorFunc) {
	s.registry.SetOnHandlerError(fn)
}

// gate reports whether operations may be issued right now.
func (s *Session) gate() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.fatalErr != nil {
		return s.fatalErr
	}
	if s.state != StateConnected {
		return ErrNotConnected
	}
	return nil
}

func (s *Session) setState(to ConnectionState, cause error) {
	s.stateMu.Lock()
	from := s.state
	s.state = to
	s.stateMu.Unlock()
	s.stateChanged(from, to, cause)
}

func (s *Session) stateChanged(from, to ConnectionState, cause error) {
	if from == to {
		return
	}

	args := []any{"from", string(from), "to", string(to)}
	if cause != nil {
		args = append(args, "error", cause)
	}
	s.logger.Info("MQTT connection state changed", args...)

	s.cbMu.RLock()
	fn := s.onStateChange
	s.cbMu.RUnlock()
	if fn != nil {
		fn(StateChange{From: from, To: to, Err: cause, At: time.Now()})
	}
}

// fail moves the session into its terminal fatal state.
func (s *Session) fail(err error) {
	s.fatalOnce.Do(func() {
		s.stateMu.Lock()
		s.fatalErr = err
		s.stateMu.Unlock()
		close(s.fatal)
		s.logger.Error("MQTT session entered fatal state", "error", err)
	})
}

// =============================================================================
// Event loop
// =============================================================================

// notifyInterrupted is called from paho's connection-lost callback.
func (s *Session) notifyInterrupted(err error) {
	s.events.push(sessionEvent{kind: eventInterrupted, err: err})
}

// notifyResumed is called from paho's on-connect callback.
func (s *Session) notifyResumed(sessionPresent bool) {
	s.events.push(sessionEvent{kind: eventResumed, sessionPresent: sessionPresent})
}

func (s *Session) startLoop() {
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	// Events from a previous connection are stale.
	s.events.drain()
	go s.run(s.stop, s.loopDone)
}

func (s *Session) stopLoop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.loopDone
	s.stop = nil
}

func (s *Session) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-s.events.ready():
			for _, ev := range s.events.drain() {
				s.handleEvent(ev)
			}
		}
	}
}

func (s *Session) handleEvent(ev sessionEvent) {
	switch ev.kind {
	case eventInterrupted:
		s.handleInterrupted(ev.err)
	case eventResumed:
		s.handleResumed(ev.sessionPresent)
	}
}

func (s *Session) handleInterrupted(cause error) {
	s.stateMu.Lock()
	if s.state != StateConnected {
		s.stateMu.Unlock()
		return
	}
	s.state = StateInterrupted
	s.stateMu.Unlock()

	s.interruptions.Add(1)
	s.stateChanged(StateConnected, StateInterrupted, cause)

	if n := s.dispatcher.failInFlight(ErrConnectionLost); n > 0 {
		s.logger.Warn("in-flight operations failed by connection loss", "count", n)
	}

	// The reconnect callback can be queued ahead of the loss callback. Its
	// resume event was then ignored while still Connected, so resume here.
	// Whether the broker kept the session is unknown, so replay.
	s.stateMu.Lock()
	reopened := s.state == StateInterrupted && s.client.IsConnectionOpen()
	if reopened {
		s.state = StateConnected
	}
	s.stateMu.Unlock()
	if reopened {
		s.resume(false)
	}
}

func (s *Session) handleResumed(sessionPresent bool) {
	s.stateMu.Lock()
	// The first on-connect callback arrives while Connected; a stale one may
	// arrive after a fresh drop. Only a live reconnect counts.
	if s.state != StateInterrupted || !s.client.IsConnectionOpen() {
		s.stateMu.Unlock()
		return
	}
	s.state = StateConnected
	s.stateMu.Unlock()

	s.resume(sessionPresent)
}

// resume records an Interrupted to Connected transition the caller already
// applied and replays the registry unless the broker kept the session.
func (s *Session) resume(sessionPresent bool) {
	s.resumptions.Add(1)
	s.stateChanged(StateInterrupted, StateConnected, nil)
	s.logger.Info("MQTT connection resumed", "session_present", sessionPresent)

	if sessionPresent || s.registry.SubscriptionCount() == 0 {
		return
	}

	s.replayRounds.Add(1)
	ops, err := s.registry.ReplayAll()
	if err != nil {
		s.logger.Warn("subscription replay cut short", "issued", len(ops), "error", err)
	}
	s.logger.Info("replaying subscriptions", "count", len(ops))

	s.replays.Add(1)
	go s.awaitReplay(ops)
}

// awaitReplay evaluates the acknowledgements of one replay round off the loop goroutine.
// A rejection is fatal. Timeouts and connection loss are reported only; the
// next resumption replays again.
func (s *Session) awaitReplay(ops []*PendingOp) {
	defer s.replays.Done()

	timeout := durationOr(s.cfg.OperationTimeout(), defaultOperationTimeout)
	report := ReplayReport{Requested: len(ops)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, op := range ops {
		g.Go(func() error {
			res, err := op.Await(timeout)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Granted = append(report.Granted, res.Topic)
			case errors.Is(err, ErrSubscribeRejected):
				report.Rejected = append(report.Rejected, op.Topic())
				return err
			default:
				report.Failed = append(report.Failed, op.Topic())
				s.logger.Warn("subscription replay not acknowledged", "topic", op.Topic(), "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		report.Fatal = true
		s.fail(fmt.Errorf("%w: %w", ErrSessionFatal, err))
	} else {
		s.logger.Info("subscriptions replayed",
			"granted", len(report.Granted),
			"failed", len(report.Failed),
		)
	}

	s.cbMu.RLock()
	fn := s.onReplay
	s.cbMu.RUnlock()
	if fn != nil {
		fn(report)
	}
}
