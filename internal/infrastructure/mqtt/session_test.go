package mqtt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/config"
)

// newTestSession returns a plain-TCP session wired to a fake client.
func newTestSession(t *testing.T) (*Session, *fakeClient) {
	t.Helper()

	cfg := config.MQTTConfig{
		Broker:       config.MQTTBrokerConfig{Host: "broker.test", Port: 1883},
		QoS:          1,
		KeepAlive:    10,
		CleanSession: true,
		Timeouts:     config.MQTTTimeoutConfig{Connect: 1, Operation: 1, Disconnect: 1},
	}
	id := Identity{ClientID: "device-client-test", Endpoint: "broker.test", Port: 1883}

	s := NewSession(id, cfg, nil)
	fc := newFakeClient()
	fc.install(s)
	return s, fc
}

func connectTestSession(t *testing.T) (*Session, *fakeClient) {
	t.Helper()
	s, fc := newTestSession(t)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return s, fc
}

func subscribeAndAwait(t *testing.T, s *Session, filter string, qos byte, h MessageHandler) Result {
	t.Helper()
	op, err := s.Subscribe(filter, qos, h)
	if err != nil {
		t.Fatalf("Subscribe(%q) error = %v", filter, err)
	}
	res, err := op.Await(time.Second)
	if err != nil {
		t.Fatalf("Subscribe(%q) ack error = %v", filter, err)
	}
	return res
}

func noopHandler(string, []byte) error { return nil }

// =============================================================================
// Connect / Disconnect
// =============================================================================

func TestConnect_Success(t *testing.T) {
	s, fc := connectTestSession(t)

	if got := s.State(); got != StateConnected {
		t.Errorf("State() = %s, want %s", got, StateConnected)
	}
	if !s.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	opts := fc.opts
	if opts.ClientID != "device-client-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if !opts.AutoReconnect || opts.ConnectRetry {
		t.Errorf("AutoReconnect = %v, ConnectRetry = %v; want true, false", opts.AutoReconnect, opts.ConnectRetry)
	}
	if opts.ResumeSubs {
		t.Error("ResumeSubs should be off, the registry replays subscriptions")
	}
}

func TestConnect_Twice(t *testing.T) {
	s, _ := connectTestSession(t)

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnect_Failures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason ConnectReason
		retryable  bool
	}{
		{"not authorised", packets.ErrorRefusedNotAuthorised, ReasonAuthFailure, false},
		{"bad protocol", packets.ErrorRefusedBadProtocolVersion, ReasonProtocolReject, false},
		{"identifier rejected", packets.ErrorRefusedIDRejected, ReasonProtocolReject, false},
		{"network", packets.ErrorNetworkError, ReasonNetworkUnreachable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fc := newTestSession(t)
			fc.connectErr = tt.err

			err := s.Connect(context.Background())
			if !errors.Is(err, ErrConnectionFailed) {
				t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Connect() error does not wrap %v", tt.err)
			}

			var cerr *ConnectError
			if !errors.As(err, &cerr) {
				t.Fatalf("Connect() error type = %T, want *ConnectError", err)
			}
			if cerr.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", cerr.Reason, tt.wantReason)
			}
			if cerr.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", cerr.Retryable(), tt.retryable)
			}
			if got := s.State(); got != StateDisconnected {
				t.Errorf("State() = %s, want %s", got, StateDisconnected)
			}
		})
	}
}

func TestConnect_ContextDeadline(t *testing.T) {
	s, fc := newTestSession(t)
	fc.connectTok = newFakeToken() // never completes

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Reason != ReasonTimeout {
		t.Fatalf("Connect() error = %v, want timeout ConnectError", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", s.State())
	}
}

func TestConnect_MissingCredentials(t *testing.T) {
	s, fc := newTestSession(t)
	s.identity.TLS = true
	s.identity.Credentials = Credentials{CertFile: "/nonexistent/device.pem", KeyFile: "/nonexistent/device_rsa"}

	err := s.Connect(context.Background())
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Reason != ReasonAuthFailure {
		t.Fatalf("Connect() error = %v, want auth failure", err)
	}
	if !errors.Is(err, ErrCredentials) {
		t.Errorf("Connect() error should wrap ErrCredentials")
	}
	if fc.opts != nil {
		t.Error("client should not be built without credentials")
	}
}

func TestDisconnect(t *testing.T) {
	s, fc := connectTestSession(t)

	var mu sync.Mutex
	var changes []StateChange
	s.SetOnStateChange(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	if err := s.Disconnect(time.Second); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := fc.disconnectCalls(); got != 1 {
		t.Errorf("paho Disconnect calls = %d, want 1", got)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", s.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[0].To != StateDisconnecting || changes[1].To != StateDisconnected {
		t.Errorf("state changes = %+v, want connected->disconnecting->disconnected", changes)
	}

	if err := s.Disconnect(time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("second Disconnect() error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnect_Timeout(t *testing.T) {
	s, fc := connectTestSession(t)
	fc.disconnectDelay = 500 * time.Millisecond

	err := s.Disconnect(50 * time.Millisecond)
	if !errors.Is(err, ErrDisconnectTimeout) {
		t.Fatalf("Disconnect() error = %v, want ErrDisconnectTimeout", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected after timeout", s.State())
	}
}

// =============================================================================
// Publish / Subscribe
// =============================================================================

func TestSubscribe_GrantedQoS(t *testing.T) {
	s, _ := connectTestSession(t)

	res := subscribeAndAwait(t, s, "test/commands", 1, noopHandler)
	if res.GrantedQoS != 1 {
		t.Errorf("GrantedQoS = %d, want 1", res.GrantedQoS)
	}

	subs := s.Registry().Subscriptions()
	if len(subs) != 1 || !subs[0].Acknowledged || subs[0].GrantedQoS != 1 {
		t.Errorf("Subscriptions() = %+v, want one acknowledged entry at QoS 1", subs)
	}
}

func TestSubscribe_RejectedInitially(t *testing.T) {
	s, fc := connectTestSession(t)
	fc.reject["forbidden/topic"] = true

	op, err := s.Subscribe("forbidden/topic", 1, noopHandler)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := op.Await(time.Second); !errors.Is(err, ErrSubscribeRejected) {
		t.Fatalf("Await() error = %v, want ErrSubscribeRejected", err)
	}
	if s.Registry().HasSubscription("forbidden/topic") {
		t.Error("rejected subscription should not stay registered")
	}
	select {
	case <-s.Fatal():
		t.Error("initial rejection must not make the session fatal")
	default:
	}
}

func TestPublish_Acknowledged(t *testing.T) {
	s, fc := connectTestSession(t)

	payload := []byte(`{"temperature": 23.5, "humidity": 151.2}`)
	op, err := s.Publish("device/telemetry", payload, 1, false)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := op.Await(time.Second); err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	calls := fc.publishCalls()
	if len(calls) != 1 || calls[0].topic != "device/telemetry" || calls[0].qos != 1 || string(calls[0].payload) != string(payload) {
		t.Errorf("publish calls = %+v", calls)
	}
}

func TestPublish_Validation(t *testing.T) {
	s, _ := connectTestSession(t)

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"empty topic", "", 1, nil, ErrInvalidTopic},
		{"wildcard topic", "device/+", 1, nil, ErrInvalidTopic},
		{"bad qos", "device/telemetry", 3, nil, ErrInvalidQoS},
		{"too large", "device/telemetry", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublish_NotConnected(t *testing.T) {
	s, _ := newTestSession(t)

	if _, err := s.Publish("device/telemetry", []byte("{}"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if _, err := s.Subscribe("device/commands", 1, noopHandler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestPublish_ExactlyOneOutcome(t *testing.T) {
	t.Run("timeout then late ack", func(t *testing.T) {
		s, fc := connectTestSession(t)
		fc.hangAcks = true

		op, err := s.Publish("device/telemetry", []byte("{}"), 1, false)
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if _, err := op.Await(20 * time.Millisecond); !errors.Is(err, ErrPublishTimeout) {
			t.Fatalf("Await() error = %v, want ErrPublishTimeout", err)
		}
		if !waitFor(func() bool { return s.Stats().InFlight == 0 }) {
			t.Errorf("InFlight = %d after timeout, want 0", s.Stats().InFlight)
		}

		fc.releaseHeld(nil)
		time.Sleep(20 * time.Millisecond)
		if _, err := op.Result(); !errors.Is(err, ErrPublishTimeout) {
			t.Errorf("late ack changed outcome to %v", err)
		}
	})

	t.Run("connection lost", func(t *testing.T) {
		s, fc := connectTestSession(t)
		fc.hangAcks = true

		op, err := s.Publish("device/telemetry", []byte("{}"), 1, false)
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		fc.drop(errors.New("keepalive timeout"))

		if _, err := op.Await(time.Second); !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("Await() error = %v, want ErrConnectionLost", err)
		}

		fc.releaseHeld(nil)
		time.Sleep(20 * time.Millisecond)
		if _, err := op.Result(); !errors.Is(err, ErrConnectionLost) {
			t.Errorf("late ack changed outcome to %v", err)
		}
	})
}

// =============================================================================
// Interruption and replay
// =============================================================================

func TestResume_ReplaysEverySubscriptionOnce(t *testing.T) {
	s, fc := connectTestSession(t)

	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)
	subscribeAndAwait(t, s, "device/telemetry", 1, noopHandler)

	reports := make(chan ReplayReport, 4)
	s.SetOnReplay(func(r ReplayReport) { reports <- r })

	fc.drop(errors.New("connection reset by peer"))
	if !waitFor(func() bool { return s.State() == StateInterrupted }) {
		t.Fatalf("State() = %s, want interrupted", s.State())
	}
	if _, err := s.Publish("device/telemetry", []byte("{}"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() while interrupted error = %v, want ErrNotConnected", err)
	}

	fc.restore()

	var report ReplayReport
	select {
	case report = <-reports:
	case <-time.After(2 * time.Second):
		t.Fatal("no replay report")
	}
	if report.Requested != 2 || len(report.Granted) != 2 || report.Fatal {
		t.Errorf("report = %+v, want 2 requested, 2 granted", report)
	}

	calls := fc.subscribeCalls()
	if len(calls) != 4 {
		t.Fatalf("subscribe calls = %d, want 2 initial + 2 replayed", len(calls))
	}
	replayed := []string{calls[2].topic, calls[3].topic}
	sort.Strings(replayed)
	if replayed[0] != "device/commands" || replayed[1] != "device/telemetry" {
		t.Errorf("replayed topics = %v", replayed)
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %s, want connected", s.State())
	}

	// A second interruption replays again, once.
	fc.drop(errors.New("again"))
	waitFor(func() bool { return s.State() == StateInterrupted })
	fc.restore()
	select {
	case <-reports:
	case <-time.After(2 * time.Second):
		t.Fatal("no second replay report")
	}
	if got := len(fc.subscribeCalls()); got != 6 {
		t.Errorf("subscribe calls after second resume = %d, want 6", got)
	}

	st := s.Stats()
	if st.Interruptions != 2 || st.Resumptions != 2 || st.Replays != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestResume_SessionPresentSkipsReplay(t *testing.T) {
	s, fc := connectTestSession(t)
	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)

	fc.drop(errors.New("eof"))
	waitFor(func() bool { return s.State() == StateInterrupted })

	fc.mu.Lock()
	fc.connected = true
	fc.mu.Unlock()
	s.notifyResumed(true)

	if !waitFor(func() bool { return s.State() == StateConnected }) {
		t.Fatalf("State() = %s, want connected", s.State())
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(fc.subscribeCalls()); got != 1 {
		t.Errorf("subscribe calls = %d, want no replay", got)
	}
}

func TestResume_InitialOnConnectIgnored(t *testing.T) {
	s, fc := connectTestSession(t)
	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)

	// Paho also fires OnConnect for the first connection.
	fc.restore()
	time.Sleep(20 * time.Millisecond)

	if got := len(fc.subscribeCalls()); got != 1 {
		t.Errorf("subscribe calls = %d, want 1", got)
	}
	if s.Stats().Resumptions != 0 {
		t.Error("initial OnConnect counted as a resumption")
	}
}

func TestResume_ResumedQueuedBeforeInterrupted(t *testing.T) {
	s, fc := connectTestSession(t)
	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)

	reports := make(chan ReplayReport, 2)
	s.SetOnReplay(func(r ReplayReport) { reports <- r })

	// Paho reconnected before the loss callback reached the queue, so the
	// transport is already open when the interruption is handled.
	s.notifyResumed(false)
	s.notifyInterrupted(errors.New("connection reset by peer"))

	select {
	case r := <-reports:
		if r.Requested != 1 || len(r.Granted) != 1 {
			t.Errorf("report = %+v, want 1 granted", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no replay report")
	}
	if s.State() != StateConnected {
		t.Fatalf("State() = %s, want connected", s.State())
	}
	if got := len(fc.subscribeCalls()); got != 2 {
		t.Errorf("subscribe calls = %d, want 1 initial + 1 replayed", got)
	}

	op, err := s.Publish("device/telemetry", []byte("{}"), 1, false)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := op.Await(time.Second); err != nil {
		t.Errorf("Publish() ack error = %v", err)
	}

	st := s.Stats()
	if st.Interruptions != 1 || st.Resumptions != 1 || st.Replays != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestResume_RejectedReplayIsFatal(t *testing.T) {
	s, fc := connectTestSession(t)
	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)
	subscribeAndAwait(t, s, "device/telemetry", 1, noopHandler)

	fc.mu.Lock()
	fc.reject["device/telemetry"] = true
	fc.mu.Unlock()

	fc.drop(errors.New("eof"))
	waitFor(func() bool { return s.State() == StateInterrupted })
	fc.restore()

	select {
	case <-s.Fatal():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not become fatal")
	}

	if !errors.Is(s.Err(), ErrSessionFatal) || !errors.Is(s.Err(), ErrSubscribeRejected) {
		t.Errorf("Err() = %v, want ErrSessionFatal wrapping ErrSubscribeRejected", s.Err())
	}

	before := len(fc.publishCalls())
	if _, err := s.Publish("device/telemetry", []byte("{}"), 1, false); !errors.Is(err, ErrSessionFatal) {
		t.Errorf("Publish() error = %v, want ErrSessionFatal", err)
	}
	if _, err := s.Subscribe("device/other", 1, noopHandler); !errors.Is(err, ErrSessionFatal) {
		t.Errorf("Subscribe() error = %v, want ErrSessionFatal", err)
	}
	if got := len(fc.publishCalls()); got != before {
		t.Errorf("publish reached the transport after fatal: %d calls", got-before)
	}
	if err := s.HealthCheck(context.Background()); !errors.Is(err, ErrSessionFatal) {
		t.Errorf("HealthCheck() error = %v, want ErrSessionFatal", err)
	}

	if err := s.Disconnect(time.Second); err != nil {
		t.Errorf("Disconnect() after fatal error = %v", err)
	}
}

func TestResume_ReplayTimeoutNotFatal(t *testing.T) {
	s, fc := connectTestSession(t)
	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)

	reports := make(chan ReplayReport, 1)
	s.SetOnReplay(func(r ReplayReport) { reports <- r })

	fc.drop(errors.New("eof"))
	waitFor(func() bool { return s.State() == StateInterrupted })

	fc.mu.Lock()
	fc.hangAcks = true
	fc.mu.Unlock()
	fc.restore()

	select {
	case r := <-reports:
		if r.Fatal || len(r.Failed) != 1 {
			t.Errorf("report = %+v, want one failed, not fatal", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no replay report")
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil", s.Err())
	}
}

// =============================================================================
// Message delivery
// =============================================================================

func TestDelivery_RoutesToMatchingHandlers(t *testing.T) {
	s, fc := connectTestSession(t)

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) MessageHandler {
		return func(topic string, payload []byte) error {
			mu.Lock()
			got[name] = append(got[name], topic+"="+string(payload))
			mu.Unlock()
			return nil
		}
	}

	subscribeAndAwait(t, s, "device/commands", 1, record("exact"))
	subscribeAndAwait(t, s, "device/#", 1, record("wildcard"))

	fc.deliver("device/commands", []byte(`{"cmd":"reboot"}`))
	fc.deliver("device/telemetry", []byte(`{}`))

	mu.Lock()
	defer mu.Unlock()
	if len(got["exact"]) != 1 {
		t.Errorf("exact handler calls = %v", got["exact"])
	}
	if len(got["wildcard"]) != 2 {
		t.Errorf("wildcard handler calls = %v", got["wildcard"])
	}
}

func TestDelivery_HandlerFailuresContained(t *testing.T) {
	s, fc := connectTestSession(t)

	type report struct {
		topic  string
		decode bool
	}
	var reports []report
	s.SetOnHandlerError(func(topic string, err error, decode bool) {
		reports = append(reports, report{topic, decode})
	})

	subscribeAndAwait(t, s, "device/commands", 1, func(string, []byte) error {
		return errors.Join(ErrPayloadDecode, errors.New("unexpected EOF"))
	})
	subscribeAndAwait(t, s, "device/panic", 1, func(string, []byte) error {
		panic("boom")
	})

	fc.deliver("device/commands", []byte(`{`))
	fc.deliver("device/panic", []byte(`{}`))

	if len(reports) != 2 {
		t.Fatalf("handler error reports = %+v, want 2", reports)
	}
	if !reports[0].decode {
		t.Error("decode failure not flagged as decode error")
	}
	if reports[1].decode {
		t.Error("panic flagged as decode error")
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %s, session should continue", s.State())
	}
}
