package mqtt

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_Snapshot(t *testing.T) {
	s, _ := connectTestSession(t)
	reg := s.Registry()

	subscribeAndAwait(t, s, "device/telemetry", 0, noopHandler)
	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)

	if got := reg.SubscriptionCount(); got != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", got)
	}
	if !reg.HasSubscription("device/commands") {
		t.Error("HasSubscription(device/commands) = false")
	}
	if reg.HasSubscription("device/other") {
		t.Error("HasSubscription(device/other) = true")
	}

	subs := reg.Subscriptions()
	if len(subs) != 2 || subs[0].Topic != "device/commands" || subs[1].Topic != "device/telemetry" {
		t.Fatalf("Subscriptions() = %+v, want sorted by topic", subs)
	}
	if subs[1].RequestedQoS != 0 || subs[1].GrantedQoS != 0 || !subs[1].Acknowledged {
		t.Errorf("telemetry entry = %+v", subs[1])
	}
	if subs[0].AckedAt.IsZero() {
		t.Error("AckedAt not set")
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	s, _ := connectTestSession(t)

	tests := []struct {
		name    string
		filter  string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty filter", "", 1, noopHandler, ErrInvalidTopic},
		{"misplaced wildcard", "device/#/x", 1, noopHandler, ErrInvalidTopic},
		{"bad qos", "device/commands", 5, noopHandler, ErrInvalidQoS},
		{"nil handler", "device/commands", 1, nil, ErrSubscribeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Subscribe(tt.filter, tt.qos, tt.handler); !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if n := s.Registry().SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount() = %d after invalid registrations", n)
	}
}

func TestRegistry_ReRegisterReplacesHandler(t *testing.T) {
	s, fc := connectTestSession(t)

	var first, second int
	subscribeAndAwait(t, s, "device/commands", 1, func(string, []byte) error { first++; return nil })
	subscribeAndAwait(t, s, "device/commands", 1, func(string, []byte) error { second++; return nil })

	fc.deliver("device/commands", []byte("{}"))

	if first != 0 || second != 1 {
		t.Errorf("handler calls first=%d second=%d, want 0 and 1", first, second)
	}
	if n := s.Registry().SubscriptionCount(); n != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", n)
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	s, fc := connectTestSession(t)
	calls := 0
	subscribeAndAwait(t, s, "device/commands", 1, func(string, []byte) error { calls++; return nil })

	op, err := s.Unsubscribe("device/commands")
	if err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if _, err := op.Await(time.Second); err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	if s.Registry().HasSubscription("device/commands") {
		t.Error("entry still registered")
	}
	fc.mu.Lock()
	unsubs := append([]string(nil), fc.unsubscribes...)
	fc.mu.Unlock()
	if len(unsubs) != 1 || unsubs[0] != "device/commands" {
		t.Errorf("paho unsubscribes = %v", unsubs)
	}

	if n := s.Registry().Dispatch("device/commands", []byte("{}")); n != 0 || calls != 0 {
		t.Errorf("Dispatch() after unsubscribe invoked %d handlers", n)
	}

	if _, err := s.Unsubscribe("device/commands"); !errors.Is(err, ErrUnsubscribeFailed) {
		t.Errorf("second Unsubscribe() error = %v, want ErrUnsubscribeFailed", err)
	}
}

func TestRegistry_ReplayOnlyTracksRegistered(t *testing.T) {
	s, fc := connectTestSession(t)
	subscribeAndAwait(t, s, "device/commands", 1, noopHandler)
	subscribeAndAwait(t, s, "device/telemetry", 1, noopHandler)

	if _, err := s.Unsubscribe("device/telemetry"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	ops, err := s.Registry().ReplayAll()
	if err != nil {
		t.Fatalf("ReplayAll() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Topic() != "device/commands" {
		t.Fatalf("ReplayAll() ops = %d", len(ops))
	}
	if _, err := ops[0].Await(time.Second); err != nil {
		t.Errorf("replay Await() error = %v", err)
	}
	if got := len(fc.subscribeCalls()); got != 3 {
		t.Errorf("subscribe calls = %d, want 3", got)
	}
}
