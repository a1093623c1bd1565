package mqtt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler is called when a message arrives on a subscribed filter.
// Handlers run on paho's delivery goroutine and must not block for long.
// Return an error wrapping ErrPayloadDecode for payloads that cannot be decoded.
type MessageHandler func(topic string, payload []byte) error

// HandlerErrorFunc observes handler failures. decode is true when err wraps ErrPayloadDecode.
type HandlerErrorFunc func(topic string, err error, decode bool)

// Subscription is a snapshot of one registry entry.
type Subscription struct {
	Topic        string    `json:"topic"`
	RequestedQoS byte      `json:"requested_qos"`
	GrantedQoS   byte      `json:"granted_qos"`
	Acknowledged bool      `json:"acknowledged"`
	AckedAt      time.Time `json:"acked_at,omitzero"`
}

type entry struct {
	sub     Subscription
	handler MessageHandler
}

// Registry records topic filter to handler bindings, replays them after a
// reconnect without session state and routes incoming messages.
//
// Thread Safety: all methods are safe for concurrent use. Dispatch takes a
// read lock; Register, ReplayAll and acknowledgements take the write lock.
type Registry struct {
	dispatcher *Dispatcher
	logger     Logger

	mu      sync.RWMutex
	entries map[string]*entry

	cbMu           sync.RWMutex
	onHandlerError HandlerErrorFunc
}

func newRegistry(d *Dispatcher, logger Logger) *Registry {
	return &Registry{
		dispatcher: d,
		logger:     logger,
		entries:    make(map[string]*entry),
	}
}

// Register subscribes to filter and records the binding.
//
// The entry is pending until the SUBACK sets its granted QoS. If the broker
// refuses the initial subscription the entry is dropped and the returned
// operation resolves with ErrSubscribeRejected. Registering an existing filter
// replaces its handler and re-subscribes.
//
// Parameters:
//   - filter: MQTT topic filter (supports + and # wildcards)
//   - qos: Requested Quality of Service level
//   - handler: Function called for each matching message
//
// Returns:
//   - *PendingOp: Resolves with the granted QoS
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or ErrSessionFatal
func (r *Registry) Register(filter string, qos byte, handler MessageHandler) (*PendingOp, error) {
	if err := validateTopicFilter(filter); err != nil {
		return nil, err
	}
	if err := validateQoS(qos); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	e := &entry{
		sub:     Subscription{Topic: filter, RequestedQoS: qos},
		handler: handler,
	}

	r.mu.Lock()
	prev := r.entries[filter]
	r.entries[filter] = e
	r.mu.Unlock()

	op, err := r.dispatcher.subscribe(filter, qos, func(res Result, err error) {
		r.applyAck(e, res, err, true)
	})
	if err != nil {
		r.mu.Lock()
		if r.entries[filter] == e {
			if prev != nil {
				r.entries[filter] = prev
			} else {
				delete(r.entries, filter)
			}
		}
		r.mu.Unlock()
		return nil, err
	}

	return op, nil
}

// ReplayAll re-issues a subscribe for every registered entry and returns the
// resulting operations. Subscribing again is idempotent on the broker.
func (r *Registry) ReplayAll() ([]*PendingOp, error) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		e.sub.Acknowledged = false
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].sub.Topic < entries[j].sub.Topic })

	ops := make([]*PendingOp, 0, len(entries))
	for _, e := range entries {
		op, err := r.dispatcher.subscribe(e.sub.Topic, e.sub.RequestedQoS, func(res Result, err error) {
			r.applyAck(e, res, err, false)
		})
		if err != nil {
			return ops, fmt.Errorf("replaying %s: %w", e.sub.Topic, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// applyAck records the SUBACK outcome on the entry.
// A failed initial subscription drops the entry; a failed replay leaves it for the next one.
func (r *Registry) applyAck(e *entry, res Result, err error, initial bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[e.sub.Topic] != e {
		// Replaced or unsubscribed meanwhile.
		return
	}

	switch {
	case err == nil:
		e.sub.GrantedQoS = res.GrantedQoS
		e.sub.Acknowledged = true
		e.sub.AckedAt = time.Now()
	case initial && (errors.Is(err, ErrSubscribeRejected) || errors.Is(err, ErrSubscribeFailed)):
		delete(r.entries, e.sub.Topic)
	}
}

// Unsubscribe removes filter from the registry and from the broker.
func (r *Registry) Unsubscribe(filter string) (*PendingOp, error) {
	if err := validateTopicFilter(filter); err != nil {
		return nil, err
	}

	r.mu.Lock()
	_, ok := r.entries[filter]
	delete(r.entries, filter)
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: not subscribed to %s", ErrUnsubscribeFailed, filter)
	}
	return r.dispatcher.unsubscribe(filter)
}

// Dispatch routes a message to every handler whose filter matches topic and
// returns the number of handlers invoked. Handler panics are recovered.
func (r *Registry) Dispatch(topic string, payload []byte) int {
	r.mu.RLock()
	handlers := make([]MessageHandler, 0, 1)
	for filter, e := range r.entries {
		if MatchTopic(filter, topic) {
			handlers = append(handlers, e.handler)
		}
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Warn("message on unregistered topic", "topic", topic, "bytes", len(payload))
		return 0
	}

	for _, h := range handlers {
		r.invoke(h, topic, payload)
	}
	return len(handlers)
}

func (r *Registry) invoke(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("MQTT handler panic recovered",
				"topic", topic,
				"panic", rec,
			)
			r.reportHandlerError(topic, fmt.Errorf("handler panic: %v", rec))
		}
	}()

	if err := handler(topic, payload); err != nil {
		r.reportHandlerError(topic, err)
	}
}

func (r *Registry) reportHandlerError(topic string, err error) {
	decode := errors.Is(err, ErrPayloadDecode)
	if decode {
		r.logger.Warn("MQTT payload decode failed", "topic", topic, "error", err)
	} else {
		r.logger.Warn("MQTT handler returned error", "topic", topic, "error", err)
	}

	r.cbMu.RLock()
	fn := r.onHandlerError
	r.cbMu.RUnlock()
	if fn != nil {
		fn(topic, err, decode)
	}
}

// handleMessage is installed as paho's default publish handler.
func (r *Registry) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	r.Dispatch(msg.Topic(), msg.Payload())
}

// SetOnHandlerError registers an observer for handler failures.
func (r *Registry) SetOnHandlerError(fn HandlerErrorFunc) {
	r.cbMu.Lock()
	r.onHandlerError = fn
	r.cbMu.Unlock()
}

// Subscriptions returns a snapshot of all entries sorted by topic.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	subs := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		subs = append(subs, e.sub)
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })
	return subs
}

// SubscriptionCount returns the number of registered filters.
func (r *Registry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// HasSubscription reports whether filter is registered.
func (r *Registry) HasSubscription(filter string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[filter]
	return ok
}
