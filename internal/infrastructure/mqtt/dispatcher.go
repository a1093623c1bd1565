package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// maxPayloadSize is the maximum allowed payload size (1MB).
	maxPayloadSize = 1024 * 1024

	// subackFailure is the SUBACK return code for a refused subscription.
	subackFailure = 0x80
)

// subscribeResulter is implemented by paho's *SubscribeToken.
type subscribeResulter interface {
	Result() map[string]byte
}

// Dispatcher issues publish, subscribe and unsubscribe requests on the
// session's paho client and resolves each as a PendingOp.
//
// Every operation is tracked until it resolves so that a connection loss
// can fail whatever is still in flight.
type Dispatcher struct {
	// gate returns nil when operations may be issued.
	gate   func() error
	logger Logger

	clientMu sync.RWMutex
	client   pahomqtt.Client

	mu       sync.Mutex
	inflight map[*PendingOp]struct{}
}

func newDispatcher(gate func() error, logger Logger) *Dispatcher {
	return &Dispatcher{
		gate:     gate,
		logger:   logger,
		inflight: make(map[*PendingOp]struct{}),
	}
}

func (d *Dispatcher) setClient(c pahomqtt.Client) {
	d.clientMu.Lock()
	d.client = c
	d.clientMu.Unlock()
}

func (d *Dispatcher) currentClient() (pahomqtt.Client, error) {
	d.clientMu.RLock()
	defer d.clientMu.RUnlock()
	if d.client == nil {
		return nil, ErrNotConnected
	}
	return d.client, nil
}

// Publish hands a message to the transport and returns at once.
//
// QoS 0 operations resolve once written to the connection, QoS 1 and 2 on
// broker acknowledgement. Publishes issued from one goroutine reach paho in
// call order.
//
// Parameters:
//   - topic: MQTT topic (wildcards are rejected)
//   - payload: Message content (max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: If true, broker stores message for new subscribers
//
// Returns:
//   - *PendingOp: Resolves to the acknowledgement outcome
//   - error: ErrNotConnected, ErrSessionFatal, ErrInvalidTopic, ErrInvalidQoS, ErrPublishFailed
func (d *Dispatcher) Publish(topic string, payload []byte, qos byte, retained bool) (*PendingOp, error) {
	if err := validateTopicName(topic); err != nil {
		return nil, err
	}
	if err := validateQoS(qos); err != nil {
		return nil, err
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds limit %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if err := d.gate(); err != nil {
		return nil, err
	}
	client, err := d.currentClient()
	if err != nil {
		return nil, err
	}

	op := newPendingOp(OpPublish, topic)
	tok := client.Publish(topic, qos, retained, payload)
	d.track(op, tok, func(t pahomqtt.Token) (Result, error) {
		if err := t.Error(); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
		}
		return Result{}, nil
	})
	return op, nil
}

// subscribe issues one SUBSCRIBE. Messages are delivered through the
// client's default publish handler, so no per-subscription callback is set.
// onResolve, if set, observes the outcome before any waiter does.
func (d *Dispatcher) subscribe(filter string, qos byte, onResolve func(Result, error)) (*PendingOp, error) {
	if err := d.gate(); err != nil {
		return nil, err
	}
	client, err := d.currentClient()
	if err != nil {
		return nil, err
	}

	op := newPendingOp(OpSubscribe, filter)
	op.onResolve = onResolve
	tok := client.Subscribe(filter, qos, nil)
	d.track(op, tok, func(t pahomqtt.Token) (Result, error) {
		return subscribeOutcome(filter, t)
	})
	return op, nil
}

func (d *Dispatcher) unsubscribe(filter string) (*PendingOp, error) {
	if err := d.gate(); err != nil {
		return nil, err
	}
	client, err := d.currentClient()
	if err != nil {
		return nil, err
	}

	op := newPendingOp(OpUnsubscribe, filter)
	tok := client.Unsubscribe(filter)
	d.track(op, tok, func(t pahomqtt.Token) (Result, error) {
		if err := t.Error(); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, filter, err)
		}
		return Result{}, nil
	})
	return op, nil
}

// subscribeOutcome interprets a completed subscribe token.
// A 0x80 return code, or a SUBACK that omits the filter, is a rejection.
func subscribeOutcome(filter string, t pahomqtt.Token) (Result, error) {
	var (
		granted byte
		found   bool
	)
	if r, ok := t.(subscribeResulter); ok {
		granted, found = r.Result()[filter]
	}

	if found && granted == subackFailure {
		return Result{}, fmt.Errorf("%w: %s", ErrSubscribeRejected, filter)
	}
	if err := t.Error(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	if !found {
		return Result{}, fmt.Errorf("%w: %s: no granted QoS in SUBACK", ErrSubscribeRejected, filter)
	}
	return Result{GrantedQoS: granted}, nil
}

// track resolves op from tok and keeps it in the in-flight set until then.
func (d *Dispatcher) track(op *PendingOp, tok pahomqtt.Token, outcome func(pahomqtt.Token) (Result, error)) {
	d.mu.Lock()
	d.inflight[op] = struct{}{}
	d.mu.Unlock()

	go func() {
		select {
		case <-tok.Done():
			op.resolve(outcome(tok))
		case <-op.Done():
			// Resolved elsewhere: timeout or connection loss.
		}

		d.mu.Lock()
		delete(d.inflight, op)
		d.mu.Unlock()
	}()
}

// failInFlight resolves every tracked operation with err and returns how many it resolved.
func (d *Dispatcher) failInFlight(err error) int {
	d.mu.Lock()
	ops := make([]*PendingOp, 0, len(d.inflight))
	for op := range d.inflight {
		ops = append(ops, op)
	}
	d.mu.Unlock()

	n := 0
	for _, op := range ops {
		if op.resolve(Result{}, fmt.Errorf("%w: %s %s", err, op.kind, op.topic)) {
			n++
		}
	}
	return n
}

// InFlight returns the number of unresolved operations.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
