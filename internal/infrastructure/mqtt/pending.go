package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OpKind names the kind of operation a PendingOp tracks.
type OpKind string

const (
	OpPublish     OpKind = "publish"
	OpSubscribe   OpKind = "subscribe"
	OpUnsubscribe OpKind = "unsubscribe"
	OpDisconnect  OpKind = "disconnect"
)

// Result is the successful outcome of a PendingOp.
type Result struct {
	Kind  OpKind
	Topic string

	// GrantedQoS is set for subscribe operations.
	GrantedQoS byte
}

// PendingOp is a handle to an in-flight operation.
// It resolves exactly once: the first of acknowledgement, failure, timeout
// or connection loss wins and later outcomes are ignored.
type PendingOp struct {
	kind  OpKind
	topic string

	// onResolve runs before waiters are released.
	onResolve func(Result, error)

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newPendingOp(kind OpKind, topic string) *PendingOp {
	return &PendingOp{
		kind:  kind,
		topic: topic,
		done:  make(chan struct{}),
	}
}

// Kind returns the operation kind.
func (p *PendingOp) Kind() OpKind { return p.kind }

// Topic returns the topic or filter the operation targets.
func (p *PendingOp) Topic() string { return p.topic }

// Done returns a channel closed once the operation is resolved.
func (p *PendingOp) Done() <-chan struct{} { return p.done }

// Resolved reports whether the operation has completed.
func (p *PendingOp) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the failure of a resolved operation, or nil while pending or on success.
func (p *PendingOp) Err() error {
	if !p.Resolved() {
		return nil
	}
	return p.err
}

// Result returns the outcome. It is only meaningful once Done is closed.
func (p *PendingOp) Result() (Result, error) {
	if !p.Resolved() {
		return Result{}, fmt.Errorf("mqtt: %s %q still pending", p.kind, p.topic)
	}
	return p.result, p.err
}

// Await blocks until the operation resolves or timeout elapses.
// On timeout the operation itself is resolved as timed out, so an
// acknowledgement that arrives later does not change the outcome.
// A non-positive timeout waits indefinitely.
func (p *PendingOp) Await(timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		<-p.done
		return p.result, p.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.resolve(Result{}, p.timeoutError(timeout))
	}
	return p.result, p.err
}

// Wait blocks until the operation resolves or ctx is done.
// Unlike Await, giving up on ctx leaves the operation pending.
func (p *PendingOp) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// resolve completes the operation. It reports whether this call won.
func (p *PendingOp) resolve(res Result, err error) bool {
	won := false
	p.once.Do(func() {
		res.Kind = p.kind
		if res.Topic == "" {
			res.Topic = p.topic
		}
		p.result = res
		p.err = err
		won = true
		if p.onResolve != nil {
			p.onResolve(p.result, p.err)
		}
		close(p.done)
	})
	return won
}

func (p *PendingOp) timeoutError(after time.Duration) error {
	if p.kind == OpPublish {
		return fmt.Errorf("%w: %s after %v", ErrPublishTimeout, p.topic, after)
	}
	if p.kind == OpDisconnect {
		return fmt.Errorf("%w after %v", ErrDisconnectTimeout, after)
	}
	return fmt.Errorf("%w: %s %s after %v", ErrTimeout, p.kind, p.topic, after)
}
