package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingOp_ResolvesOnce(t *testing.T) {
	op := newPendingOp(OpSubscribe, "device/commands")

	if op.Resolved() {
		t.Fatal("new op reports resolved")
	}
	if _, err := op.Result(); err == nil {
		t.Error("Result() on pending op should fail")
	}

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins <- op.resolve(Result{GrantedQoS: byte(i % 2)}, nil)
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Errorf("resolve winners = %d, want 1", won)
	}

	res, err := op.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if res.Kind != OpSubscribe || res.Topic != "device/commands" {
		t.Errorf("Result() = %+v", res)
	}
}

func TestPendingOp_AwaitTimeout(t *testing.T) {
	tests := []struct {
		kind    OpKind
		wantErr error
	}{
		{OpPublish, ErrPublishTimeout},
		{OpSubscribe, ErrTimeout},
		{OpDisconnect, ErrDisconnectTimeout},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			op := newPendingOp(tt.kind, "device/telemetry")

			_, err := op.Await(10 * time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Await() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrTimeout) {
				t.Errorf("timeout errors should match ErrTimeout")
			}

			if op.resolve(Result{}, nil) {
				t.Error("late resolve won after timeout")
			}
			if !errors.Is(op.Err(), tt.wantErr) {
				t.Errorf("Err() = %v after late resolve", op.Err())
			}
		})
	}
}

func TestPendingOp_WaitContext(t *testing.T) {
	op := newPendingOp(OpPublish, "device/telemetry")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := op.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	if op.Resolved() {
		t.Error("abandoned Wait must leave the op pending")
	}

	op.resolve(Result{}, nil)
	if _, err := op.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after resolve error = %v", err)
	}
}

func TestPendingOp_OnResolveBeforeWaiters(t *testing.T) {
	op := newPendingOp(OpSubscribe, "a")
	seen := false
	op.onResolve = func(Result, error) { seen = true }

	go op.resolve(Result{GrantedQoS: 1}, nil)
	<-op.Done()
	if !seen {
		t.Error("onResolve did not run before Done closed")
	}
}
