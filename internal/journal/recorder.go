package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/lifecycle"
)

// writeTimeout bounds a single journal write made from a session callback.
const writeTimeout = 2 * time.Second

// Logger defines the logging interface for the recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder turns session and lifecycle callbacks into journal events.
// Write failures are logged and never propagated into the session.
type Recorder struct {
	store    *Store
	clientID string
	logger   Logger
}

// NewRecorder creates a recorder that tags events with clientID.
func NewRecorder(store *Store, clientID string, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{store: store, clientID: clientID, logger: logger}
}

// StateChanged records a connection state transition.
func (r *Recorder) StateChanged(c mqtt.StateChange) {
	detail := fmt.Sprintf("%s -> %s", c.From, c.To)
	if c.Err != nil {
		detail += ": " + c.Err.Error()
	}
	r.record(Event{At: c.At, Kind: EventStateChange, Detail: detail})
}

// ReplayCompleted records the outcome of a resubscription round.
func (r *Recorder) ReplayCompleted(rep mqtt.ReplayReport) {
	kind := EventReplay
	if rep.Fatal {
		kind = EventFatal
	}
	detail := fmt.Sprintf("requested=%d granted=%d", rep.Requested, len(rep.Granted))
	if len(rep.Rejected) > 0 {
		detail += " rejected=" + strings.Join(rep.Rejected, ",")
	}
	if len(rep.Failed) > 0 {
		detail += " failed=" + strings.Join(rep.Failed, ",")
	}
	r.record(Event{Kind: kind, Detail: detail})
}

// HandlerFailed records a message handler failure.
func (r *Recorder) HandlerFailed(topic string, err error, decode bool) {
	detail := topic + ": " + err.Error()
	if decode {
		detail = "decode " + detail
	}
	r.record(Event{Kind: EventHandler, Detail: detail})
}

// LifecycleChanged records a lifecycle controller transition.
func (r *Recorder) LifecycleChanged(from, to lifecycle.State) {
	r.record(Event{Kind: EventLifecycle, Detail: fmt.Sprintf("%s -> %s", from, to)})
}

// Published records the outcome of a telemetry publish.
func (r *Recorder) Published(topic string, seq int, err error) {
	detail := fmt.Sprintf("#%d %s", seq, topic)
	if err != nil {
		detail += ": " + err.Error()
	}
	r.record(Event{Kind: EventPublish, Detail: detail})
}

// Message records a received message.
func (r *Recorder) Message(topic string, payload []byte, decoded bool) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.RecordMessage(ctx, Message{Topic: topic, Payload: payload, Decoded: decoded}); err != nil {
		r.logger.Warn("journal write failed", "topic", topic, "error", err)
	}
}

func (r *Recorder) record(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	ev.ClientID = r.clientID
	if err := r.store.RecordEvent(ctx, ev); err != nil {
		r.logger.Warn("journal write failed", "kind", string(ev.Kind), "error", err)
	}
}
