package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
)

type writtenReading struct {
	device, topic         string
	temperature, humidity float64
	ts                    time.Time
}

type fakeWriter struct {
	mu      sync.Mutex
	written []writtenReading
}

func (w *fakeWriter) WriteReading(device, topic string, temperature, humidity float64, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, writtenReading{device, topic, temperature, humidity, ts})
}

type recordedMessage struct {
	topic   string
	payload string
	decoded bool
}

type fakeRecorder struct {
	mu       sync.Mutex
	messages []recordedMessage
}

func (r *fakeRecorder) Message(topic string, payload []byte, decoded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, recordedMessage{topic, string(payload), decoded})
}

func TestSink_Handle(t *testing.T) {
	writer := &fakeWriter{}
	recorder := &fakeRecorder{}
	sink := NewSink("device-1", writer, recorder, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	if err := sink.Handle("sensors/t", []byte(`{"temperature":22.1,"humidity":151}`)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(writer.written) != 1 {
		t.Fatalf("writer got %d readings, want 1", len(writer.written))
	}
	got := writer.written[0]
	want := writtenReading{"device-1", "sensors/t", 22.1, 151, fixed}
	if got != want {
		t.Errorf("written = %+v, want %+v", got, want)
	}

	last, at, ok := sink.Last()
	if !ok || last.Temperature != 22.1 || !at.Equal(fixed) {
		t.Errorf("Last() = %+v, %v, %v", last, at, ok)
	}
	if sink.Received() != 1 {
		t.Errorf("Received() = %d, want 1", sink.Received())
	}
	if len(recorder.messages) != 1 || !recorder.messages[0].decoded {
		t.Errorf("recorded = %+v, want one decoded message", recorder.messages)
	}
}

func TestSink_HandleDecodeError(t *testing.T) {
	writer := &fakeWriter{}
	recorder := &fakeRecorder{}
	sink := NewSink("device-1", writer, recorder, nil)

	err := sink.Handle("sensors/t", []byte(`{"temperature":22.1}`))
	if !errors.Is(err, mqtt.ErrPayloadDecode) {
		t.Fatalf("Handle() error = %v, want ErrPayloadDecode", err)
	}
	if len(writer.written) != 0 {
		t.Errorf("writer got %d readings, want 0", len(writer.written))
	}
	if _, _, ok := sink.Last(); ok {
		t.Error("Last() ok = true after decode failure")
	}
	if len(recorder.messages) != 1 || recorder.messages[0].decoded {
		t.Errorf("recorded = %+v, want one undecoded message", recorder.messages)
	}
}

func TestSink_NilWriter(t *testing.T) {
	sink := NewSink("device-1", nil, nil, nil)
	if err := sink.Handle("t", []byte(`{"temperature":1,"humidity":2}`)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

func TestCommandHandler_Handle(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "object", payload: `{"action":"reboot","delay":5}`},
		{name: "empty object", payload: `{}`},
		{name: "array", payload: `[1,2]`, wantErr: true},
		{name: "string", payload: `"reboot"`, wantErr: true},
		{name: "null", payload: `null`, wantErr: true},
		{name: "garbage", payload: `reboot now`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &fakeRecorder{}
			h := NewCommandHandler(recorder, nil)

			err := h.Handle("test/commands", []byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, mqtt.ErrPayloadDecode) {
					t.Fatalf("Handle() error = %v, want ErrPayloadDecode", err)
				}
				if h.Handled() != 0 {
					t.Errorf("Handled() = %d, want 0", h.Handled())
				}
			} else {
				if err != nil {
					t.Fatalf("Handle() error = %v", err)
				}
				if h.Handled() != 1 {
					t.Errorf("Handled() = %d, want 1", h.Handled())
				}
			}

			if len(recorder.messages) != 1 {
				t.Fatalf("recorded %d messages, want 1", len(recorder.messages))
			}
			if recorder.messages[0].decoded == tt.wantErr {
				t.Errorf("recorded decoded = %v, want %v", recorder.messages[0].decoded, !tt.wantErr)
			}
		})
	}
}
