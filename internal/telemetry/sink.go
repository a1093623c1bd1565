package telemetry

import (
	"sync"
	"time"
)

// ReadingWriter stores decoded readings. *influxdb.Client implements it.
type ReadingWriter interface {
	WriteReading(device, topic string, temperature, humidity float64, ts time.Time)
}

// MessageRecorder observes every received message. *journal.Recorder implements it.
type MessageRecorder interface {
	Message(topic string, payload []byte, decoded bool)
}

// Sink is a message handler for telemetry topics. Decoded readings are
// forwarded to the writer; undecodable payloads are returned as errors.
type Sink struct {
	device   string
	writer   ReadingWriter
	recorder MessageRecorder
	logger   Logger
	now      func() time.Time

	mu       sync.Mutex
	last     Reading
	lastAt   time.Time
	received int
}

// NewSink creates a sink. writer and recorder may be nil.
func NewSink(device string, writer ReadingWriter, recorder MessageRecorder, logger Logger) *Sink {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Sink{
		device:   device,
		writer:   writer,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle decodes a reading. It has the mqtt.MessageHandler signature.
func (s *Sink) Handle(topic string, payload []byte) error {
	reading, err := DecodeReading(payload)
	if s.recorder != nil {
		s.recorder.Message(topic, payload, err == nil)
	}
	if err != nil {
		return err
	}

	ts := s.now()
	s.mu.Lock()
	s.last = reading
	s.lastAt = ts
	s.received++
	s.mu.Unlock()

	s.logger.Debug("telemetry received",
		"topic", topic,
		"temperature", reading.Temperature,
		"humidity", reading.Humidity,
	)

	if s.writer != nil {
		s.writer.WriteReading(s.device, topic, reading.Temperature, reading.Humidity, ts)
	}
	return nil
}

// Last returns the most recent reading and when it arrived.
func (s *Sink) Last() (Reading, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt, s.received > 0
}

// Received returns the number of readings decoded so far.
func (s *Sink) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}
