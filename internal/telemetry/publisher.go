package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Ack is the acknowledgement handle of one publish. Await resolves the
// publish as timed out when timeout elapses first, so a late acknowledgement
// cannot turn a counted failure into a success.
type Ack interface {
	Await(timeout time.Duration) (mqtt.Result, error)
}

// Target is what the publisher sends through.
type Target interface {
	Publish(topic string, payload []byte, qos byte, retained bool) (Ack, error)
}

// OpPublisher publishes and returns a pending operation. *mqtt.Session implements it.
type OpPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) (*mqtt.PendingOp, error)
}

type opTarget struct {
	pub OpPublisher
}

// SessionTarget adapts a session to Target.
func SessionTarget(pub OpPublisher) Target {
	return opTarget{pub: pub}
}

func (t opTarget) Publish(topic string, payload []byte, qos byte, retained bool) (Ack, error) {
	op, err := t.pub.Publish(topic, payload, qos, retained)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// PublisherConfig controls one publishing run.
type PublisherConfig struct {
	Topic string
	QoS   byte
	Count int

	// Interval is the minimum spacing between publishes. Zero disables pacing.
	Interval time.Duration

	// AwaitAck waits for each acknowledgement (bounded by AckTimeout) before the next publish.
	AwaitAck   bool
	AckTimeout time.Duration
}

// PublishStats counts the outcomes of a run.
type PublishStats struct {
	Sent   int
	Acked  int
	Failed int
}

// Publisher sends Count generated readings to a topic.
//
// A publish that is refused because the connection is interrupted, or that
// times out, is counted and reported; the run continues. A fatal session or
// a cancelled context ends the run.
type Publisher struct {
	target  Target
	config  PublisherConfig
	gen     *Generator
	limiter *rate.Limiter
	logger  Logger

	onPublished func(topic string, seq int, err error)
}

// NewPublisher creates a publisher. gen may be nil for the default generator.
func NewPublisher(target Target, cfg PublisherConfig, gen *Generator, logger Logger) *Publisher {
	if gen == nil {
		gen = NewGenerator(nil)
	}
	if logger == nil {
		logger = noopLogger{}
	}

	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}

	return &Publisher{
		target:  target,
		config:  cfg,
		gen:     gen,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// SetOnPublished registers an observer called once per reading with its outcome.
func (p *Publisher) SetOnPublished(fn func(topic string, seq int, err error)) {
	p.onPublished = fn
}

// Run publishes the configured number of readings.
func (p *Publisher) Run(ctx context.Context) (PublishStats, error) {
	var stats PublishStats

	for i := 0; i < p.config.Count; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return stats, ctxErr(ctx, err)
		}

		seq, reading := p.gen.Next()
		err := p.publishOne(ctx, seq, reading, &stats)
		if p.onPublished != nil {
			p.onPublished(p.config.Topic, seq, err)
		}

		switch {
		case err == nil:
		case errors.Is(err, mqtt.ErrSessionFatal),
			errors.Is(err, mqtt.ErrInvalidTopic),
			errors.Is(err, mqtt.ErrInvalidQoS):
			return stats, err
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			p.logger.Warn("telemetry publish failed", "seq", seq, "topic", p.config.Topic, "error", err)
		}
	}

	p.logger.Info("telemetry run complete",
		"sent", stats.Sent,
		"acked", stats.Acked,
		"failed", stats.Failed,
	)
	return stats, nil
}

func (p *Publisher) publishOne(ctx context.Context, seq int, reading Reading, stats *PublishStats) error {
	payload, err := reading.Encode()
	if err != nil {
		stats.Failed++
		return fmt.Errorf("encoding reading: %w", err)
	}

	ack, err := p.target.Publish(p.config.Topic, payload, p.config.QoS, false)
	if err != nil {
		stats.Failed++
		return err
	}
	stats.Sent++

	p.logger.Debug("published telemetry", "seq", seq, "topic", p.config.Topic)

	if !p.config.AwaitAck {
		return nil
	}

	acked := make(chan error, 1)
	go func() {
		_, err := ack.Await(p.config.AckTimeout)
		acked <- err
	}()

	select {
	case err := <-acked:
		if err != nil {
			stats.Failed++
			return fmt.Errorf("publish #%d: %w", seq, err)
		}
	case <-ctx.Done():
		// The publish still resolves on its own timeout or at disconnect.
		stats.Failed++
		return ctx.Err()
	}
	stats.Acked++
	return nil
}

// ctxErr prefers the context's own error over the limiter's wrapping of it.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
