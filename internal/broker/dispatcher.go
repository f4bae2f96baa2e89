// Package broker publishes reservation events to the message broker.
// Confirmed reservations are dispatched synchronously with a broker
// ack so the caller can compensate when delivery fails. While the
// broker is unreachable events park in a bounded local buffer that
// drains after reconnect; a full buffer fails the dispatch.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/metrics"
	"github.com/adred-codev/seckill/internal/types"
)

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
	maxAttempts    = 4
)

// SubjectFor returns the per-activity subject confirmed reservations
// publish to.
func SubjectFor(activityID string) string {
	return "seckill.reservations." + activityID
}

// Publisher is the acked publish surface the dispatcher needs.
// *nats.Conn's JetStream context satisfies it via jsPublisher.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Connected() bool
}

type jsPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func (p *jsPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(subject, data, nats.Context(ctx))
	return err
}

func (p *jsPublisher) Connected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Config drives the broker connection and the local buffer.
type Config struct {
	URL       string
	Stream    string
	BufferCap int
}

type buffered struct {
	subject string
	data    []byte
}

// Dispatcher publishes reservation events. Confirmed reservations go
// through Dispatch, which blocks until the broker acks or the retry
// budget runs out.
type Dispatcher struct {
	pub     Publisher
	conn    *nats.Conn
	logger  zerolog.Logger
	buffer  chan buffered
	wake    chan struct{}
	done    chan struct{}
	backoff func(time.Duration) // test hook; nil sleeps for real
}

// Connect dials the broker, ensures the stream exists, and starts the
// buffer drainer.
func Connect(cfg Config, logger zerolog.Logger) (*Dispatcher, error) {
	log := logger.With().Str("component", "broker").Logger()

	d := &Dispatcher{
		logger: log,
		buffer: make(chan buffered, cfg.BufferCap),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("broker disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("broker reconnected")
			d.signalDrain()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("broker async error")
		}),
	)
	if err != nil {
		return nil, types.WrapError(types.CodeBrokerUnavailable, "connect broker", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, types.WrapError(types.CodeBrokerUnavailable, "open jetstream context", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{"seckill.>"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			conn.Close()
			return nil, types.WrapError(types.CodeBrokerUnavailable,
				fmt.Sprintf("ensure stream %s", cfg.Stream), err)
		}
	}

	d.conn = conn
	d.pub = &jsPublisher{conn: conn, js: js}
	go d.drainLoop()

	log.Info().Str("url", cfg.URL).Str("stream", cfg.Stream).Msg("broker connected")
	return d, nil
}

// NewWithPublisher builds a dispatcher over an injected publisher, for
// tests.
func NewWithPublisher(pub Publisher, bufferCap int, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		pub:     pub,
		logger:  logger.With().Str("component", "broker").Logger(),
		buffer:  make(chan buffered, bufferCap),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		backoff: func(time.Duration) {},
	}
	go d.drainLoop()
	return d
}

// Dispatch publishes a confirmed reservation and waits for the broker
// ack, retrying with exponential backoff. While the connection is down
// the event is parked in the bounded buffer, to drain after reconnect;
// a full buffer fails with BrokerUnavailable and the caller must
// compensate.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *types.ReservationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return types.WrapError(types.CodeInternal, "encode reservation event", err)
	}

	subject := SubjectFor(ev.ActivityID)
	delay := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !d.pub.Connected() {
			return d.park(subject, data)
		}
		if lastErr = d.pub.Publish(ctx, subject, data); lastErr == nil {
			metrics.RecordDispatched()
			return nil
		}
		if ctx.Err() != nil {
			metrics.RecordDispatchFailure()
			return types.WrapError(types.CodeDeadlineExceeded, "dispatch reservation", ctx.Err())
		}
		d.logger.Warn().Err(lastErr).
			Str("subject", subject).
			Int("attempt", attempt).
			Msg("publish failed")
		if attempt < maxAttempts {
			d.sleep(ctx, delay)
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}
	}
	if !d.pub.Connected() {
		return d.park(subject, data)
	}
	metrics.RecordDispatchFailure()
	return types.WrapError(types.CodeBrokerUnavailable, "dispatch reservation", lastErr)
}

// park queues an event while the broker is down. The broker still owes
// an ack, so delivery stays at-least-once across reconnects within
// this process.
func (d *Dispatcher) park(subject string, data []byte) error {
	select {
	case d.buffer <- buffered{subject: subject, data: data}:
		d.signalDrain()
		d.logger.Warn().Str("subject", subject).Msg("broker unreachable, event buffered")
		return nil
	default:
		metrics.RecordDispatchFailure()
		return types.NewError(types.CodeBrokerUnavailable, "event buffer full")
	}
}

func (d *Dispatcher) signalDrain() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) drainLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.drainOnce()
	}
}

func (d *Dispatcher) drainOnce() {
	for d.pub.Connected() {
		select {
		case ev := <-d.buffer:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := d.pub.Publish(ctx, ev.subject, ev.data)
			cancel()
			if err != nil {
				// Put it back and wait for the next drain trigger.
				select {
				case d.buffer <- ev:
				default:
				}
				return
			}
			metrics.RecordDispatched()
		default:
			return
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) {
	if d.backoff != nil {
		d.backoff(delay)
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Connected reports broker connectivity for health checks.
func (d *Dispatcher) Connected() bool {
	return d.pub != nil && d.pub.Connected()
}

// Close stops the drainer and closes the connection.
func (d *Dispatcher) Close() {
	close(d.done)
	if d.conn != nil {
		d.conn.Close()
		d.logger.Info().Msg("broker connection closed")
	}
}
