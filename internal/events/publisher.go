// Package events streams matching lifecycle events to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"odin-roulette-server/internal/config"
	"odin-roulette-server/internal/matching"
	"odin-roulette-server/internal/metrics"
)

const queueSize = 1024

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher implements matching.EventSink. Publish only enqueues; a single
// goroutine serializes events onto <prefix>.<kind>.
type Publisher struct {
	nc      conn
	prefix  string
	queue   chan matching.LifecycleEvent
	metrics *metrics.Registry
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// Connect dials NATS and starts the publish loop.
func Connect(cfg config.EventsConfig, m *metrics.Registry, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "events"))

	opts := []nats.Option{
		nats.Name("odin-roulette"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info("connected to nats", zap.String("url", c.ConnectedUrl()))
			setConnected(m, true)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", zap.Error(err))
			setConnected(m, false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("url", c.ConnectedUrl()))
			setConnected(m, true)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	setConnected(m, true)
	return newPublisher(nc, cfg.SubjectPrefix, m, logger), nil
}

func newPublisher(nc conn, prefix string, m *metrics.Registry, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "roulette"
	}
	p := &Publisher{
		nc:      nc,
		prefix:  prefix,
		queue:   make(chan matching.LifecycleEvent, queueSize),
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

// Subject returns the NATS subject for kind.
func (p *Publisher) Subject(kind matching.LifecycleKind) string {
	return p.prefix + "." + string(kind)
}

// Publish queues ev. It drops the event when the queue is full.
func (p *Publisher) Publish(ev matching.LifecycleEvent) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped()
	}
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		select {
		case ev := <-p.queue:
			p.send(ev)
		case <-p.done:
			// flush what is already queued
			for {
				select {
				case ev := <-p.queue:
					p.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(ev matching.LifecycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal lifecycle event", zap.Error(err))
		p.dropped()
		return
	}
	if err := p.nc.Publish(p.Subject(ev.Kind), data); err != nil {
		p.logger.Debug("publish lifecycle event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		p.dropped()
		return
	}
	if p.metrics != nil {
		p.metrics.Events.Published.WithLabelValues(string(ev.Kind)).Inc()
	}
}

func (p *Publisher) dropped() {
	if p.metrics != nil {
		p.metrics.Events.Dropped.Inc()
	}
}

// Close stops accepting events, flushes the queue and drains the connection.
func (p *Publisher) Close(timeout time.Duration) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		select {
		case <-p.stopped:
		case <-time.After(timeout):
			p.logger.Warn("event queue not flushed before timeout", zap.Int("pending", len(p.queue)))
		}
		err = p.nc.Drain()
		setConnected(p.metrics, false)
	})
	return err
}

func setConnected(m *metrics.Registry, on bool) {
	if m == nil {
		return
	}
	if on {
		m.Events.NATSConnected.Set(1)
	} else {
		m.Events.NATSConnected.Set(0)
	}
}
