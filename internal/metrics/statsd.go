// Package metrics reports keeper counters to a DogStatsD agent.
package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

const namespace = "dcakeeper."

type client interface {
	Incr(name string, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Close() error
}

// Statsd implements the scheduler and dispatcher metrics over statsd.
type Statsd struct {
	l      *zap.Logger
	client client
	tags   []string
}

// NewStatsd connects to the agent at addr (host:port). Every metric carries tags.
func NewStatsd(l *zap.Logger, addr string, tags ...string) (*Statsd, error) {
	c, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, errors.Wrapf(err, "statsd client for %s", addr)
	}

	return &Statsd{l: l, client: c, tags: tags}, nil
}

func (s *Statsd) TickCompleted(d time.Duration) {
	s.report(s.client.Timing("tick.duration", d, s.tags, 1))
}

func (s *Statsd) TickSkipped(reason string) {
	s.report(s.client.Incr("tick.skipped", s.with("reason:"+reason), 1))
}

func (s *Statsd) OrderProcessed(outcome string) {
	s.report(s.client.Incr("order.processed", s.with("outcome:"+outcome), 1))
}

func (s *Statsd) Conflict() {
	s.report(s.client.Incr("order.conflict", s.tags, 1))
}

func (s *Statsd) EventDelivered(target string, eventType domain.EventType) {
	s.report(s.client.Incr("event.delivered", s.with("target:"+target, "type:"+string(eventType)), 1))
}

func (s *Statsd) EventFailed(target string, eventType domain.EventType) {
	s.report(s.client.Incr("event.failed", s.with("target:"+target, "type:"+string(eventType)), 1))
}

func (s *Statsd) EventDropped(eventType domain.EventType) {
	s.report(s.client.Incr("event.dropped", s.with("type:"+string(eventType)), 1))
}

// Close flushes and closes the client.
func (s *Statsd) Close() error {
	return s.client.Close()
}

func (s *Statsd) with(extra ...string) []string {
	tags := make([]string, 0, len(s.tags)+len(extra))
	tags = append(tags, s.tags...)
	return append(tags, extra...)
}

func (s *Statsd) report(err error) {
	if err != nil {
		s.l.Debug("statsd send failed", zap.Error(err))
	}
}
