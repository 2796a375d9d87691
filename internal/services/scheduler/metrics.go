package scheduler

import "time"

// Metrics receives scheduler counters.
type Metrics interface {
	TickCompleted(d time.Duration)
	TickSkipped(reason string)
	// OrderProcessed is called with the status an order reached, or "retried".
	OrderProcessed(outcome string)
	Conflict()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) TickCompleted(time.Duration) {}
func (NopMetrics) TickSkipped(string)          {}
func (NopMetrics) OrderProcessed(string)       {}
func (NopMetrics) Conflict()                   {}
