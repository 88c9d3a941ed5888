package ports

import (
	"context"
	"time"
)

// Locker serializes mutating operations on one key across every instance.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

type Metrics interface {
	ObserveProcessorCall(operation, outcome string)
	// ObserveProcessorAttempt counts wire attempts, including adapter retries.
	ObserveProcessorAttempt(operation, outcome string)
	ObserveRelease(outcome string)
	ObserveLedgerWriteFailure(operation string)
}

type NoopMetrics struct{}

func (NoopMetrics) ObserveProcessorCall(string, string)    {}
func (NoopMetrics) ObserveProcessorAttempt(string, string) {}
func (NoopMetrics) ObserveRelease(string)                  {}
func (NoopMetrics) ObserveLedgerWriteFailure(string)       {}
