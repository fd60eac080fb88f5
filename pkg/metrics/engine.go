// Package metrics defines the optional observability hooks for the RPC
// session engine. If no implementation is supplied, a no-op is used with
// zero overhead.
package metrics

import "time"

// EngineMetrics collects session, queue and pool events from the engine.
//
// Implementations must be safe for concurrent use; every method is
// called from session goroutines and workers.
type EngineMetrics interface {
	// RecordSessionOpened is called when a connection is accepted.
	RecordSessionOpened()

	// RecordSessionClosed is called when a session terminates.
	RecordSessionClosed()

	// SetActiveSessions updates the current session count.
	SetActiveSessions(count int32)

	// RecordRequestQueued is called when a reassembled message is
	// handed to the dispatch queue.
	RecordRequestQueued()

	// RecordRequestCompleted is called when a worker finishes a
	// request, with the time spent from queue admission to completion.
	RecordRequestCompleted(duration time.Duration)

	// RecordFramingError is called when a session dies to a framing or
	// protocol error.
	RecordFramingError()

	// RecordPoolWait is called each time an allocator blocks on an
	// exhausted packet pool tier.
	RecordPoolWait(tier string)
}

// Noop returns an EngineMetrics implementation that discards everything.
func Noop() EngineMetrics {
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordSessionOpened()                        {}
func (noopMetrics) RecordSessionClosed()                        {}
func (noopMetrics) SetActiveSessions(count int32)               {}
func (noopMetrics) RecordRequestQueued()                        {}
func (noopMetrics) RecordRequestCompleted(duration time.Duration) {}
func (noopMetrics) RecordFramingError()                         {}
func (noopMetrics) RecordPoolWait(tier string)                  {}
