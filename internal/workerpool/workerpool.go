// Package workerpool implements the fixed-size worker pool that drains
// the shared RPC request queue and invokes the external processor. Each
// request is delivered to exactly one worker; per-session ordering is
// the session's concern, not the pool's.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/eapache/queue"

	"github.com/marmos91/oncrpc/internal/logger"
	"github.com/marmos91/oncrpc/internal/pool"
)

// DefaultWorkers is the worker count used when the configuration leaves
// it unset.
const DefaultWorkers = 8

// ErrStopped is returned by Submit after shutdown has begun.
var ErrStopped = errors.New("workerpool: stopped")

// Processor is the external RPC handler. Process receives one complete
// RPC call message and returns the reply payload, or nil for
// notification-only messages that expect no reply. It is called
// concurrently from multiple workers with different requests and must be
// safe for that.
//
// A returned error is recovered at the worker boundary: it is logged and
// the session survives, unless the error is wrapped with SessionFatal,
// in which case the originating session is torn down.
type Processor interface {
	Process(ctx context.Context, payload []byte, sessionID uint32) ([]byte, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, payload []byte, sessionID uint32) ([]byte, error)

func (f ProcessorFunc) Process(ctx context.Context, payload []byte, sessionID uint32) ([]byte, error) {
	return f(ctx, payload, sessionID)
}

// ResponseWriter is the write path back to the originating session.
type ResponseWriter interface {
	// WriteResponse frames and writes one reply onto the session's
	// connection.
	WriteResponse(payload []byte) error

	// Terminate closes the session after a connection-fatal failure.
	Terminate(err error)

	// EndRequest is called exactly once when processing of a request
	// finishes (reply written, dropped, or failed). Sessions use it to
	// admit their next request.
	EndRequest()
}

// Request is one completed RPC message awaiting processing. Consumed
// exactly once by a worker.
type Request struct {
	Packet    *pool.Packet
	SessionID uint32
	PeerAddr  net.Addr
	Writer    ResponseWriter
}

// WorkerPool runs a fixed number of long-lived workers over a shared
// FIFO queue. The worker count is fixed for the pool's lifetime;
// resizing means stopping and recreating the pool.
type WorkerPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    *queue.Queue
	draining bool

	ctx       context.Context
	processor Processor
	workers   int
	wg        sync.WaitGroup
}

// New creates the pool and starts its workers immediately. ctx is handed
// to the processor for every request; cancelling it aborts in-flight
// handler work on shutdown.
func New(ctx context.Context, workers int, processor Processor) (*WorkerPool, error) {
	if processor == nil {
		return nil, errors.New("workerpool: nil processor")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p := &WorkerPool{
		queue:     queue.New(),
		ctx:       ctx,
		processor: processor,
		workers:   workers,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}
	logger.Debug("Worker pool started with %d workers", workers)
	return p, nil
}

// Workers returns the fixed worker count.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// QueueDepth returns the number of requests waiting for a worker.
func (p *WorkerPool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Length()
}

// Submit enqueues a request for processing. FIFO with respect to queue
// admission; completion order across sessions is not guaranteed.
func (p *WorkerPool) Submit(req *Request) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrStopped
	}
	p.queue.Add(req)
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

// Shutdown stops the pool. Graceful shutdown lets workers drain the
// queue first; forced shutdown drops queued-but-undispatched requests
// without a response. Blocks until all workers have exited.
func (p *WorkerPool) Shutdown(graceful bool) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.draining = true

	var dropped []*Request
	if !graceful {
		for p.queue.Length() > 0 {
			dropped = append(dropped, p.queue.Remove().(*Request))
		}
	}
	p.mu.Unlock()

	for _, req := range dropped {
		req.Packet.Release()
		req.Writer.EndRequest()
	}
	if len(dropped) > 0 {
		logger.Warn("Worker pool dropped %d queued request(s) on forced shutdown", len(dropped))
	}

	p.cond.Broadcast()
	p.wg.Wait()
	logger.Debug("Worker pool stopped")
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.queue.Length() == 0 && !p.draining {
			p.cond.Wait()
		}
		if p.queue.Length() == 0 {
			p.mu.Unlock()
			return
		}
		req := p.queue.Remove().(*Request)
		p.mu.Unlock()

		p.handle(id, req)
	}
}

// handle processes one request. The packet is released and the session's
// request slot freed regardless of outcome.
func (p *WorkerPool) handle(id int, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker %d: panic processing request from session %d: %v",
				id, req.SessionID, r)
		}
		req.Packet.Release()
		req.Writer.EndRequest()
	}()

	reply, err := p.processor.Process(p.ctx, req.Packet.Payload(), req.SessionID)
	if err != nil {
		if IsSessionFatal(err) {
			logger.Warn("Worker %d: session-fatal processor error for session %d: %v",
				id, req.SessionID, err)
			req.Writer.Terminate(err)
			return
		}
		// Recovered at the worker boundary: no response for this
		// request, the session and the worker both continue.
		logger.Error("Worker %d: processor error for session %d: %v", id, req.SessionID, err)
		return
	}

	if reply == nil {
		// Notification-only message.
		return
	}

	if err := req.Writer.WriteResponse(reply); err != nil {
		logger.Debug("Worker %d: write response to session %d: %v", id, req.SessionID, err)
	}
}

// sessionFatalError marks a processor error as connection-fatal.
type sessionFatalError struct {
	err error
}

func (e *sessionFatalError) Error() string {
	return fmt.Sprintf("session fatal: %v", e.err)
}

func (e *sessionFatalError) Unwrap() error {
	return e.err
}

// SessionFatal wraps a processor error so the worker tears down the
// originating session instead of recovering.
func SessionFatal(err error) error {
	if err == nil {
		return nil
	}
	return &sessionFatalError{err: err}
}

// IsSessionFatal reports whether err was wrapped with SessionFatal.
func IsSessionFatal(err error) bool {
	var sf *sessionFatalError
	return errors.As(err, &sf)
}
