package server

import (
	"context"

	"github.com/marmos91/oncrpc/internal/pool"
	"github.com/marmos91/oncrpc/internal/workerpool"
)

// DispatchStrategy decides how a session obtains buffers and where
// completed requests are processed. The engine holds one strategy and
// every session goes through it, so swapping single-threaded for pooled
// dispatch is a configuration choice, not a type hierarchy.
type DispatchStrategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Allocate obtains a packet buffer of at least the given size,
	// blocking when the backing pool is exhausted.
	Allocate(size uint32) (*pool.Packet, error)

	// Dispatch hands a completed request over for processing and takes
	// ownership of it. Pooled strategies enqueue; inline strategies
	// process on the calling goroutine. In every outcome, error
	// included, the request's packet is released and EndRequest is
	// called once processing finishes.
	Dispatch(req *workerpool.Request) error
}

// PooledDispatch processes requests on a shared worker pool, the
// standard multi-session configuration.
type PooledDispatch struct {
	Pool    *pool.PacketPool
	Workers *workerpool.WorkerPool
}

func (d *PooledDispatch) Name() string {
	return "pooled"
}

func (d *PooledDispatch) Allocate(size uint32) (*pool.Packet, error) {
	return d.Pool.Allocate(size)
}

func (d *PooledDispatch) Dispatch(req *workerpool.Request) error {
	if err := d.Workers.Submit(req); err != nil {
		req.Packet.Release()
		req.Writer.EndRequest()
		return err
	}
	return nil
}

// InlineDispatch processes each request synchronously on the session's
// own read goroutine. Useful for single-tenant embeddings and tests;
// one slow request stalls only its own session.
type InlineDispatch struct {
	Pool      *pool.PacketPool
	Processor workerpool.Processor
	Ctx       context.Context
}

func (d *InlineDispatch) Name() string {
	return "inline"
}

func (d *InlineDispatch) Allocate(size uint32) (*pool.Packet, error) {
	return d.Pool.Allocate(size)
}

func (d *InlineDispatch) Dispatch(req *workerpool.Request) error {
	defer func() {
		req.Packet.Release()
		req.Writer.EndRequest()
	}()

	ctx := d.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	reply, err := d.Processor.Process(ctx, req.Packet.Payload(), req.SessionID)
	if err != nil {
		if workerpool.IsSessionFatal(err) {
			req.Writer.Terminate(err)
		}
		return nil
	}
	if reply == nil {
		return nil
	}
	return req.Writer.WriteResponse(reply)
}
