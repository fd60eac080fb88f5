package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/oncrpc/internal/logger"
	"github.com/marmos91/oncrpc/internal/pool"
	"github.com/marmos91/oncrpc/internal/ratelimiter"
	"github.com/marmos91/oncrpc/internal/workerpool"
	"github.com/marmos91/oncrpc/pkg/metrics"
)

// ErrInitialized is returned by the Set* methods once Initialize has
// constructed the engine's collaborators. Replacing a shared pool after
// sessions hold buffers from it would corrupt ownership, so late
// configuration is rejected rather than silently ignored.
var ErrInitialized = errors.New("server: engine already initialized")

// Config holds the engine's recognized options. Zero values fall back
// to defaults in applyDefaults.
type Config struct {
	// Address is the listen address; empty means all interfaces.
	Address string `mapstructure:"address"`

	// Port is the TCP listen port; 0 binds an ephemeral port.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// SmallBufferSize is the small pool tier's buffer capacity in bytes.
	SmallBufferSize uint32 `mapstructure:"small_buffer_size"`

	// SmallPoolCount caps the small tier's outstanding buffer count.
	SmallPoolCount int `mapstructure:"small_pool_count" validate:"min=0"`

	// LargePoolCount caps the large tier's outstanding buffer count.
	// Defaults to SmallPoolCount when unset.
	LargePoolCount int `mapstructure:"large_pool_count" validate:"min=0"`

	// MaxMessageSize bounds a complete RPC message and sizes the large
	// pool tier.
	MaxMessageSize uint32 `mapstructure:"max_message_size"`

	// WorkerCount is the fixed number of worker goroutines. Fixed for
	// the engine's lifetime.
	WorkerCount int `mapstructure:"worker_count" validate:"min=0"`

	// MaxConnections limits concurrent sessions; 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// AcceptRate limits accepted connections per second; 0 disables.
	AcceptRate uint `mapstructure:"accept_rate"`

	// ReadTimeout bounds reading one fragment's payload.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0"`

	// WriteTimeout bounds writing one response.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`

	// IdleTimeout bounds the wait for a session's next message.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout bounds the graceful-shutdown wait before
	// connections are force-closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c *Config) applyDefaults() {
	if c.SmallBufferSize == 0 {
		c.SmallBufferSize = pool.DefaultSmallSize
	}
	if c.SmallPoolCount <= 0 {
		c.SmallPoolCount = pool.DefaultPoolCount
	}
	if c.LargePoolCount <= 0 {
		// A single pool-count option sizes both tiers.
		c.LargePoolCount = c.SmallPoolCount
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = workerpool.DefaultWorkers
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxMessageSize <= c.SmallBufferSize {
		return fmt.Errorf("max message size %d must exceed small buffer size %d",
			c.MaxMessageSize, c.SmallBufferSize)
	}
	return nil
}

// Engine is the session acceptor plus the shared packet pool and worker
// pool. One engine serves one listening port.
type Engine struct {
	config    Config
	processor workerpool.Processor
	metrics   metrics.EngineMetrics

	mu          sync.Mutex
	initialized bool
	packetPool  *pool.PacketPool
	workerPool  *workerpool.WorkerPool
	strategy    DispatchStrategy

	listener net.Listener
	limiter  *ratelimiter.RateLimiter

	shutdown     chan struct{}
	shutdownOnce sync.Once

	// shutdownCtx is cancelled when sessions are force-closed, aborting
	// in-flight processor calls and blocked hand-offs. It stays live
	// through the graceful-shutdown window so existing sessions keep
	// operating after the listener closes.
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	activeConns    sync.WaitGroup
	connCount      atomic.Int32
	sessionSeq     atomic.Uint32
	connSemaphore  chan struct{}
	activeSessions sync.Map // session id -> *Session
}

// New creates an engine for the given processor. Pass nil engineMetrics
// for no-op metrics.
func New(config Config, processor workerpool.Processor, engineMetrics metrics.EngineMetrics) (*Engine, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if processor == nil {
		return nil, errors.New("server: nil processor")
	}
	if engineMetrics == nil {
		engineMetrics = metrics.Noop()
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &Engine{
		config:         config,
		processor:      processor,
		metrics:        engineMetrics,
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
		connSemaphore:  connSemaphore,
		limiter:        ratelimiter.New(config.AcceptRate, config.AcceptRate*2),
	}, nil
}

// SetPacketPool supplies an externally constructed packet pool. Must be
// called before Initialize; later calls return ErrInitialized.
func (e *Engine) SetPacketPool(p *pool.PacketPool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrInitialized
	}
	e.packetPool = p
	return nil
}

// SetWorkerPool supplies an externally constructed worker pool. Must be
// called before Initialize; later calls return ErrInitialized.
func (e *Engine) SetWorkerPool(p *workerpool.WorkerPool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrInitialized
	}
	e.workerPool = p
	return nil
}

// SetDispatchStrategy supplies a custom dispatch strategy. Must be
// called before Initialize; later calls return ErrInitialized.
func (e *Engine) SetDispatchStrategy(s DispatchStrategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrInitialized
	}
	e.strategy = s
	return nil
}

// Initialize constructs the packet pool, worker pool and dispatch
// strategy unless they were supplied already. Idempotent: the engine's
// collaborators are built exactly once, and configuration calls after
// this point are rejected.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	if e.packetPool == nil {
		p, err := pool.New(e.config.SmallBufferSize, e.config.SmallPoolCount,
			e.config.MaxMessageSize, e.config.LargePoolCount)
		if err != nil {
			return fmt.Errorf("create packet pool: %w", err)
		}
		p.SetWaitObserver(e.metrics.RecordPoolWait)
		e.packetPool = p
	}

	if e.workerPool == nil {
		p, err := workerpool.New(e.shutdownCtx, e.config.WorkerCount, e.processor)
		if err != nil {
			return fmt.Errorf("create worker pool: %w", err)
		}
		e.workerPool = p
	}

	if e.strategy == nil {
		e.strategy = &PooledDispatch{Pool: e.packetPool, Workers: e.workerPool}
	}

	e.initialized = true
	logger.Debug("Engine initialized: strategy=%s workers=%d small=%dx%dB large=%dx%dB",
		e.strategy.Name(), e.config.WorkerCount,
		e.config.SmallPoolCount, e.config.SmallBufferSize,
		e.config.LargePoolCount, e.config.MaxMessageSize)
	return nil
}

// Serve listens on the configured address and accepts sessions until
// the context is cancelled or Stop is called. A stalled worker pool
// slows admission inside sessions, never the accept loop itself.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.Initialize(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", e.config.Address, e.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	e.mu.Lock()
	e.listener = listener
	e.mu.Unlock()

	logger.Info("RPC engine listening on %s", listener.Addr())

	// acceptCtx aborts rate-limit waits as soon as shutdown begins;
	// shutdownCtx stays live until sessions are force-closed so the
	// graceful window lets in-flight work finish.
	acceptCtx, cancelAccept := context.WithCancel(context.Background())
	defer cancelAccept()
	go func() {
		select {
		case <-ctx.Done():
			e.initiateShutdown()
		case <-e.shutdown:
		}
		cancelAccept()
	}()

	for {
		if e.config.AcceptRate > 0 {
			if err := e.limiter.Wait(acceptCtx); err != nil {
				return e.gracefulShutdown()
			}
		}

		if e.connSemaphore != nil {
			select {
			case e.connSemaphore <- struct{}{}:
			case <-e.shutdown:
				return e.gracefulShutdown()
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			if e.connSemaphore != nil {
				<-e.connSemaphore
			}
			select {
			case <-e.shutdown:
				return e.gracefulShutdown()
			default:
				logger.Debug("Accept error: %v", err)
				continue
			}
		}

		e.startSession(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Engine) startSession(conn net.Conn) {
	id := e.sessionSeq.Add(1)
	sess := newSession(id, conn, e)

	e.activeConns.Add(1)
	count := e.connCount.Add(1)
	e.activeSessions.Store(id, sess)

	e.metrics.RecordSessionOpened()
	e.metrics.SetActiveSessions(count)
	logger.Debug("Session %d accepted from %s (active: %d)", id, conn.RemoteAddr(), count)

	go func() {
		defer func() {
			e.activeSessions.Delete(id)
			e.activeConns.Done()
			remaining := e.connCount.Add(-1)
			if e.connSemaphore != nil {
				<-e.connSemaphore
			}
			e.metrics.RecordSessionClosed()
			e.metrics.SetActiveSessions(remaining)
			logger.Debug("Session %d closed (active: %d)", id, remaining)
		}()

		sess.serve(e.shutdownCtx)
	}()
}

// Stop initiates shutdown and waits for sessions to drain, bounded by
// the shutdown timeout or ctx, whichever ends first. Idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.initiateShutdown()

	done := make(chan struct{})
	go func() {
		e.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.cancelRequests()
		e.forceCloseSessions()
		return ctx.Err()
	}
}

func (e *Engine) initiateShutdown() {
	e.shutdownOnce.Do(func() {
		logger.Debug("Engine shutdown initiated")
		close(e.shutdown)

		e.mu.Lock()
		listener := e.listener
		e.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				logger.Debug("Close listener: %v", err)
			}
		}
	})
}

// gracefulShutdown drains sessions and the worker pool after the accept
// loop has stopped. After the timeout, remaining sockets are closed and
// undispatched requests are dropped.
func (e *Engine) gracefulShutdown() error {
	active := e.connCount.Load()
	logger.Info("Engine shutdown: waiting for %d active session(s) (timeout: %v)",
		active, e.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		e.activeConns.Wait()
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
	case <-time.After(e.config.ShutdownTimeout):
		timedOut = true
		remaining := e.connCount.Load()
		logger.Warn("Shutdown timeout: force-closing %d session(s)", remaining)
		e.cancelRequests()
		e.forceCloseSessions()
		<-done
	}

	e.mu.Lock()
	workers := e.workerPool
	packets := e.packetPool
	e.mu.Unlock()

	if workers != nil {
		workers.Shutdown(!timedOut)
	}
	if packets != nil {
		packets.Close()
	}
	e.cancelRequests()

	if timedOut {
		return fmt.Errorf("shutdown timeout after %v", e.config.ShutdownTimeout)
	}
	logger.Info("Engine shutdown complete")
	return nil
}

func (e *Engine) forceCloseSessions() {
	e.activeSessions.Range(func(_, value any) bool {
		value.(*Session).Close()
		return true
	})
}
