package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/oncrpc/internal/logger"
	"github.com/marmos91/oncrpc/internal/pool"
	"github.com/marmos91/oncrpc/internal/protocol/rpc"
	"github.com/marmos91/oncrpc/internal/workerpool"
)

// ErrFraming marks protocol violations that are fatal to a session:
// zero-length fragments, oversized messages, mid-stream junk.
var ErrFraming = errors.New("framing error")

// Session is one accepted TCP connection. It owns the read loop that
// reassembles record-marked fragments into complete RPC messages and
// the serialized write path that frames responses back onto the same
// socket. Nothing but the request hand-off point is shared with other
// goroutines.
type Session struct {
	id     uint32
	conn   net.Conn
	engine *Engine

	// writeMu enforces the single-writer-per-socket discipline: one
	// response write completes before the next begins.
	writeMu sync.Mutex

	// inflight admits one request at a time into the dispatch queue.
	// The slot is freed by EndRequest when a worker finishes, which is
	// what guarantees per-session response ordering with concurrent
	// workers.
	inflight chan struct{}

	// queuedAt records queue admission time of the in-flight request.
	queuedAt time.Time

	closeOnce sync.Once
}

func newSession(id uint32, conn net.Conn, engine *Engine) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		engine:   engine,
		inflight: make(chan struct{}, 1),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uint32 {
	return s.id
}

// serve runs the read loop until EOF, an I/O error, a framing error or
// shutdown. Fatal errors terminate only this session.
func (s *Session) serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in session %d from %s: %v", s.id, s.conn.RemoteAddr(), r)
		}
		s.Close()
	}()

	peer := s.conn.RemoteAddr().String()
	logger.Debug("Session %d started for %s", s.id, peer)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Session %d closed on shutdown", s.id)
			return
		default:
		}

		if err := s.readMessage(ctx); err != nil {
			switch {
			case err == io.EOF:
				logger.Debug("Session %d closed by client %s", s.id, peer)
			case errors.Is(err, ErrFraming):
				s.engine.metrics.RecordFramingError()
				logger.Warn("Session %d framing error from %s: %v", s.id, peer, err)
			case errors.Is(err, context.Canceled):
				logger.Debug("Session %d cancelled", s.id)
			default:
				logger.Debug("Session %d transport error from %s: %v", s.id, peer, err)
			}
			return
		}
	}
}

// readMessage runs the reassembly state machine for one complete RPC
// message and hands it to the dispatch strategy:
//
//	AwaitingHeader -> AwaitingPayload -> (MessageComplete | AwaitingHeader)
//
// The message buffer comes from the packet pool: single-fragment
// messages allocate by their exact length, so the small tier serves the
// common case; a multi-fragment message allocates the large tier up
// front since its total length is unknown until the flagged fragment
// arrives. Partial buffers are released on any error.
func (s *Session) readMessage(ctx context.Context) error {
	maxSize := s.engine.config.MaxMessageSize

	// AwaitingHeader
	header, err := s.readFragmentHeader()
	if err != nil {
		return err
	}
	if header.Length > maxSize {
		return fmt.Errorf("%w: fragment length %d exceeds maximum %d",
			ErrFraming, header.Length, maxSize)
	}

	var pkt *pool.Packet
	if header.IsLast {
		pkt, err = s.engine.strategy.Allocate(header.Length)
	} else {
		pkt, err = s.engine.strategy.Allocate(maxSize)
	}
	if err != nil {
		if errors.Is(err, pool.ErrOversized) {
			return fmt.Errorf("%w: %v", ErrFraming, err)
		}
		return err
	}

	// AwaitingPayload, looping back to AwaitingHeader for every
	// non-final fragment of the same message.
	for {
		if err := s.readPayload(pkt, header.Length); err != nil {
			pkt.Release()
			return err
		}
		if header.IsLast {
			break
		}

		header, err = s.readFragmentHeader()
		if err != nil {
			pkt.Release()
			return err
		}
		if pkt.Used()+header.Length > maxSize {
			pkt.Release()
			return fmt.Errorf("%w: message exceeds maximum %d bytes", ErrFraming, maxSize)
		}
	}

	// MessageComplete: tag and hand off.
	pkt.SessionID = s.id
	pkt.PeerAddr = s.conn.RemoteAddr()

	// Wait for the previous request's slot before admitting the next.
	select {
	case s.inflight <- struct{}{}:
	case <-ctx.Done():
		pkt.Release()
		return ctx.Err()
	}

	s.queuedAt = time.Now()
	s.engine.metrics.RecordRequestQueued()

	req := &workerpool.Request{
		Packet:    pkt,
		SessionID: s.id,
		PeerAddr:  s.conn.RemoteAddr(),
		Writer:    s,
	}
	if err := s.engine.strategy.Dispatch(req); err != nil {
		return fmt.Errorf("dispatch request: %w", err)
	}
	return nil
}

func (s *Session) readFragmentHeader() (rpc.FragmentHeader, error) {
	if t := s.engine.config.IdleTimeout; t > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return rpc.FragmentHeader{}, fmt.Errorf("set read deadline: %w", err)
		}
	}

	var buf [rpc.FragmentHeaderSize]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		return rpc.FragmentHeader{}, err
	}

	header, err := rpc.DecodeFragmentHeader(buf)
	if err != nil {
		return header, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return header, nil
}

// readPayload accumulates exactly length bytes of fragment payload into
// the packet.
func (s *Session) readPayload(pkt *pool.Packet, length uint32) error {
	if t := s.engine.config.ReadTimeout; t > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
	}

	dst := pkt.Space()[:length]
	if _, err := io.ReadFull(s.conn, dst); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read fragment payload: %w", err)
	}
	pkt.Advance(length)
	return nil
}

// WriteResponse frames payload as a single final fragment and writes it
// in one logical write. Called from worker goroutines; the write mutex
// serializes responses on the socket.
func (s *Session) WriteResponse(payload []byte) error {
	header, err := rpc.EncodeFragmentHeader(uint32(len(payload)), true)
	if err != nil {
		return fmt.Errorf("encode fragment header: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if t := s.engine.config.WriteTimeout; t > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(t)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	buffers := net.Buffers{header[:], payload}
	if _, err := buffers.WriteTo(s.conn); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	logger.Debug("Session %d wrote %d byte response", s.id, len(payload))
	return nil
}

// Terminate closes the session after a connection-fatal processor
// error. The read loop observes the closed socket and exits.
func (s *Session) Terminate(err error) {
	logger.Warn("Session %d terminated: %v", s.id, err)
	s.Close()
}

// EndRequest frees the in-flight slot once a request's processing has
// finished, admitting the session's next message.
func (s *Session) EndRequest() {
	s.engine.metrics.RecordRequestCompleted(time.Since(s.queuedAt))
	select {
	case <-s.inflight:
	default:
	}
}

// Close shuts the underlying connection. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
