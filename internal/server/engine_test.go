package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/oncrpc/internal/pool"
	"github.com/marmos91/oncrpc/internal/protocol/rpc"
	"github.com/marmos91/oncrpc/internal/workerpool"
)

// ============================================================================
// Test helpers
// ============================================================================

// echoProcessor replies with the request payload unchanged.
var echoProcessor = workerpool.ProcessorFunc(
	func(_ context.Context, payload []byte, _ uint32) ([]byte, error) {
		reply := make([]byte, len(payload))
		copy(reply, payload)
		return reply, nil
	})

func testConfig() Config {
	return Config{
		Address:         "127.0.0.1",
		Port:            0,
		ShutdownTimeout: 2 * time.Second,
	}
}

// startEngine runs Serve on an ephemeral port and returns the engine, its
// address, and a channel carrying Serve's result.
func startEngine(t *testing.T, cfg Config, processor workerpool.Processor) (*Engine, string, chan error) {
	t.Helper()

	engine, err := New(cfg, processor, nil)
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- engine.Serve(context.Background())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for engine.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("engine never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return engine, engine.Addr().String(), serveErr
}

func stopEngine(t *testing.T, engine *Engine, serveErr chan error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = engine.Stop(ctx)

	select {
	case <-serveErr:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve never returned after Stop")
	}
}

// sendFragment writes one record-marked fragment.
func sendFragment(t *testing.T, conn net.Conn, payload []byte, last bool) {
	t.Helper()
	header, err := rpc.EncodeFragmentHeader(uint32(len(payload)), last)
	require.NoError(t, err)
	_, err = conn.Write(header[:])
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

// sendMessage writes payload as a single final fragment.
func sendMessage(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	sendFragment(t, conn, payload, true)
}

// readReply reads one framed response from the connection.
func readReply(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var header [rpc.FragmentHeaderSize]byte
	_, err := io.ReadFull(conn, header[:])
	require.NoError(t, err)

	decoded, err := rpc.DecodeFragmentHeader(header)
	require.NoError(t, err)
	require.True(t, decoded.IsLast, "responses are written as a single final fragment")

	payload := make([]byte, decoded.Length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

// expectClosed asserts the peer closes the connection without sending
// further data.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var buf [1]byte
	_, err := conn.Read(buf[:])
	require.Error(t, err, "connection should be closed by the server")
	assert.NotEqual(t, "timeout", errorCategory(err))
}

func errorCategory(err error) string {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return "timeout"
	}
	return "closed"
}

// ============================================================================
// Construction and lifecycle
// ============================================================================

func TestNew(t *testing.T) {
	t.Run("RejectsNilProcessor", func(t *testing.T) {
		_, err := New(testConfig(), nil, nil)
		require.Error(t, err)
	})

	t.Run("RejectsMaxMessageBelowSmallBuffer", func(t *testing.T) {
		cfg := testConfig()
		cfg.SmallBufferSize = 4096
		cfg.MaxMessageSize = 1024
		_, err := New(cfg, echoProcessor, nil)
		require.Error(t, err)
	})

	t.Run("RejectsInvalidPort", func(t *testing.T) {
		cfg := testConfig()
		cfg.Port = 70000
		_, err := New(cfg, echoProcessor, nil)
		require.Error(t, err)
	})
}

func TestInitialize(t *testing.T) {
	t.Run("IsIdempotent", func(t *testing.T) {
		engine, err := New(testConfig(), echoProcessor, nil)
		require.NoError(t, err)

		require.NoError(t, engine.Initialize())
		require.NoError(t, engine.Initialize())

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Stop(stopCtx)
	})

	t.Run("RejectsLateConfiguration", func(t *testing.T) {
		engine, err := New(testConfig(), echoProcessor, nil)
		require.NoError(t, err)
		require.NoError(t, engine.Initialize())

		bufs, err := pool.New(512, 4, 4096, 4)
		require.NoError(t, err)
		assert.ErrorIs(t, engine.SetPacketPool(bufs), ErrInitialized)
		assert.ErrorIs(t, engine.SetDispatchStrategy(&InlineDispatch{}), ErrInitialized)
		assert.ErrorIs(t, engine.SetWorkerPool(nil), ErrInitialized)

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Stop(stopCtx)
	})

	t.Run("AcceptsCollaboratorsBeforeInitialize", func(t *testing.T) {
		engine, err := New(testConfig(), echoProcessor, nil)
		require.NoError(t, err)

		bufs, err := pool.New(512, 4, 1<<20, 4)
		require.NoError(t, err)
		require.NoError(t, engine.SetPacketPool(bufs))

		strategy := &InlineDispatch{Pool: bufs, Processor: echoProcessor}
		require.NoError(t, engine.SetDispatchStrategy(strategy))
		require.NoError(t, engine.Initialize())

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Stop(stopCtx)
	})
}

// ============================================================================
// Serving
// ============================================================================

func TestServe(t *testing.T) {
	t.Run("EchoRoundTrip", func(t *testing.T) {
		engine, addr, serveErr := startEngine(t, testConfig(), echoProcessor)
		defer stopEngine(t, engine, serveErr)

		conn := dial(t, addr)
		defer conn.Close()

		sendMessage(t, conn, []byte("hello rpc"))
		assert.Equal(t, []byte("hello rpc"), readReply(t, conn))
	})

	t.Run("ServesMultipleConnections", func(t *testing.T) {
		engine, addr, serveErr := startEngine(t, testConfig(), echoProcessor)
		defer stopEngine(t, engine, serveErr)

		conns := make([]net.Conn, 4)
		for i := range conns {
			conns[i] = dial(t, addr)
			defer conns[i].Close()
		}
		for i, conn := range conns {
			sendMessage(t, conn, []byte{byte(i)})
		}
		for i, conn := range conns {
			assert.Equal(t, []byte{byte(i)}, readReply(t, conn))
		}
	})

	t.Run("StopRefusesNewConnections", func(t *testing.T) {
		engine, addr, serveErr := startEngine(t, testConfig(), echoProcessor)
		stopEngine(t, engine, serveErr)

		_, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		require.Error(t, err)
	})

	t.Run("ExistingSessionsSurviveListenerClose", func(t *testing.T) {
		engine, addr, serveErr := startEngine(t, testConfig(), echoProcessor)

		conn := dial(t, addr)
		defer conn.Close()
		sendMessage(t, conn, []byte("first"))
		require.Equal(t, []byte("first"), readReply(t, conn))

		// Begin shutdown: the listener closes immediately but the live
		// session keeps serving through the graceful window.
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stopDone := make(chan error, 1)
		go func() {
			stopDone <- engine.Stop(stopCtx)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for {
			probe, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err != nil {
				break
			}
			probe.Close()
			if time.Now().After(deadline) {
				t.Fatal("listener never closed")
			}
			time.Sleep(10 * time.Millisecond)
		}

		sendMessage(t, conn, []byte("second"))
		assert.Equal(t, []byte("second"), readReply(t, conn))

		conn.Close()
		select {
		case err := <-stopDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Stop never returned after the last session closed")
		}
		select {
		case <-serveErr:
		case <-time.After(5 * time.Second):
			t.Fatal("Serve never returned")
		}
	})

	t.Run("ContextCancelStopsServe", func(t *testing.T) {
		engine, err := New(testConfig(), echoProcessor, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- engine.Serve(ctx)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for engine.Addr() == nil {
			if time.Now().After(deadline) {
				t.Fatal("engine never started listening")
			}
			time.Sleep(5 * time.Millisecond)
		}

		cancel()
		select {
		case err := <-serveErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return on context cancellation")
		}
	})

	t.Run("EnforcesConnectionLimit", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxConnections = 1
		engine, addr, serveErr := startEngine(t, cfg, echoProcessor)
		defer stopEngine(t, engine, serveErr)

		first := dial(t, addr)
		defer first.Close()
		sendMessage(t, first, []byte("a"))
		require.Equal(t, []byte("a"), readReply(t, first))

		// A second connection is queued in the listener backlog, not
		// served, until the first closes.
		second := dial(t, addr)
		defer second.Close()
		sendMessage(t, second, []byte("b"))

		require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		var buf [4]byte
		_, err := second.Read(buf[:])
		ne, ok := err.(net.Error)
		require.True(t, ok && ne.Timeout(), "second connection must not be served yet")

		first.Close()
		assert.Equal(t, []byte("b"), readReply(t, second))
	})
}

// ============================================================================
// Dispatch strategies
// ============================================================================

func TestInlineDispatchStrategy(t *testing.T) {
	cfg := testConfig()
	engine, err := New(cfg, echoProcessor, nil)
	require.NoError(t, err)

	bufs, err := pool.New(cfg.SmallBufferSize, 4, 1<<20, 4)
	require.NoError(t, err)
	require.NoError(t, engine.SetPacketPool(bufs))
	require.NoError(t, engine.SetDispatchStrategy(&InlineDispatch{
		Pool:      bufs,
		Processor: echoProcessor,
	}))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- engine.Serve(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for engine.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("engine never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer stopEngine(t, engine, serveErr)

	conn := dial(t, engine.Addr().String())
	defer conn.Close()

	for i := 0; i < 3; i++ {
		var payload [4]byte
		binary.BigEndian.PutUint32(payload[:], uint32(i))
		sendMessage(t, conn, payload[:])
		assert.Equal(t, payload[:], readReply(t, conn))
	}
}
