// Package server implements the concurrent ONC RPC session engine: a
// TCP acceptor, one session per accepted connection with a
// record-marking reassembly loop, a bounded packet pool, and a fixed
// worker pool that hands completed calls to an external processor.
//
// The engine treats the RPC payload as opaque. What a program or
// procedure number means is entirely the processor's concern; the
// engine's job is framing, buffering, dispatch and back-pressure.
package server
