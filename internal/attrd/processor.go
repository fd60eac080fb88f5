// Package attrd exposes the hierarchical attribute store as an ONC RPC
// program. It is a hosted program on top of the session engine: the
// engine hands it complete call messages and it returns complete reply
// payloads, never touching the transport.
package attrd

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/oncrpc/internal/logger"
	"github.com/marmos91/oncrpc/internal/protocol/rpc"
	"github.com/marmos91/oncrpc/pkg/attr"
)

// Processor implements the engine's processor contract for the
// attribute program. Safe for concurrent calls; the store provides its
// own synchronization.
type Processor struct {
	store attr.Store
}

// New creates the attribute program processor over the given store.
func New(store attr.Store) *Processor {
	return &Processor{store: store}
}

// Process decodes one RPC call, dispatches it to the attribute store,
// and returns the encoded reply payload.
func (p *Processor) Process(ctx context.Context, payload []byte, sessionID uint32) ([]byte, error) {
	call, err := rpc.ReadCall(payload)
	if err != nil {
		// Without a parseable header there is no XID to reply to.
		return nil, fmt.Errorf("parse RPC call: %w", err)
	}

	if call.Program != Program {
		logger.Debug("Unknown program %d from session %d", call.Program, sessionID)
		return rpc.MakeErrorReply(call.XID, rpc.AcceptProgUnavail)
	}
	if call.Version != Version {
		return rpc.MakeErrorReply(call.XID, rpc.AcceptProgMismatch)
	}

	args, err := rpc.ReadData(payload, call)
	if err != nil {
		return rpc.MakeErrorReply(call.XID, rpc.AcceptGarbageArgs)
	}

	logger.Debug("ATTR call: XID=0x%x proc=%d session=%d", call.XID, call.Procedure, sessionID)

	var result any
	switch call.Procedure {
	case ProcNull:
		return rpc.MakeSuccessReply(call.XID, nil)
	case ProcGet:
		result, err = p.handleGet(ctx, args)
	case ProcSet:
		result, err = p.handleSet(ctx, args)
	case ProcRemove:
		result, err = p.handleRemove(ctx, args)
	case ProcQuery:
		result, err = p.handleQuery(ctx, args)
	default:
		logger.Debug("Unknown ATTR procedure %d", call.Procedure)
		return rpc.MakeErrorReply(call.XID, rpc.AcceptProcUnavail)
	}
	if err != nil {
		return rpc.MakeErrorReply(call.XID, rpc.AcceptGarbageArgs)
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, result); err != nil {
		return nil, fmt.Errorf("marshal ATTR reply: %w", err)
	}
	return rpc.MakeSuccessReply(call.XID, buf.Bytes())
}

func (p *Processor) handleGet(ctx context.Context, args []byte) (*GetResponse, error) {
	var req GetRequest
	if _, err := xdr.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, err
	}

	value, err := p.store.GetValue(ctx, req.Path)
	switch {
	case errors.Is(err, attr.ErrNotFound):
		return &GetResponse{Status: StatusNotFound, Value: []byte{}}, nil
	case err != nil:
		return &GetResponse{Status: storeStatus(err), Value: []byte{}}, nil
	default:
		return &GetResponse{Status: StatusOK, Value: value}, nil
	}
}

func (p *Processor) handleSet(ctx context.Context, args []byte) (*StatusResponse, error) {
	var req SetRequest
	if _, err := xdr.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, err
	}

	if err := p.store.SetValue(ctx, req.Path, req.Value); err != nil {
		return &StatusResponse{Status: storeStatus(err)}, nil
	}
	return &StatusResponse{Status: StatusOK}, nil
}

func (p *Processor) handleRemove(ctx context.Context, args []byte) (*StatusResponse, error) {
	var req GetRequest
	if _, err := xdr.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, err
	}

	if err := p.store.RemoveValue(ctx, req.Path); err != nil {
		return &StatusResponse{Status: storeStatus(err)}, nil
	}
	return &StatusResponse{Status: StatusOK}, nil
}

func (p *Processor) handleQuery(ctx context.Context, args []byte) (*QueryResponse, error) {
	var req QueryRequest
	if _, err := xdr.Unmarshal(bytes.NewReader(args), &req); err != nil {
		return nil, err
	}

	matches, err := p.store.Query(ctx, req.Path, nil)
	if err != nil {
		return &QueryResponse{Status: storeStatus(err), Entries: []QueryEntry{}}, nil
	}

	entries := make([]QueryEntry, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, QueryEntry{Path: m.Path.String(), Value: m.Value})
	}
	return &QueryResponse{Status: StatusOK, Entries: entries}, nil
}

// storeStatus maps store errors onto wire statuses. Parse failures are
// the client's fault, everything else is backend I/O.
func storeStatus(err error) uint32 {
	switch {
	case errors.Is(err, attr.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, attr.ErrBadPath):
		return StatusBadPath
	default:
		return StatusIO
	}
}
