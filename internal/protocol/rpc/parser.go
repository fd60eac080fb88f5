package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ReadCall parses the RPC call header at the start of a complete message.
func ReadCall(data []byte) (*CallMessage, error) {
	call := &CallMessage{}
	_, err := xdr.Unmarshal(bytes.NewReader(data), call)
	if err != nil {
		return nil, fmt.Errorf("unmarshal RPC call: %w", err)
	}

	if call.MsgType != MsgCall {
		return nil, fmt.Errorf("expected CALL (%d), got %d", MsgCall, call.MsgType)
	}
	if call.RPCVersion != RPCVersion {
		return nil, fmt.Errorf("unsupported RPC version %d", call.RPCVersion)
	}

	return call, nil
}

// ReadData returns the procedure arguments following the RPC call header.
func ReadData(message []byte, call *CallMessage) ([]byte, error) {
	// Fixed header fields already parsed by ReadCall:
	// XID, MsgType, RPCVersion, Program, Version, Procedure = 6 * 4 bytes
	offset := 24

	// Skip credentials (flavor, opaque length, body, padding)
	if offset+8 > len(message) {
		return nil, fmt.Errorf("truncated credentials at offset %d", offset)
	}
	offset += 4
	credLen := binary.BigEndian.Uint32(message[offset : offset+4])
	offset += 4 + int(credLen)
	offset += int((4 - (credLen % 4)) % 4)

	// Skip verifier
	if offset+8 > len(message) {
		return nil, fmt.Errorf("truncated verifier at offset %d", offset)
	}
	offset += 4
	verfLen := binary.BigEndian.Uint32(message[offset : offset+4])
	offset += 4 + int(verfLen)
	offset += int((4 - (verfLen % 4)) % 4)

	if offset > len(message) {
		return nil, fmt.Errorf("auth fields overrun message (%d > %d)", offset, len(message))
	}
	if offset == len(message) {
		return []byte{}, nil
	}

	return message[offset:], nil
}

// MakeSuccessReply builds an accepted RPC reply carrying the given result
// data. The caller frames the reply for transport; no record-marking
// header is included here.
func MakeSuccessReply(xid uint32, data []byte) ([]byte, error) {
	return makeAcceptedReply(xid, AcceptSuccess, data)
}

// MakeErrorReply builds an accepted RPC reply with a non-success accept
// status (PROG_UNAVAIL, PROC_UNAVAIL, GARBAGE_ARGS, ...).
func MakeErrorReply(xid uint32, acceptStat uint32) ([]byte, error) {
	return makeAcceptedReply(xid, acceptStat, nil)
}

func makeAcceptedReply(xid uint32, acceptStat uint32, data []byte) ([]byte, error) {
	reply := ReplyMessage{
		XID:        xid,
		MsgType:    MsgReply,
		ReplyState: MsgAccepted,
		Verf: OpaqueAuth{
			Flavor: AuthNull,
			Body:   []byte{},
		},
		AcceptStat: acceptStat,
	}

	var buf bytes.Buffer
	_, err := xdr.Marshal(&buf, &reply)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}

	buf.Write(data)
	return buf.Bytes(), nil
}
