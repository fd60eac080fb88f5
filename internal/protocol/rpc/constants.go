package rpc

// RPC message types (RFC 1057 Section 8)
const (
	// MsgCall indicates an RPC call message
	MsgCall = 0

	// MsgReply indicates an RPC reply message
	MsgReply = 1
)

// RPC reply states
const (
	// MsgAccepted indicates the RPC call was accepted
	MsgAccepted = 0

	// MsgDenied indicates the RPC call was denied
	MsgDenied = 1
)

// RPC accept status
const (
	// AcceptSuccess indicates successful RPC execution
	AcceptSuccess = 0

	// AcceptProgUnavail indicates the program is not exported here
	AcceptProgUnavail = 1

	// AcceptProgMismatch indicates a program version mismatch
	AcceptProgMismatch = 2

	// AcceptProcUnavail indicates the procedure is unavailable
	AcceptProcUnavail = 3

	// AcceptGarbageArgs indicates the arguments could not be decoded
	AcceptGarbageArgs = 4
)

// Authentication flavors
const (
	// AuthNull carries no authentication information
	AuthNull = 0

	// AuthUnix carries uid/gid style credentials
	AuthUnix = 1
)

// RPCVersion is the only supported RPC protocol version.
const RPCVersion = 2

// Record-marking constants. Each fragment starts with a 4-byte big-endian
// header: the top bit flags the last fragment of a message, the low 31
// bits carry the fragment payload length.
const (
	// LastFragmentFlag marks the final fragment of a record
	LastFragmentFlag = 0x80000000

	// FragmentLengthMask extracts the payload length from a header
	FragmentLengthMask = 0x7FFFFFFF

	// FragmentHeaderSize is the size of the record-marking header
	FragmentHeaderSize = 4
)
