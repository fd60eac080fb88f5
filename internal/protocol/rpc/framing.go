package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FragmentHeader is the decoded form of a record-marking header.
type FragmentHeader struct {
	IsLast bool
	Length uint32
}

// ErrZeroFragment is returned for a fragment that carries no payload.
// Zero-length fragments are not produced by any conforming client and
// decoding them would stall the reassembly loop, so they are treated as
// a framing error.
var ErrZeroFragment = errors.New("zero-length fragment")

// DecodeFragmentHeader decodes the 4-byte record-marking header.
func DecodeFragmentHeader(buf [FragmentHeaderSize]byte) (FragmentHeader, error) {
	raw := binary.BigEndian.Uint32(buf[:])
	header := FragmentHeader{
		IsLast: raw&LastFragmentFlag != 0,
		Length: raw & FragmentLengthMask,
	}

	if header.Length == 0 {
		return header, ErrZeroFragment
	}
	return header, nil
}

// EncodeFragmentHeader produces the record-marking header for a fragment
// of the given payload length.
func EncodeFragmentHeader(length uint32, last bool) ([FragmentHeaderSize]byte, error) {
	var buf [FragmentHeaderSize]byte

	if length == 0 {
		return buf, ErrZeroFragment
	}
	if length > FragmentLengthMask {
		return buf, fmt.Errorf("fragment length %d exceeds 31-bit limit", length)
	}

	raw := length
	if last {
		raw |= LastFragmentFlag
	}
	binary.BigEndian.PutUint32(buf[:], raw)
	return buf, nil
}
