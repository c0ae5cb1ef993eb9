// Package wire implements the SSH binary packet protocol: typed reads and
// writes over a byte cursor, the in-progress inbound packet builder, and
// reflection-based marshaling of the RFC 4251/4253/4254 message structs.
package wire

import (
	"errors"
	"strconv"
)

// ErrMalformedPacket is returned whenever a typed read runs past the end of
// a packet's payload, or a struct field cannot be decoded from the bytes
// available.
var ErrMalformedPacket = errors.New("wire: malformed packet")

// ErrPacketTooLarge is returned by Inbound.Feed when the declared packet
// length plus the 4-byte length field exceeds MaxPacketLength, or the
// declared length is zero.
var ErrPacketTooLarge = errors.New("wire: packet exceeds maximum length")

// UnexpectedMessageError is returned by Unmarshal when the leading message
// type byte does not match the type the caller asked to decode into.
type UnexpectedMessageError struct {
	Expected, Got byte
}

func (e UnexpectedMessageError) Error() string {
	return "wire: unexpected message type: got " + strconv.Itoa(int(e.Got)) +
		", want " + strconv.Itoa(int(e.Expected))
}
