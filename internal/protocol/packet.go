// Package protocol defines the wire format of the reliable-datagram
// transport: packet types, header layouts, fragmentation of oversized
// payloads and their reassembly.
package protocol

import "errors"

// Packet type constants. Anything outside this set is rejected.
const (
	TypeInit        uint8 = 1  // handshake step 1 (carries nonce A)
	TypeInitAck     uint8 = 2  // handshake step 2 (carries A+1, nonce B)
	TypeInitFin     uint8 = 3  // handshake step 3 (carries A+1, B+1)
	TypeNonReliable uint8 = 10 // fire-and-forget payload
	TypeReliable    uint8 = 11 // acked, retransmitted, ordered payload
	TypeMulti       uint8 = 12 // fragment of an oversized packet
	TypeAck         uint8 = 20 // confirms one reliable sequence id
	TypePing        uint8 = 25 // keep-alive probe
	TypePingAck     uint8 = 26 // keep-alive answer
	TypeDisconnect  uint8 = 30 // graceful teardown
)

// Size limits. A payload larger than MaxPayload is carried as TypeMulti
// fragments; a single datagram never exceeds MaxDatagram bytes.
const (
	MaxPayload  = 1400
	MaxDatagram = 1450
)

// Disconnect reasons delivered to the disconnect callback.
const (
	ReasonDisconnect uint8 = 1 // closed by either side, or handshake nonce mismatch
	ReasonTimeout    uint8 = 2 // inactivity deadline expired
)

// ErrMalformedPacket reports a buffer that cannot be parsed: too short for
// its header, unknown type byte, or inconsistent multi-part metadata.
var ErrMalformedPacket = errors.New("malformed packet")

// headerLens maps a packet type to its header length in bytes.
var headerLens = map[uint8]int{
	TypeInit:        1,
	TypeInitAck:     1,
	TypeInitFin:     1,
	TypeNonReliable: 1,
	TypeReliable:    2, // type, sequence id
	TypeMulti:       3, // type, part count, 1-based part index
	TypeAck:         2, // type, sequence id
	TypePing:        1,
	TypePingAck:     1,
	TypeDisconnect:  1,
}

// HeaderLen returns the header length for the given packet type, or
// ErrMalformedPacket for an unknown type.
func HeaderLen(typ uint8) (int, error) {
	n, ok := headerLens[typ]
	if !ok {
		return 0, ErrMalformedPacket
	}
	return n, nil
}
