package protocol

import (
	"fmt"
)

// SplitHeader separates a raw packet into its header and payload. The
// header length is derived from the type byte.
func SplitHeader(pkt []byte) (header, payload []byte, err error) {
	if len(pkt) == 0 {
		return nil, nil, fmt.Errorf("%w: empty buffer", ErrMalformedPacket)
	}
	n, err := HeaderLen(pkt[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unknown type %d", ErrMalformedPacket, pkt[0])
	}
	if len(pkt) < n {
		return nil, nil, fmt.Errorf("%w: %d bytes, need %d for type %d",
			ErrMalformedPacket, len(pkt), n, pkt[0])
	}
	return pkt[:n], pkt[n:], nil
}

// Fragment splits payload into multi-part fragments. Each fragment carries
// [TypeMulti, total, index] followed by innerHeader and its slice of the
// payload. At least one fragment is produced even for an empty payload.
func Fragment(innerHeader, payload []byte) [][]byte {
	total := (len(payload) + MaxPayload - 1) / MaxPayload
	if total < 1 {
		total = 1
	}

	frags := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPayload
		end := min(start+MaxPayload, len(payload))
		slice := payload[start:end]

		buf := make([]byte, 0, 3+len(innerHeader)+len(slice))
		buf = append(buf, TypeMulti, uint8(total), uint8(i+1))
		buf = append(buf, innerHeader...)
		buf = append(buf, slice...)
		frags = append(frags, buf)
	}
	return frags
}

// Assembly is the single multi-part reassembly slot of a connection.
// A part 1 that arrives after the pending assembly has already stored its
// part 1 starts a new stream and overwrites the pending one; a part 1 that
// arrives while that slot is still empty joins the pending stream.
// Overlapping streams from one peer are not supported.
type Assembly struct {
	innerHeader []byte
	slots       [][]byte
	filled      int
}

// Feed consumes one TypeMulti fragment. It returns the reconstructed inner
// packet (header and payload concatenated) once every part has arrived,
// or nil while parts are still missing.
func (a *Assembly) Feed(frag []byte) ([]byte, error) {
	if len(frag) < 4 || frag[0] != TypeMulti {
		return nil, fmt.Errorf("%w: not a multi-part fragment", ErrMalformedPacket)
	}
	total, index := int(frag[1]), int(frag[2])
	if total < 1 || index < 1 || index > total {
		return nil, fmt.Errorf("%w: part %d of %d", ErrMalformedPacket, index, total)
	}

	innerLen, err := HeaderLen(frag[3])
	if err != nil {
		return nil, fmt.Errorf("%w: unknown inner type %d", ErrMalformedPacket, frag[3])
	}
	if len(frag) < 3+innerLen {
		return nil, fmt.Errorf("%w: fragment shorter than inner header", ErrMalformedPacket)
	}

	switch {
	case a.slots == nil, index == 1 && a.slots[0] != nil:
		// First fragment of a stream fixes the part count and inner
		// header. A repeated part 1 means a new stream has started and
		// the pending one is abandoned.
		a.innerHeader = append([]byte(nil), frag[3:3+innerLen]...)
		a.slots = make([][]byte, total)
		a.filled = 0
	case total != len(a.slots):
		a.Reset()
		return nil, fmt.Errorf("%w: part count changed mid-stream (%d != %d)",
			ErrMalformedPacket, total, len(a.slots))
	}

	if a.slots[index-1] == nil {
		a.filled++
	}
	a.slots[index-1] = append([]byte(nil), frag[3+innerLen:]...)

	if a.filled < len(a.slots) {
		return nil, nil
	}

	pkt := append([]byte(nil), a.innerHeader...)
	for _, s := range a.slots {
		pkt = append(pkt, s...)
	}
	a.Reset()
	return pkt, nil
}

// Reset drops any partially assembled stream.
func (a *Assembly) Reset() {
	a.innerHeader = nil
	a.slots = nil
	a.filled = 0
}

// Pending reports whether an assembly is in progress.
func (a *Assembly) Pending() bool {
	return a.slots != nil
}
