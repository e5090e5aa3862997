package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// Codec frames and deframes MySQL packets over a net.Conn-like pair,
// sharing a single sequence-id counter between reads and writes — the
// wire protocol alternates client-writes/server-writes within one
// command exchange and both sides advance the same counter (§4.2).
type Codec struct {
	r   *bufio.Reader
	w   io.Writer
	seq byte
}

// NewCodec wraps r/w (often the same net.Conn on both sides).
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: bufio.NewReaderSize(r, 16*1024), w: w}
}

// Rebind swaps the underlying reader/writer without touching the
// sequence counter — used after a STARTTLS upgrade, where the protocol
// continues over the encrypted stream using the same sequence (§4.2 step 4).
func (c *Codec) Rebind(r io.Reader, w io.Writer) {
	c.r = bufio.NewReaderSize(r, 16*1024)
	c.w = w
}

// ResetSeq zeroes the sequence counter — called at the start of every new
// command exchange (§4.2).
func (c *Codec) ResetSeq() { c.seq = 0 }

// Seq returns the next sequence id that will be used.
func (c *Codec) Seq() byte { return c.seq }

// ErrSequence is returned when a packet's sequence id doesn't match the
// expected next value — a protocol error per §4.2.
var ErrSequence = fmt.Errorf("mysql: packet out of sequence")

// ReadPacket reads one logical payload, concatenating physical packets
// until a non-full-length (< MaxPacketSize) packet terminates it.
func (c *Codec) ReadPacket() ([]byte, error) {
	var payload []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return nil, fmt.Errorf("reading packet header: %w", err)
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		seq := hdr[3]
		if seq != c.seq {
			return nil, fmt.Errorf("%w: got %d want %d", ErrSequence, seq, c.seq)
		}
		c.seq++

		chunk := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.r, chunk); err != nil {
				return nil, fmt.Errorf("reading packet payload: %w", err)
			}
		}
		payload = append(payload, chunk...)
		if length < MaxPacketSize {
			return payload, nil
		}
	}
}

// WritePacket frames payload and writes it, splitting as needed and
// advancing the shared sequence counter.
func (c *Codec) WritePacket(payload []byte) error {
	for {
		n := len(payload)
		if n > MaxPacketSize {
			n = MaxPacketSize
		}
		var hdr [4]byte
		hdr[0] = byte(n)
		hdr[1] = byte(n >> 8)
		hdr[2] = byte(n >> 16)
		hdr[3] = c.seq
		c.seq++

		buf := make([]byte, 4+n)
		copy(buf, hdr[:])
		copy(buf[4:], payload[:n])
		if _, err := c.w.Write(buf); err != nil {
			return fmt.Errorf("writing packet: %w", err)
		}
		payload = payload[n:]
		if n < MaxPacketSize {
			return nil
		}
		if len(payload) == 0 {
			var empty [4]byte
			empty[3] = c.seq
			c.seq++
			if _, err := c.w.Write(empty[:]); err != nil {
				return fmt.Errorf("writing terminal empty packet: %w", err)
			}
			return nil
		}
	}
}

// PutUint24LE appends a 3-byte little-endian encoding of v.
func PutUint24LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16))
}

// PutUint32LE appends a 4-byte little-endian encoding of v.
func PutUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// PutUint16LE appends a 2-byte little-endian encoding of v.
func PutUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}
