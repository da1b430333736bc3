package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// PrefixLen is the size of the length prefix preceding every frame payload.
const PrefixLen = 4

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTruncated       = errors.New("frame: truncated frame")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

// Encode returns payload with the 4-byte big-endian length prefix prepended.
func Encode(payload []byte) []byte {
	buf := make([]byte, PrefixLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:PrefixLen], uint32(len(payload)))
	copy(buf[PrefixLen:], payload)
	return buf
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(Encode(payload))
	return err
}

// ReadFrame reads exactly one length-prefixed frame from r, blocking until
// the full payload is available.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrTruncated
			}
			return nil, err
		}
	}
	return payload, nil
}

// Decoder accumulates raw stream bytes and yields complete frames. It makes
// no assumption about how frames align with individual reads: a frame may
// arrive split across many Feed calls, and one Feed may carry several frames.
type Decoder struct {
	limits Limits
	buf    []byte
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends raw bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame payload, or ok=false when more bytes
// are needed. A zero-length frame yields an empty non-nil payload. Next never
// blocks; the only error condition is a length prefix that exceeds the
// configured cap, which is unrecoverable for the stream.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < PrefixLen {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf[0:PrefixLen])
	if n > d.limits.MaxPayloadBytes {
		return nil, false, ErrPayloadTooLarge
	}
	total := PrefixLen + int(n)
	if len(d.buf) < total {
		return nil, false, nil
	}
	payload = make([]byte, n)
	copy(payload, d.buf[PrefixLen:total])
	remainder := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:remainder]
	return payload, true, nil
}
