package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps the payload length accepted by Reader.
const MaxFrameSize = 2 << 20

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	// ErrBadLength is returned for a length prefix that is not a valid uvarint.
	ErrBadLength = errors.New("protocol: malformed frame length")
	// ErrEmptyPayload is returned when a payload has no type id.
	ErrEmptyPayload = errors.New("protocol: empty payload")

	errShort = errors.New("protocol: short buffer")
)

// Decode parses one payload (type id followed by the body).  It only
// fails when the type id itself cannot be read.  A body that is
// malformed, has trailing bytes, or does not re-encode to the same bytes
// is returned as *Unknown so that Encode always reproduces the input.
func Decode(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	raw, n := binary.Uvarint(payload)
	if n <= 0 || raw > uint64(^uint32(0)) {
		return nil, fmt.Errorf("protocol: malformed type id")
	}
	id := TypeID(raw)
	body := payload[n:]

	if b := newBody(id); b != nil {
		d := &decoder{buf: body}
		if err := b.decode(d); err == nil && d.empty() {
			m := New(b)
			if string(m.Encode()) == string(payload) {
				return m, nil
			}
		}
	}

	return New(&Unknown{Type: id, Payload: append([]byte(nil), body...)}), nil
}

// AppendFrame appends m's length-prefixed wire form to dst.
func AppendFrame(dst []byte, m *Message) []byte {
	payload := m.Encode()
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes m to w as one frame.
func WriteFrame(w io.Writer, m *Message) error {
	_, err := w.Write(AppendFrame(nil, m))
	return err
}

// Reader splits a byte stream into frames.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads one frame.  frame holds the exact bytes read, length prefix
// included, so a relay can forward them unchanged; payload aliases the
// tail of frame.
func (fr *Reader) Next() (frame, payload []byte, err error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for {
		c, err := fr.r.ReadByte()
		if err != nil {
			if len(prefix) > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, nil, err
		}
		prefix = append(prefix, c)
		if c < 0x80 {
			break
		}
		if len(prefix) == binary.MaxVarintLen64 {
			return prefix, nil, ErrBadLength
		}
	}

	size, n := binary.Uvarint(prefix)
	if n <= 0 {
		return prefix, nil, ErrBadLength
	}
	if size > MaxFrameSize {
		return prefix, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	frame = make([]byte, len(prefix)+int(size))
	copy(frame, prefix)
	if _, err := io.ReadFull(fr.r, frame[len(prefix):]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return frame[:len(prefix)], nil, err
	}
	return frame, frame[len(prefix):], nil
}

// Buffered returns the reader holding any bytes read ahead of the last
// frame.  After a framing error the remainder of the stream can be
// drained from it.
func (fr *Reader) Buffered() io.Reader { return fr.r }

// ── primitives ───────────────────────────────────────────────────────
//
// Integers are big-endian; strings and lists carry a uvarint length.

type encoder struct {
	buf []byte
}

func (e *encoder) putUvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }
func (e *encoder) putByte(v byte)      { e.buf = append(e.buf, v) }
func (e *encoder) putInt32(v int32)    { e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v)) }
func (e *encoder) putInt64(v int64)    { e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v)) }
func (e *encoder) putRaw(v []byte)     { e.buf = append(e.buf, v...) }

func (e *encoder) putBool(v bool) {
	if v {
		e.putByte(1)
	} else {
		e.putByte(0)
	}
}

func (e *encoder) putString(s string) {
	e.putUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) empty() bool { return d.off >= len(d.buf) }

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.off < n {
		return nil, errShort
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) readBool() (bool, error) {
	b, err := d.readByte()
	if err != nil {
		return false, err
	}
	if b > 1 {
		return false, fmt.Errorf("protocol: invalid bool %#x", b)
	}
	return b == 1, nil
}

func (d *decoder) readInt32() (int32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (d *decoder) readInt64() (int64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// readCount reads a uvarint length and checks it against the bytes left.
func (d *decoder) readCount() (int, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, errShort
	}
	d.off += n
	if v > uint64(len(d.buf)-d.off) {
		return 0, errShort
	}
	return int(v), nil
}

func (d *decoder) readString() (string, error) {
	n, err := d.readCount()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) rest() []byte {
	b := append([]byte(nil), d.buf[d.off:]...)
	d.off = len(d.buf)
	return b
}
