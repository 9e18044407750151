package classfile

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Cursor reads big-endian values from a byte buffer. Every read past the end
// of the buffer fails with ErrTruncated and leaves the offset unchanged.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int { return c.off }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.off }

func (c *Cursor) need(n int) error {
	if n < 0 || c.Remaining() < n {
		return errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, c.off, c.Remaining())
	}
	return nil
}

// U1 reads one byte.
func (c *Cursor) U1() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.off]
	c.off++
	return v, nil
}

// U2 reads a big-endian uint16.
func (c *Cursor) U2() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v, nil
}

// U4 reads a big-endian uint32.
func (c *Cursor) U4() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

// U8 reads a big-endian uint64.
func (c *Cursor) U8() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v, nil
}

// Bytes reads n bytes into a freshly allocated slice.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.buf[c.off:c.off+n])
	c.off += n
	return out, nil
}
