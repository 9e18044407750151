package classfile

import (
	"errors"
	"testing"
)

func TestCursor(t *testing.T) {
	c := NewCursor([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F})

	if v, err := c.U1(); err != nil || v != 0x01 {
		t.Errorf("U1: got %#x, %v", v, err)
	}
	if v, err := c.U2(); err != nil || v != 0x0203 {
		t.Errorf("U2: got %#x, %v", v, err)
	}
	if v, err := c.U4(); err != nil || v != 0x04050607 {
		t.Errorf("U4: got %#x, %v", v, err)
	}
	if v, err := c.U8(); err != nil || v != 0x08090A0B0C0D0E0F {
		t.Errorf("U8: got %#x, %v", v, err)
	}
	if c.Remaining() != 0 || c.Offset() != 15 {
		t.Errorf("offset=%d remaining=%d", c.Offset(), c.Remaining())
	}
	if _, err := c.U1(); !errors.Is(err, ErrTruncated) {
		t.Errorf("read past end: got %v, want ErrTruncated", err)
	}
}

func TestCursorBytesCopies(t *testing.T) {
	src := []byte{1, 2, 3}
	c := NewCursor(src)
	b, err := c.Bytes(2)
	if err != nil {
		t.Fatal(err)
	}
	b[0] = 99
	if src[0] != 1 {
		t.Error("Bytes must not alias the source buffer")
	}
	if _, err := c.Bytes(2); !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
	if c.Offset() != 2 {
		t.Errorf("failed read moved offset to %d", c.Offset())
	}
}
