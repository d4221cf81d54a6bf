package bmff

import (
	"encoding/binary"
	"fmt"
)

// Cursor walks a leaf payload with a sticky error, so box field readers can
// chain reads and check once at the end. All integers are big-endian.
type Cursor struct {
	data []byte
	pos  int
	err  error
}

func NewCursor(data []byte) *Cursor { return &Cursor{data: data} }

// Err returns the first failure encountered, wrapped in ErrFormat.
func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fail(what string) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: truncated %s at offset %d", ErrFormat, what, c.pos)
	}
}

func (c *Cursor) ok(n int, what string) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.data) {
		c.fail(what)
		return false
	}
	return true
}

func (c *Cursor) Remaining() int { return len(c.data) - c.pos }

func (c *Cursor) Skip(n int) {
	if c.ok(n, "skipped bytes") {
		c.pos += n
	}
}

func (c *Cursor) U8() uint8 {
	if !c.ok(1, "uint8") {
		return 0
	}
	v := c.data[c.pos]
	c.pos++
	return v
}

func (c *Cursor) U16() uint16 {
	if !c.ok(2, "uint16") {
		return 0
	}
	v := binary.BigEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v
}

func (c *Cursor) U32() uint32 {
	if !c.ok(4, "uint32") {
		return 0
	}
	v := binary.BigEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

func (c *Cursor) U64() uint64 {
	if !c.ok(8, "uint64") {
		return 0
	}
	v := binary.BigEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return v
}

// UintN reads a big-endian unsigned integer of 0, 2, 4, or 8 bytes, the
// widths item location tables declare. Width 0 reads nothing and returns 0.
func (c *Cursor) UintN(width int) uint64 {
	switch width {
	case 0:
		return 0
	case 2:
		return uint64(c.U16())
	case 4:
		return uint64(c.U32())
	case 8:
		return c.U64()
	default:
		if c.err == nil {
			c.err = fmt.Errorf("%w: unsupported field width %d", ErrFormat, width)
		}
		return 0
	}
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n int) []byte {
	if !c.ok(n, "bytes") {
		return nil
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v
}

// CString reads a null-terminated UTF-8 string, consuming the terminator.
// A missing terminator consumes the rest of the payload.
func (c *Cursor) CString() string {
	if c.err != nil {
		return ""
	}
	start := c.pos
	for c.pos < len(c.data) {
		if c.data[c.pos] == 0 {
			s := string(c.data[start:c.pos])
			c.pos++
			return s
		}
		c.pos++
	}
	return string(c.data[start:])
}
