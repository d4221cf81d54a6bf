package bmff

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodedLen is the exact serialized length of the box, header included.
// A box parsed with a 64-bit header keeps it; otherwise the header widens
// automatically when the body outgrows the 32-bit size field.
func (b *Box) EncodedLen() int64 {
	body := int64(len(b.Prefix)) + int64(len(b.Payload))
	for _, c := range b.Children {
		body += c.EncodedLen()
	}
	if b.large || body+8 > math.MaxUint32 {
		return body + 16
	}
	return body + 8
}

// Marshal serializes the children of the synthetic root produced by Parse
// (the root itself has no header). Every declared size is recomputed
// bottom-up to match the true serialized length.
func Marshal(root *Box) ([]byte, error) {
	if !root.container || len(root.Prefix) > 0 || len(root.Payload) > 0 {
		return nil, fmt.Errorf("bmff: marshal root must be a bare container")
	}
	var total int64
	for _, c := range root.Children {
		total += c.EncodedLen()
	}
	out := make([]byte, 0, total)
	return appendBoxes(out, root.Children)
}

func appendBoxes(dst []byte, boxes []*Box) ([]byte, error) {
	for i, b := range boxes {
		if b.toEnd && i != len(boxes)-1 {
			return nil, fmt.Errorf("bmff: box %q uses the zero-size end marker but is not last", b.Type)
		}
		var err error
		dst, err = appendBox(dst, b)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendBox(dst []byte, b *Box) ([]byte, error) {
	body := int64(len(b.Prefix)) + int64(len(b.Payload)) + childLen(b)
	switch {
	case b.toEnd:
		dst = binary.BigEndian.AppendUint32(dst, 0)
		dst = append(dst, b.Type[:]...)
	case b.large || body+8 > math.MaxUint32:
		dst = binary.BigEndian.AppendUint32(dst, 1)
		dst = append(dst, b.Type[:]...)
		dst = binary.BigEndian.AppendUint64(dst, uint64(body+16))
	default:
		dst = binary.BigEndian.AppendUint32(dst, uint32(body+8))
		dst = append(dst, b.Type[:]...)
	}
	dst = append(dst, b.Prefix...)
	dst = append(dst, b.Payload...)
	return appendBoxes(dst, b.Children)
}

func childLen(b *Box) int64 {
	var n int64
	for _, c := range b.Children {
		n += c.EncodedLen()
	}
	return n
}
