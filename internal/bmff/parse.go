package bmff

import (
	"encoding/binary"
	"fmt"
)

// Parse reads a complete ISOBMFF stream into an immutable box tree. The
// returned root is synthetic: its children are the stream's top-level boxes.
// Leaf payloads alias the input slice; callers must not mutate data after
// parsing.
func Parse(data []byte) (*Box, error) {
	children, err := parseBoxes(data, 0)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: empty stream", ErrFormat)
	}
	return &Box{
		Start:     0,
		End:       int64(len(data)),
		Children:  children,
		container: true,
	}, nil
}

// parseBoxes parses consecutive boxes filling data exactly. base is the
// absolute offset of data within the original stream, for error reporting
// and box offsets.
func parseBoxes(data []byte, base int64) ([]*Box, error) {
	var boxes []*Box
	pos := 0
	for pos < len(data) {
		if len(data)-pos < 8 {
			return nil, fmt.Errorf("%w: %d trailing bytes at offset %d are too short for a box header",
				ErrFormat, len(data)-pos, base+int64(pos))
		}
		b, consumed, err := parseBox(data[pos:], base+int64(pos))
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
		pos += consumed
	}
	return boxes, nil
}

func parseBox(data []byte, base int64) (*Box, int, error) {
	size := int64(binary.BigEndian.Uint32(data[:4]))
	var typ BoxType
	copy(typ[:], data[4:8])

	b := &Box{Type: typ, Start: base}
	headerLen := int64(8)

	switch size {
	case 0:
		// Box extends to the end of the enclosing space.
		b.toEnd = true
		size = int64(len(data))
	case 1:
		if len(data) < 16 {
			return nil, 0, fmt.Errorf("%w: box %q at offset %d truncated before 64-bit size",
				ErrFormat, typ, base)
		}
		b.large = true
		headerLen = 16
		us := binary.BigEndian.Uint64(data[8:16])
		if us > uint64(1<<62) {
			return nil, 0, fmt.Errorf("%w: box %q at offset %d has unreasonable size %d",
				ErrFormat, typ, base, us)
		}
		size = int64(us)
	}
	if size < headerLen {
		return nil, 0, fmt.Errorf("%w: box %q at offset %d declares size %d smaller than its header",
			ErrFormat, typ, base, size)
	}
	if size > int64(len(data)) {
		return nil, 0, fmt.Errorf("%w: box %q at offset %d declares size %d but only %d bytes remain",
			ErrFormat, typ, base, size, len(data))
	}
	b.End = base + size
	body := data[headerLen:size]

	if containerTypes[typ] {
		prefixLen, err := fullPrefixLen(typ, body)
		if err != nil {
			return nil, 0, err
		}
		b.container = true
		b.Prefix = body[:prefixLen]
		children, err := parseBoxes(body[prefixLen:], base+headerLen+int64(prefixLen))
		if err != nil {
			return nil, 0, err
		}
		b.Children = children
	} else {
		b.Payload = body
	}
	return b, int(size), nil
}

// FullHeader splits the leading version/flags bytes of a full box body.
func FullHeader(body []byte) (version uint8, flags uint32, rest []byte, err error) {
	if len(body) < 4 {
		return 0, 0, nil, fmt.Errorf("%w: body too short for version and flags", ErrFormat)
	}
	return body[0], uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3]), body[4:], nil
}
