// Package bmff reads and writes ISO base media (ISOBMFF) box structures as
// used by HEIC/HEIF image containers.
//
// The package is deliberately structural: it parses a byte stream into an
// immutable tree of typed, length-prefixed boxes and serializes such trees
// back to bytes with recomputed sizes. It never interprets payload bytes of
// leaf boxes; item-level semantics live in the heic package.
package bmff

import (
	"errors"
	"fmt"
)

// ErrFormat is the sentinel for malformed or truncated container data.
// All parse failures wrap it.
var ErrFormat = errors.New("malformed container")

// BoxType is a four-character box code.
type BoxType [4]byte

// TypeOf converts a four-character string literal to a BoxType.
// It panics on other lengths; box codes are fixed-width by definition.
func TypeOf(s string) BoxType {
	if len(s) != 4 {
		panic("bmff: box type must be 4 characters: " + s)
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

func (t BoxType) String() string { return string(t[:]) }

// Box types the rest of the module works with directly.
var (
	TypeFtyp = TypeOf("ftyp")
	TypeMeta = TypeOf("meta")
	TypeHdlr = TypeOf("hdlr")
	TypePitm = TypeOf("pitm")
	TypeIinf = TypeOf("iinf")
	TypeInfe = TypeOf("infe")
	TypeIloc = TypeOf("iloc")
	TypeIref = TypeOf("iref")
	TypeIprp = TypeOf("iprp")
	TypeIpco = TypeOf("ipco")
	TypeIpma = TypeOf("ipma")
	TypeIdat = TypeOf("idat")
	TypeMdat = TypeOf("mdat")
	TypeUUID = TypeOf("uuid")
	TypeMpvd = TypeOf("mpvd")
)

// containerTypes are the box types whose bodies are recursed into as child
// boxes. Everything else is a leaf whose payload stays opaque, so media data
// is never misparsed as structure.
var containerTypes = map[BoxType]bool{
	TypeOf("meta"): true,
	TypeOf("moov"): true,
	TypeOf("trak"): true,
	TypeOf("dinf"): true,
	TypeOf("ipro"): true,
	TypeOf("iprp"): true,
	TypeOf("ipco"): true,
	TypeOf("iinf"): true,
	TypeOf("iref"): true,
}

// fullPrefixLen reports how many body bytes of a container box precede its
// children: the 4-byte version/flags of full boxes, plus iinf's entry count.
// The count width depends on the version byte, so the body is consulted.
func fullPrefixLen(typ BoxType, body []byte) (int, error) {
	switch typ {
	case TypeMeta, TypeIref:
		if len(body) < 4 {
			return 0, fmt.Errorf("%w: %s box too short for version and flags", ErrFormat, typ)
		}
		return 4, nil
	case TypeIinf:
		if len(body) < 6 {
			return 0, fmt.Errorf("%w: iinf box too short for version and entry count", ErrFormat)
		}
		if body[0] == 0 {
			return 6, nil
		}
		if len(body) < 8 {
			return 0, fmt.Errorf("%w: iinf box too short for 32-bit entry count", ErrFormat)
		}
		return 8, nil
	default:
		return 0, nil
	}
}

// Box is one node of a parsed or constructed container tree. Leaf boxes
// carry an opaque Payload; container boxes carry ordered Children, with
// Prefix holding any version/flags/count bytes that precede them. Parsed
// trees are read-only: edits are expressed by constructing new boxes.
type Box struct {
	Type     BoxType
	Start    int64 // offset of the header within the parsed stream
	End      int64 // offset one past the final byte
	Prefix   []byte
	Payload  []byte
	Children []*Box

	container bool
	large     bool // header carried a 64-bit extended size
	toEnd     bool // size field was the zero "extends to end" marker
}

// NewLeaf constructs a leaf box with the given payload.
func NewLeaf(typ BoxType, payload []byte) *Box {
	return &Box{Type: typ, Payload: payload}
}

// NewContainer constructs a container box. prefix carries the version/flags
// (and count) bytes that precede the children, if the type has any.
func NewContainer(typ BoxType, prefix []byte, children ...*Box) *Box {
	return &Box{Type: typ, Prefix: prefix, Children: children, container: true}
}

// NewRoot constructs a headerless synthetic root holding top-level boxes,
// the same shape Parse returns, suitable for Marshal.
func NewRoot(children ...*Box) *Box {
	return &Box{Children: children, container: true}
}

// Container reports whether the box holds child boxes.
func (b *Box) Container() bool { return b.container }

// HeaderLen is the serialized header length: 8, or 16 with an extended size.
func (b *Box) HeaderLen() int64 {
	if b.large {
		return 16
	}
	return 8
}

// PayloadOffset is the stream offset of the box body (after the header),
// valid for parsed boxes.
func (b *Box) PayloadOffset() int64 { return b.Start + b.HeaderLen() }

// Child returns the first direct child of the given type.
func (b *Box) Child(typ BoxType) *Box {
	for _, c := range b.Children {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// ChildrenOf returns all direct children of the given type, in order.
func (b *Box) ChildrenOf(typ BoxType) []*Box {
	var out []*Box
	for _, c := range b.Children {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

// Find walks a path of box types from this box and returns the first match,
// or nil. Find(TypeMeta, TypeIprp, TypeIpco) locates the property container.
func (b *Box) Find(path ...BoxType) *Box {
	cur := b
	for _, typ := range path {
		cur = cur.Child(typ)
		if cur == nil {
			return nil
		}
	}
	return cur
}
