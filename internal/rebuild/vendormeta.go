package rebuild

import (
	"bytes"

	"motionstill/internal/bmff"
	"motionstill/internal/identity"
)

// vendorMetaUserType is the 16-byte usertype of the uuid box that carries
// the identifier pair inside meta.
var vendorMetaUserType = []byte("motionstill-ids\x00")

// vendorMetaBox builds the uuid leaf for an identifier pair: usertype, then
// the content and photo identifiers as null-terminated strings.
func vendorMetaBox(pair identity.Pair) *bmff.Box {
	payload := make([]byte, 0, len(vendorMetaUserType)+len(pair.ContentID)+len(pair.PhotoID)+2)
	payload = append(payload, vendorMetaUserType...)
	payload = append(payload, pair.ContentID...)
	payload = append(payload, 0)
	payload = append(payload, pair.PhotoID...)
	payload = append(payload, 0)
	return bmff.NewLeaf(bmff.TypeUUID, payload)
}

func isVendorMetaBox(b *bmff.Box) bool {
	return b.Type == bmff.TypeUUID &&
		len(b.Payload) >= len(vendorMetaUserType) &&
		bytes.Equal(b.Payload[:len(vendorMetaUserType)], vendorMetaUserType)
}

// ReadVendorMetadata returns the identifier pair previously written into the
// container's meta box, and whether one was found.
func ReadVendorMetadata(root *bmff.Box) (identity.Pair, bool) {
	meta := root.Child(bmff.TypeMeta)
	if meta == nil {
		return identity.Pair{}, false
	}
	for _, c := range meta.Children {
		if !isVendorMetaBox(c) {
			continue
		}
		cur := bmff.NewCursor(c.Payload[len(vendorMetaUserType):])
		content := cur.CString()
		photo := cur.CString()
		if cur.Err() != nil || content == "" {
			return identity.Pair{}, false
		}
		return identity.Pair{ContentID: content, PhotoID: photo}, true
	}
	return identity.Pair{}, false
}
