package nodes

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/epiloop/epiloop/pkg/protocol"
)

// MaxPayloadBytes caps a single reply payload; larger captures must be
// thumbnailed or rejected before they hit the wire.
const MaxPayloadBytes = 6 << 20

// ThumbnailEdge is the default bounding box for snapshot previews.
const ThumbnailEdge = 1280

// EncodeAttachment wraps captured bytes for the wire.
func EncodeAttachment(contentType, name string, data []byte) (protocol.Attachment, error) {
	if len(data) > MaxPayloadBytes {
		return protocol.Attachment{}, protocol.NewError(protocol.KindNodeRPC,
			protocol.CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit %d", len(data), MaxPayloadBytes))
	}
	return protocol.Attachment{
		ContentType: contentType,
		Name:        name,
		Data:        base64.StdEncoding.EncodeToString(data),
	}, nil
}

// DecodeAttachment recovers the raw bytes of a wire attachment.
func DecodeAttachment(a protocol.Attachment) ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Data)
}

// Thumbnail shrinks an image to fit maxEdge on its longer side and
// re-encodes it as JPEG. Images already inside the box are only
// re-encoded, which still normalizes exotic capture formats.
func Thumbnail(data []byte, maxEdge int) ([]byte, error) {
	if maxEdge <= 0 {
		maxEdge = ThumbnailEdge
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}
	fitted := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
