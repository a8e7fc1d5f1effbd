package synclog

import (
	"fmt"

	"github.com/aalhour/vpagestore/internal/encoding"
	"github.com/aalhour/vpagestore/internal/txctx"
)

// encodePreImage serializes a PreImage as PageID followed by the raw
// MDF block bytes.
func encodePreImage(p PreImage) []byte {
	buf := make([]byte, preImageHeaderSize+len(p.MDFBlock))
	encoding.EncodeFixed64(buf, uint64(p.PageID))
	copy(buf[preImageHeaderSize:], p.MDFBlock)
	return buf
}

// decodePreImage parses a logical record payload back into a PreImage.
func decodePreImage(data []byte) (PreImage, error) {
	if len(data) < preImageHeaderSize {
		return PreImage{}, fmt.Errorf("synclog: pre-image record too short: %d bytes", len(data))
	}
	pageID := txctx.PageID(encoding.DecodeFixed64(data[:preImageHeaderSize]))
	block := make([]byte, len(data)-preImageHeaderSize)
	copy(block, data[preImageHeaderSize:])
	return PreImage{PageID: pageID, MDFBlock: block}, nil
}
