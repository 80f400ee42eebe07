// Package codec turns messages into wire frames and back.
//
// A frame is one encoded message. A batch is a sequence of frames, used by
// the poll transport for both request and response bodies.
package codec

import (
	"encoding/json"

	"mushroom/message"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(m message.Message) ([]byte, error)
	Decode(frame []byte) (message.Message, error)
	EncodeBatch(msgs []message.Message) ([]byte, error)
	// DecodeBatch splits a batch into raw frames without decoding them,
	// so the caller can decode and de-duplicate each one on its own.
	DecodeBatch(body []byte) ([]json.RawMessage, error)
	Type() CodecType
}

// GetCodec returns the codec for codecType. JSON text is the only framing
// the protocol defines, so unknown types fall back to it.
func GetCodec(codecType CodecType) Codec {
	_ = codecType
	return &JSONCodec{}
}
