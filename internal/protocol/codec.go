package protocol

import (
	"fmt"
	"io"
)

const (
	CodecJson = iota
)

const (
	Json = "json"
)

var codecFactories = map[int]func() MessageCodec{
	CodecJson: func() MessageCodec { return &JSONCodec{} },
}

// MessageCodec encodes and decodes envelopes on the wire.
type MessageCodec interface {
	Name() string
	Encode(w io.Writer, m *Envelope) error
	Decode(r io.Reader, m *Envelope, maxSize int) error
}

// NewCodec creates a codec for the given codec constant.
func NewCodec(cc int) (MessageCodec, error) {
	if factory, ok := codecFactories[cc]; ok {
		return factory(), nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", cc)
}
