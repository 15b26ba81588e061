package protocol

import (
	"encoding/json"
	"io"
)

// JSONCodec is the default wire codec. Unknown fields are ignored on decode;
// missing required header fields fail the decode rather than surfacing later
// as a half-initialized envelope.
type JSONCodec struct{}

func (JSONCodec) Name() string { return Json }

func (JSONCodec) Encode(w io.Writer, m *Envelope) error {
	enc := json.NewEncoder(w)
	return enc.Encode(m)
}

func (JSONCodec) Decode(r io.Reader, m *Envelope, maxSize int) error {
	rr := r
	if maxSize > 0 {
		rr = io.LimitReader(r, int64(maxSize))
	}
	dec := json.NewDecoder(rr)
	if err := dec.Decode(m); err != nil {
		return err
	}
	return m.Validate()
}
