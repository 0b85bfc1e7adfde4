package dcb

import "encoding/json"

// Codec serializes command payloads and metadata. The store never inspects
// event payload bytes; the codec exists for the pieces the store writes on
// the caller's behalf.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
