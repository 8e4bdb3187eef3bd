package stream

import "encoding/json"

// Codec serializes typed domain events to and from record payloads.
// Implementations are pluggable per event type.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec encodes events as JSON, matching the wire shape the rest of the
// platform publishes.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
