package main

import (
	"bytes"
	"encoding/gob"
)

// gobCodec is a grpc encoding.Codec implementation backed by encoding/gob, forced
// via grpc.ForceServerCodec in place of the protobuf codec a generated
// client/server pair would normally use.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }
