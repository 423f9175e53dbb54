package proto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Codec is the content subtype the Syncer service is served with. Native
// clients send application/grpc+json. Browser clients going through the
// grpc-web endpoint must send application/grpc-web+json; the default
// grpc-web+proto is not understood since the messages are plain structs.
const Codec = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return Codec
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
