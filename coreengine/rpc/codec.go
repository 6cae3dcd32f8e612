// Package rpc exposes the kernel call surface over gRPC. Requests and
// responses travel as JSON through a forced codec, so clients in any
// language can call the kernel without generated stubs.
package rpc

import (
	"encoding/json"
	"fmt"
)

// CodecName is the content subtype the JSON codec registers under.
const CodecName = "json"

// jsonCodec marshals RPC messages as JSON. Installed with
// grpc.ForceServerCodec on the server and grpc.ForceCodec on clients.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}
