package codec

import (
	"encoding/json"
	"fmt"

	pkgerrors "hwbridge/errors"
	"hwbridge/message"
)

// JSONCodec serializes Commands as JSON objects. Every command, cancel included,
// gets exactly one reply object from a JSON backend.
type JSONCodec struct{}

func (c *JSONCodec) Encode(cmd *message.Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, pkgerrors.Protocol("encode", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, pkgerrors.Protocol("encode", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte) (message.Response, error) {
	return decodeObject(data)
}

func (c *JSONCodec) Replies(cmd *message.Command) int {
	return 1
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// decodeObject parses data as a JSON object. Arrays, scalars and null are rejected.
func decodeObject(data []byte) (message.Response, error) {
	var resp message.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, pkgerrors.Protocol("decode", err)
	}
	if resp == nil {
		return nil, pkgerrors.Protocol("decode", fmt.Errorf("reply is not a JSON object: %.64q", data))
	}
	return resp, nil
}
