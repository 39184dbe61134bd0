// Package codec maps protocol Commands to a backend's native wire form and back.
//
// Two backends exist:
//   - JSON (desktop server, bridge): a Command is its JSON object, a reply is a JSON object.
//   - UART (microcontroller): a Command is a single ASCII byte from a FunctionTable, and
//     replies are whatever JSON frames the protocol.Assembler cuts out of the byte stream.
package codec

import (
	"hwbridge/message"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeUART CodecType = 1
)

// String returns the codec name.
func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "uart"
}

type Codec interface {
	// Encode returns the bytes to put on the wire for cmd.
	Encode(cmd *message.Command) ([]byte, error)
	// Decode parses one complete reply message.
	Decode(data []byte) (message.Response, error)
	// Replies returns how many reply messages the backend sends for cmd.
	Replies(cmd *message.Command) int
	Type() CodecType // 0=JSON, 1=UART
}

// GetCodec returns the codec for codecType. The UART codec uses DefaultFunctionTable.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return NewUARTCodec(DefaultFunctionTable())
}
