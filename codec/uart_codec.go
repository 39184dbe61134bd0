package codec

import (
	"fmt"

	pkgerrors "hwbridge/errors"
	"hwbridge/message"
)

// UARTCodec encodes Commands for a microcontroller that only understands one-byte
// commands. Wire format per action:
//
//	execute  →  FunctionTable code, e.g. '3'        replies: Function.Frames
//	raw      →  the raw string bytes                 replies: 1
//	cancel   →  0x03 (ETX)                           replies: 0
//	info     →  not representable, answered by the bridge
//	list     →  not representable, answered by the bridge
//
// Parameters are not transmitted; the firmware runs every experiment with built-in values.
type UARTCodec struct {
	table *FunctionTable
}

// NewUARTCodec returns a codec backed by table.
func NewUARTCodec(table *FunctionTable) *UARTCodec {
	return &UARTCodec{table: table}
}

// Table returns the function table of the codec.
func (c *UARTCodec) Table() *FunctionTable {
	return c.table
}

func (c *UARTCodec) Encode(cmd *message.Command) ([]byte, error) {
	switch cmd.Action {
	case message.ActionExecute:
		fn, ok := c.table.Lookup(cmd.Function)
		if !ok {
			return nil, pkgerrors.Protocol("encode", fmt.Errorf("%w: %s", pkgerrors.ErrUnknownFunction, cmd.Function))
		}
		return []byte(fn.Code), nil
	case message.ActionCancel:
		return []byte{CancelByte}, nil
	case message.ActionRaw:
		if cmd.Raw == "" {
			return nil, pkgerrors.Protocol("encode", fmt.Errorf("%w: raw requires a command", pkgerrors.ErrInvalidCommand))
		}
		return []byte(cmd.Raw), nil
	case message.ActionInfo, message.ActionList:
		return nil, pkgerrors.Protocol("encode", fmt.Errorf("%w: %s", pkgerrors.ErrUnsupportedAction, cmd.Action))
	default:
		return nil, pkgerrors.Protocol("encode", fmt.Errorf("%w: unknown action %q", pkgerrors.ErrInvalidCommand, cmd.Action))
	}
}

// Decode parses one frame cut by protocol.Assembler.
func (c *UARTCodec) Decode(data []byte) (message.Response, error) {
	return decodeObject(data)
}

func (c *UARTCodec) Replies(cmd *message.Command) int {
	switch cmd.Action {
	case message.ActionExecute:
		if fn, ok := c.table.Lookup(cmd.Function); ok {
			return fn.Frames
		}
		return 0
	case message.ActionRaw:
		return 1
	default:
		return 0
	}
}

func (c *UARTCodec) Type() CodecType {
	return CodecTypeUART
}
