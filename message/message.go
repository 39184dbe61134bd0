// Package message defines the values exchanged between a client and a measurement backend.
//
// Command is the request envelope, Response the reply. Both travel as single JSON
// objects, over a WebSocket text frame or, after frame assembly, over a serial line.
package message

import (
	"fmt"
	"math"
	"time"

	pkgerrors "hwbridge/errors"
)

// Action is the verb of a Command.
type Action string

const (
	ActionInfo    Action = "info"
	ActionList    Action = "list"
	ActionExecute Action = "execute"
	ActionCancel  Action = "cancel"
	ActionRaw     Action = "raw"
)

// Valid reports whether a is one of the protocol actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInfo, ActionList, ActionExecute, ActionCancel, ActionRaw:
		return true
	}
	return false
}

// Command carries one request. It is built per request and not mutated afterwards.
//
//   - execute: Function names the experiment, Params holds scalar arguments.
//   - raw:     Raw is passed to the backend as-is.
//   - info, list, cancel: no further fields.
type Command struct {
	Action   Action         `json:"action"`
	Function string         `json:"function,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Raw      string         `json:"command,omitempty"`
}

func Info() Command   { return Command{Action: ActionInfo} }
func List() Command   { return Command{Action: ActionList} }
func Cancel() Command { return Command{Action: ActionCancel} }

// Execute builds an execute command. params may be nil.
func Execute(function string, params map[string]any) Command {
	return Command{Action: ActionExecute, Function: function, Params: params}
}

// RawCommand builds a raw passthrough command.
func RawCommand(raw string) Command {
	return Command{Action: ActionRaw, Raw: raw}
}

// Validate checks the fields required by the action and that every parameter is a scalar.
func (c *Command) Validate() error {
	if !c.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", pkgerrors.ErrInvalidCommand, c.Action)
	}
	if c.Action == ActionExecute && c.Function == "" {
		return fmt.Errorf("%w: execute requires a function name", pkgerrors.ErrInvalidCommand)
	}
	if c.Action == ActionRaw && c.Raw == "" {
		return fmt.Errorf("%w: raw requires a command", pkgerrors.ErrInvalidCommand)
	}
	for k, v := range c.Params {
		if !isScalar(v) {
			return fmt.Errorf("%w: parameter %q is not a scalar (%T)", pkgerrors.ErrInvalidCommand, k, v)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// Timeout returns params["timeout"] (seconds) as a duration, or def when absent or not positive.
func (c *Command) Timeout(def time.Duration) time.Duration {
	v, ok := c.Params["timeout"]
	if !ok {
		return def
	}
	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case float32:
		secs = float64(n)
	case int:
		secs = float64(n)
	case int64:
		secs = float64(n)
	default:
		return def
	}
	if secs <= 0 || math.IsNaN(secs) {
		return def
	}
	if secs >= math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}
