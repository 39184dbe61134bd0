package server

import (
	"context"
	"errors"
	"time"

	pkgerrors "hwbridge/errors"
	"hwbridge/message"
	"hwbridge/middleware"
)

// service answers requests. info and list are answered from local state; execute and
// raw go to the device.
type service struct {
	name    string
	version string
	port    int
	device  *Device

	executeTimeout time.Duration
	rawTimeout     time.Duration

	handlers map[message.Action]middleware.HandlerFunc
}

func newService(name, version string, port int, device *Device, executeTimeout, rawTimeout time.Duration) *service {
	s := &service{
		name:           name,
		version:        version,
		port:           port,
		device:         device,
		executeTimeout: executeTimeout,
		rawTimeout:     rawTimeout,
	}
	s.handlers = map[message.Action]middleware.HandlerFunc{
		message.ActionInfo:    s.info,
		message.ActionList:    s.list,
		message.ActionExecute: s.execute,
		message.ActionRaw:     s.raw,
	}
	return s
}

// dispatch is the innermost handler of the middleware chain.
func (s *service) dispatch(ctx context.Context, cmd *message.Command) message.Response {
	h, ok := s.handlers[cmd.Action]
	if !ok {
		return message.ErrorResponse("Unknown action: %s", cmd.Action)
	}
	return h(ctx, cmd)
}

// timeoutFor returns how long cmd may take end to end.
func (s *service) timeoutFor(cmd *message.Command) time.Duration {
	if cmd.Action == message.ActionExecute {
		return cmd.Timeout(s.executeTimeout)
	}
	return s.rawTimeout
}

func (s *service) info(context.Context, *message.Command) message.Response {
	return message.Response{
		"serverName": s.name,
		"version":    s.version,
		"port":       s.port,
		"uart_port":  s.device.PortName(),
		"baud_rate":  s.device.BaudRate(),
		"connected":  s.device.Connected(),
	}
}

func (s *service) list(context.Context, *message.Command) message.Response {
	fns := s.device.Functions().Functions()
	out := make([]message.FunctionInfo, 0, len(fns))
	for _, fn := range fns {
		out = append(out, message.FunctionInfo{Name: fn.Name, Description: fn.Description})
	}
	return message.Response{"functions": out}
}

func (s *service) execute(ctx context.Context, cmd *message.Command) message.Response {
	if _, ok := s.device.Functions().Lookup(cmd.Function); !ok {
		return message.ErrorResponse("Unknown function: %s", cmd.Function)
	}
	return s.run(ctx, cmd, cmd.Timeout(s.executeTimeout))
}

func (s *service) raw(ctx context.Context, cmd *message.Command) message.Response {
	if cmd.Raw == "" {
		return message.ErrorResponse("No command specified")
	}
	return s.run(ctx, cmd, s.rawTimeout)
}

func (s *service) run(ctx context.Context, cmd *message.Command, timeout time.Duration) message.Response {
	resp, err := s.device.Do(ctx, cmd, timeout)
	if err != nil {
		return errorReply(err)
	}
	return resp
}

// errorReply converts a device failure into the reply sent to the client.
func errorReply(err error) message.Response {
	var perr *pkgerrors.Error
	switch {
	case errors.Is(err, context.Canceled):
		return message.Response{"error": "Experiment cancelled", "cancelled": true}
	case errors.Is(err, context.DeadlineExceeded), pkgerrors.IsTimeout(err):
		return message.ErrorResponse("Timeout waiting for response")
	case errors.As(err, &perr) && perr.Op == "send":
		return message.ErrorResponse("Failed to send command to MCU")
	case pkgerrors.IsProtocol(err):
		return message.ErrorResponse("Invalid response from MCU: %v", err)
	default:
		return message.ErrorResponse("MCU unavailable: %v", err)
	}
}
