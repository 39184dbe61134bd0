// Package engine sequences request/response exchanges over a transport.Adapter.
//
// The same Engine runs in the client (over a SocketAdapter) and in the bridge (over a
// SerialAdapter). The protocol is half-duplex: one request at a time, no pipelining.
//
//	idle ──Do──→ sent ──→ awaiting ──┬─→ delivered
//	                                 ├─→ cancelled  (ctx done: cancel sent, conn kept)
//	                                 ├─→ timed out  (cancel sent, conn kept)
//	                                 └─→ failed     (transport error: conn closed)
//
// Replies the caller walked away from still arrive later. The engine remembers how many
// are owed and discards them before the next request is sent, so a reused connection
// never hands one request's reply to another. Firmware that ignores the cancel keeps
// computing until the abandoned request's own deadline, so owed replies are waited for
// at least that long; a request whose timeout ends first fails without being sent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"hwbridge/codec"
	pkgerrors "hwbridge/errors"
	"hwbridge/message"
	"hwbridge/transport"
)

const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultCancelTimeout = 2 * time.Second
)

type Config struct {
	// PollInterval is the longest single Receive; cancellation is seen within one interval.
	PollInterval time.Duration
	// CancelTimeout bounds sending a cancel and waiting for abandoned replies.
	CancelTimeout time.Duration
	Logger        *slog.Logger
}

// Engine runs one request at a time over an adapter. Safe for concurrent use; a
// second concurrent Do fails with ErrRequestPending.
type Engine struct {
	adapter transport.Adapter
	codec   codec.Codec
	cfg     Config
	log     *slog.Logger

	busy   atomic.Bool
	closed atomic.Bool

	// Owed replies, only touched while busy is held.
	staleFrames int       // frames of an abandoned request
	staleAcks   int       // replies to cancels the engine sent
	staleUntil  time.Time // deadline of the abandoned request
}

func New(adapter transport.Adapter, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		adapter: adapter,
		codec:   adapter.Codec(),
		cfg:     cfg,
		log:     cfg.Logger.With("component", "engine", "codec", adapter.Codec().Type().String()),
	}
}

// Do sends cmd and waits up to timeout for its reply.
//
// A command answered by several frames returns {"results": [...]}; a command the backend
// does not answer returns an empty Response. When ctx ends or timeout elapses the engine
// sends a best-effort cancel and returns ctx.Err() or a TimeoutError; the connection
// stays open. A TransportError closes it.
func (e *Engine) Do(ctx context.Context, cmd *message.Command, timeout time.Duration) (message.Response, error) {
	if e.closed.Load() {
		return nil, pkgerrors.Connection("do", pkgerrors.ErrClosed)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, pkgerrors.ErrRequestPending
	}
	defer e.busy.Store(false)
	deadline := time.Now().Add(timeout)

	// Step 1: swallow replies owed to earlier, abandoned requests
	if e.staleFrames+e.staleAcks > 0 {
		if err := e.drain(ctx, deadline); err != nil {
			return nil, err
		}
	}

	// Step 2: send
	want := e.codec.Replies(cmd)
	if err := e.adapter.Send(ctx, cmd); err != nil {
		return nil, e.fail(err)
	}
	if want == 0 {
		return message.Response{}, nil
	}

	// Step 3: collect
	frames, err := e.collect(ctx, cmd, want, deadline, timeout)
	if err != nil {
		switch {
		case pkgerrors.IsTimeout(err), isContextErr(err):
			e.abandon(ctx, cmd, want-len(frames), deadline)
		case pkgerrors.IsProtocol(err):
			// The unreadable message was one of the replies.
			e.staleFrames += want - len(frames) - 1
		}
		return nil, err
	}

	if want == 1 {
		return frames[0], nil
	}
	results := make([]any, len(frames))
	for i, f := range frames {
		results[i] = map[string]any(f)
	}
	return message.Response{"results": results}, nil
}

func (e *Engine) collect(ctx context.Context, cmd *message.Command, want int, deadline time.Time, timeout time.Duration) ([]message.Response, error) {
	frames := make([]message.Response, 0, want)

	for len(frames) < want {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return frames, pkgerrors.Timeout("do", fmt.Errorf("got %d of %d replies within %s", len(frames), want, timeout))
		}

		resp, err := e.adapter.Receive(ctx, min(e.cfg.PollInterval, remaining))
		switch {
		case err == nil && e.stray(cmd, want, resp):
			e.log.Warn("discarded reply of another experiment", "want", cmd.Function, "got", resp["experiment"])
		case err == nil:
			frames = append(frames, resp)
		case pkgerrors.IsTimeout(err), isContextErr(err):
			// checked at the top of the loop
		case pkgerrors.IsProtocol(err):
			return frames, err
		default:
			return frames, e.fail(err)
		}
	}
	return frames, nil
}

// stray reports a serial frame that names a different experiment than the single
// function cmd runs: output of an earlier run the firmware finished anyway.
func (e *Engine) stray(cmd *message.Command, want int, resp message.Response) bool {
	if e.codec.Type() != codec.CodecTypeUART || want != 1 || cmd.Action != message.ActionExecute {
		return false
	}
	name, ok := resp["experiment"].(string)
	return ok && name != cmd.Function
}

// abandon records the outstanding replies of cmd and asks the backend to stop.
func (e *Engine) abandon(ctx context.Context, cmd *message.Command, outstanding int, deadline time.Time) {
	e.staleFrames += outstanding
	if outstanding > 0 && deadline.After(e.staleUntil) {
		e.staleUntil = deadline
	}
	if cmd.Action == message.ActionCancel || e.closed.Load() {
		return
	}

	cancelCmd := message.Cancel()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()

	if err := e.adapter.Send(cctx, &cancelCmd); err != nil {
		e.log.Warn("cancel not sent", "err", err)
		e.fail(err)
		return
	}
	e.staleAcks += e.codec.Replies(&cancelCmd)
	e.log.Info("cancel sent", "action", cmd.Action, "function", cmd.Function, "outstanding", outstanding)
}

// drain discards owed replies. They are waited for until CancelTimeout or the abandoned
// request's deadline, whichever is later, and then forgotten. If limit, the deadline of
// the request about to be sent, comes first, drain fails with a TimeoutError and the
// replies stay owed.
func (e *Engine) drain(ctx context.Context, limit time.Time) error {
	giveUp := time.Now().Add(e.cfg.CancelTimeout)
	if e.staleUntil.After(giveUp) {
		giveUp = e.staleUntil
	}
	end := giveUp
	if limit.Before(end) {
		end = limit
	}

	for e.staleFrames+e.staleAcks > 0 {
		remaining := time.Until(end)
		if remaining <= 0 && end.Before(giveUp) {
			return pkgerrors.Timeout("do", fmt.Errorf("backend still busy with an abandoned request (%d replies owed)", e.staleFrames+e.staleAcks))
		}
		if remaining <= 0 {
			e.log.Warn("abandoned replies never arrived", "frames", e.staleFrames, "acks", e.staleAcks)
			e.staleFrames, e.staleAcks = 0, 0
			break
		}

		resp, err := e.adapter.Receive(ctx, min(e.cfg.PollInterval, remaining))
		switch {
		case err == nil:
			e.discard(resp)
		case pkgerrors.IsTimeout(err):
		case isContextErr(err):
			return err
		case pkgerrors.IsProtocol(err):
			e.discard(nil)
		default:
			return e.fail(err)
		}
	}
	e.staleUntil = time.Time{}
	return nil
}

// discard accounts for one stale reply. A frame marked "cancelled" is the last one an
// aborted experiment prints, so it settles all frames still owed by that request.
func (e *Engine) discard(resp message.Response) {
	_, ack := resp["status"]
	cancelled, _ := resp["cancelled"].(bool)

	switch {
	case ack && e.staleAcks > 0:
		e.staleAcks--
	case e.staleFrames > 0 && cancelled:
		e.staleFrames = 0
	case e.staleFrames > 0:
		e.staleFrames--
	default:
		e.staleAcks--
	}
	e.log.Debug("discarded stale reply", "frames", e.staleFrames, "acks", e.staleAcks)
}

// fail closes the adapter when err is a transport failure.
func (e *Engine) fail(err error) error {
	if pkgerrors.IsTransport(err) && e.closed.CompareAndSwap(false, true) {
		e.log.Warn("transport failed, closing connection", "err", err)
		e.adapter.Close()
	}
	return err
}

// Busy reports whether a request is in flight.
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// Closed reports whether a transport failure closed the connection.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// Adapter returns the underlying adapter.
func (e *Engine) Adapter() transport.Adapter {
	return e.adapter
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
