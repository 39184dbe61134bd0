package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	pkgerrors "hwbridge/errors"
	"hwbridge/message"
	"hwbridge/transport"
)

// session serves one WebSocket client.
//
// The read loop never blocks on the device: a request runs in its own goroutine so the
// loop can still see a cancel for it.
//
//	read ──execute──→ go handle ──→ device ──→ reply
//	read ──cancel───→ cancel in-flight ctx, ack immediately
//	read ──execute──→ (one in flight) error reply
type session struct {
	id   string
	srv  *Server
	sock *transport.SocketAdapter
	log  *slog.Logger

	mu       sync.Mutex
	inflight context.CancelFunc // set while a request runs
	wg       sync.WaitGroup
}

func newSession(srv *Server, sock *transport.SocketAdapter) *session {
	id := uuid.NewString()
	return &session{
		id:   id,
		srv:  srv,
		sock: sock,
		log:  srv.log.With("session", id, "remote", sock.RemoteAddr()),
	}
}

// run serves requests until the client leaves, the session idles out or readCtx ends.
// In-flight requests run under reqCtx and are waited for before the socket closes.
func (s *session) run(readCtx, reqCtx context.Context) {
	defer s.sock.Close()
	defer s.wg.Wait()

	s.log.Info("client connected")
	if err := s.sock.WriteJSON(readCtx, s.srv.welcome()); err != nil {
		s.log.Warn("welcome not sent", "err", err)
		return
	}

	for {
		data, err := s.sock.ReadMessage(readCtx, s.srv.cfg.IdleTimeout)
		if pkgerrors.IsTimeout(err) && s.busy() {
			// Waiting on a long experiment is not idling.
			continue
		}
		if err != nil {
			switch {
			case pkgerrors.IsTimeout(err):
				s.log.Info("closing idle session")
			case errors.Is(err, context.Canceled):
				// Shutdown: let the in-flight request finish.
				s.log.Debug("session stopped by shutdown")
				return
			default:
				s.log.Info("client disconnected", "err", err)
			}
			s.abort()
			return
		}

		var cmd message.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reply(reqCtx, message.ErrorResponse("Invalid JSON"))
			continue
		}

		if cmd.Action == message.ActionCancel {
			s.cancel(reqCtx)
			continue
		}
		s.start(reqCtx, cmd)
	}
}

func (s *session) start(reqCtx context.Context, cmd message.Command) {
	s.mu.Lock()
	if s.inflight != nil {
		s.mu.Unlock()
		s.reply(reqCtx, message.ErrorResponse("Request already in progress"))
		return
	}
	ctx, cancel := context.WithCancel(reqCtx)
	s.inflight = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		resp := s.srv.handler(ctx, &cmd)

		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
		s.reply(reqCtx, resp)
	}()
}

// cancel aborts the in-flight request. The request itself then replies with a
// "cancelled" error, so the client gets exactly two replies: the ack and that error.
func (s *session) cancel(reqCtx context.Context) {
	s.mu.Lock()
	cancel := s.inflight
	s.mu.Unlock()

	s.srv.metrics.cancelled()
	if cancel == nil {
		s.reply(reqCtx, message.Response{"status": "idle", "message": "No request in progress"})
		return
	}
	// Ack first: the cancelled request replies right after.
	s.reply(reqCtx, message.Response{"status": "cancelling", "message": "Cancel sent to MCU"})
	s.log.Info("request cancelled by client")
	cancel()
}

func (s *session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// abort cancels the in-flight request, if any, without replying.
func (s *session) abort() {
	s.mu.Lock()
	cancel := s.inflight
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// reply is delivered even when ctx is cancelled, so an aborted request still gets its error.
func (s *session) reply(ctx context.Context, resp message.Response) {
	if err := s.sock.WriteJSON(context.WithoutCancel(ctx), resp); err != nil {
		s.log.Debug("reply not delivered", "err", err)
	}
}
