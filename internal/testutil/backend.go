package testutil

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hwbridge/message"
)

// Backend is a WebSocket measurement server modelled on the desktop backend: it greets
// every connection with a handshake and answers info, list, execute, cancel and raw.
// An execute of SlowFunction does not finish until a cancel arrives on the connection.
type Backend struct {
	Name         string
	SlowFunction string
	// Silent backends accept connections but never send a handshake.
	Silent bool

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	commands []message.Command
	conns    int
	live     map[*websocket.Conn]struct{}
}

// NewBackend starts a backend announcing itself as name.
func NewBackend(name string) *Backend {
	b := &Backend{Name: name, SlowFunction: "slow", live: make(map[*websocket.Conn]struct{})}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

// URL returns the ws:// URL of the backend.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/"
}

// Endpoint returns the address of the backend.
func (b *Backend) Endpoint() message.Endpoint {
	host, port, _ := net.SplitHostPort(b.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return message.Endpoint{Address: host, Port: p, Name: b.Name}
}

// Port returns the TCP port of the backend.
func (b *Backend) Port() int {
	return b.Endpoint().Port
}

// Commands returns every command received so far, in order.
func (b *Backend) Commands() []message.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message.Command(nil), b.commands...)
}

// Connections returns how many WebSocket sessions were accepted.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns
}

// Drop closes every open WebSocket session, keeping the listener up.
func (b *Backend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.live {
		conn.Close()
	}
}

// Close drops all sessions and stops the listener. Upgraded connections are hijacked
// and no longer tracked by httptest, so they are closed here.
func (b *Backend) Close() {
	b.Drop()
	b.srv.Close()
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns++
	b.live[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.live, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	var wmu sync.Mutex
	write := func(v any) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.WriteJSON(v)
	}

	if !b.Silent {
		write(map[string]any{
			"type":       "welcome",
			"serverName": b.Name,
			"version":    "1.0.0",
			"message":    "Connected to " + b.Name,
		})
	}

	cancel := make(chan struct{}, 1)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd message.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			write(message.ErrorResponse("Invalid JSON"))
			continue
		}

		b.mu.Lock()
		b.commands = append(b.commands, cmd)
		b.mu.Unlock()

		switch cmd.Action {
		case message.ActionInfo:
			write(map[string]any{"serverName": b.Name, "version": "1.0.0"})
		case message.ActionList:
			write(map[string]any{"functions": []map[string]string{
				{"name": "prefetch", "description": "Prefetch effects"},
				{"name": b.SlowFunction, "description": "Never finishes on its own"},
			}})
		case message.ActionExecute:
			if cmd.Function != b.SlowFunction {
				write(map[string]any{
					"experiment": cmd.Function,
					"params":     cmd.Params,
					"dataPoints": []map[string]any{{"step": 64, "time_us": 12.5}},
				})
				continue
			}
			select {
			case <-cancel:
			default:
			}
			go func() {
				select {
				case <-cancel:
					write(map[string]any{"error": "Experiment cancelled", "cancelled": true})
				case <-time.After(30 * time.Second):
					write(map[string]any{"experiment": cmd.Function})
				}
			}()
		case message.ActionCancel:
			select {
			case cancel <- struct{}{}:
			default:
			}
			write(map[string]any{"status": "cancelling", "message": "Cancel request received"})
		case message.ActionRaw:
			write(map[string]any{"raw": cmd.Raw})
		default:
			write(message.ErrorResponse("Unknown action: %s", cmd.Action))
		}
	}
}
