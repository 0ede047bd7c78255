package proxy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

const requestTimeout = 30 * time.Second

// frameSender is the slice of the transport client the engine needs;
// tests substitute a capture.
type frameSender interface {
	Send(f *protocol.Frame)
	Connected() bool
}

// engine is the browser-facing side: it terminates HTTP/1.1 proxy
// requests and CONNECTs, assigns ids, and splices responses and raw
// streams back onto the client sockets.
type engine struct {
	logger  *slog.Logger
	client  frameSender
	idGen   func() string
	timeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame

	tunnelsMu sync.Mutex
	tunnels   map[string]*tunnel
}

func newEngine(logger *slog.Logger, idMode string) (*engine, error) {
	var idGen func() string
	switch idMode {
	case "", "uuid":
		idGen = uuid.NewString
	case "cuid":
		idGen = cuid.New
	default:
		return nil, errUnknownIDMode(idMode)
	}
	return &engine{
		logger:  logger,
		idGen:   idGen,
		timeout: requestTimeout,
		pending: make(map[string]chan *protocol.Frame),
		tunnels: make(map[string]*tunnel),
	}, nil
}

type errUnknownIDMode string

func (e errUnknownIDMode) Error() string {
	return "unsupported id mode \"" + string(e) + "\" (use uuid or cuid)"
}

func (e *engine) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameTypeHTTPResponse:
		e.resolvePending(f)
	case protocol.FrameTypeConnectAck:
		e.handleConnectAck(f)
	case protocol.FrameTypeConnectData:
		e.handleConnectData(f)
	case protocol.FrameTypeConnectEnd:
		e.handleConnectEnd(f)
	case protocol.FrameTypeConnectError:
		e.handleConnectError(f)
	case protocol.FrameTypeHelloAck:
		e.logger.Debug("registered", "session", f.Session)
	case protocol.FrameTypeError:
		e.logger.Warn("relay reported error", "message", f.Message)
	default:
		e.logger.Warn("unknown frame type", "type", f.Type)
	}
}

// registerPending installs the response slot for a fresh request id.
func (e *engine) registerPending(id string) chan *protocol.Frame {
	ch := make(chan *protocol.Frame, 1)
	e.pendingMu.Lock()
	e.pending[id] = ch
	e.pendingMu.Unlock()
	return ch
}

// dropPending removes the slot; a late http-response for the id is
// then discarded silently.
func (e *engine) dropPending(id string) {
	e.pendingMu.Lock()
	delete(e.pending, id)
	e.pendingMu.Unlock()
}

func (e *engine) resolvePending(f *protocol.Frame) {
	e.pendingMu.Lock()
	ch, ok := e.pending[f.ID]
	if ok {
		delete(e.pending, f.ID)
	}
	e.pendingMu.Unlock()
	if !ok {
		e.logger.Debug("late response discarded", "id", f.ID)
		return
	}
	ch <- f
}

// handleTransportDown fails every pending request and ends every
// tunnel; the browser sees 502 for requests, a one-shot 502 for
// CONNECT tunnels not yet acked, and a closed socket for the others.
func (e *engine) handleTransportDown(err error) {
	e.logger.Warn("transport lost", "error", err)

	e.pendingMu.Lock()
	pending := e.pending
	e.pending = make(map[string]chan *protocol.Frame)
	e.pendingMu.Unlock()
	for id, ch := range pending {
		ch <- &protocol.Frame{
			Type:  protocol.FrameTypeHTTPResponse,
			ID:    id,
			Error: "Server connection closed",
		}
	}

	e.tunnelsMu.Lock()
	tunnels := make([]*tunnel, 0, len(e.tunnels))
	for id, t := range e.tunnels {
		tunnels = append(tunnels, t)
		delete(e.tunnels, id)
	}
	e.tunnelsMu.Unlock()
	for _, t := range tunnels {
		t.fail("Server connection closed")
	}
}
