package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

// channel is the relay's per-role mailbox: the live socket (if any),
// frames queued while the role is absent, and attached long-poll
// streams that may be written to.
type channel struct {
	role    protocol.Role
	socket  roleSocket
	queue   []*protocol.Frame
	streams []*pollStream
}

// roleSocket is the live persistent connection of one role. Writes are
// ordered; a failed write means the socket is no longer usable.
type roleSocket interface {
	WriteFrame(f *protocol.Frame) error
	CloseWithReason(reason string)
}

// session holds all relay state for one (lan, proxy) pairing. Every
// mutation goes through mu; forwarding re-reads the current socket of
// the target role, so ids never reference a stale connection.
type session struct {
	name   string
	server *relayServer
	logger *slog.Logger

	mu         sync.Mutex
	channels   map[protocol.Role]*channel
	requests   map[string]protocol.Role
	tunnels    map[string]protocol.Role
	lastActive time.Time
}

func newSession(server *relayServer, name string) *session {
	return &session{
		name:   name,
		server: server,
		logger: server.logger.With("session", name),
		channels: map[protocol.Role]*channel{
			protocol.RoleLAN:   {role: protocol.RoleLAN},
			protocol.RoleProxy: {role: protocol.RoleProxy},
		},
		requests:   make(map[string]protocol.Role),
		tunnels:    make(map[string]protocol.Role),
		lastActive: time.Now(),
	}
}

// attachSocket installs a freshly handshaken socket for role,
// displacing any prior one, then drains the queued frames in FIFO
// order before the caller starts reading new input.
func (s *session) attachSocket(role protocol.Role, sock roleSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()

	ch := s.channels[role]
	if prior := ch.socket; prior != nil && prior != sock {
		s.logger.Info("socket replaced", "role", role)
		s.server.metrics.socketsReplaced.Inc()
		s.server.metrics.socketsConnected.Dec()
		prior.CloseWithReason("replaced")
	}
	ch.socket = sock
	s.server.metrics.socketsConnected.Inc()

	pending := ch.queue
	ch.queue = nil
	s.server.metrics.framesQueued.Sub(float64(len(pending)))
	for _, f := range pending {
		if err := sock.WriteFrame(f); err != nil {
			// Put back whatever did not make it; the disconnect path
			// will run when the read loop observes the failure.
			ch.queue = append(ch.queue, f)
			s.server.metrics.framesQueued.Inc()
		}
	}
}

// detachSocket runs the disconnect cleanup for role, but only if sock
// is still the live socket (a replaced socket must not wipe the state
// its successor now owns).
func (s *session) detachSocket(role protocol.Role, sock roleSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()

	ch := s.channels[role]
	if ch.socket != sock {
		return
	}
	ch.socket = nil
	s.server.metrics.socketsConnected.Dec()

	switch role {
	case protocol.RoleLAN:
		s.failProxyWorkLocked("LAN disconnected")
	case protocol.RoleProxy:
		s.dropProxyWorkLocked()
	}
}

// failProxyWorkLocked synthesizes terminal frames toward the proxy for
// every outstanding proxy-originated id after the LAN side dropped.
func (s *session) failProxyWorkLocked(reason string) {
	for id, origin := range s.requests {
		if origin == protocol.RoleProxy {
			s.server.metrics.synthesizedFailures.Inc()
			s.respondLocked(protocol.RoleProxy, &protocol.Frame{
				Type:  protocol.FrameTypeHTTPResponse,
				ID:    id,
				Error: reason,
			})
		}
	}
	s.requests = make(map[string]protocol.Role)

	for id, origin := range s.tunnels {
		if origin == protocol.RoleProxy {
			s.server.metrics.synthesizedFailures.Inc()
			s.respondLocked(protocol.RoleProxy, &protocol.Frame{
				Type:    protocol.FrameTypeConnectError,
				ID:      id,
				Message: reason,
			})
		}
	}
	s.tunnels = make(map[string]protocol.Role)
}

// dropProxyWorkLocked discards proxy-owned requests and tells the LAN
// agent to close the target socket of each proxy-owned tunnel.
func (s *session) dropProxyWorkLocked() {
	for id, origin := range s.requests {
		if origin == protocol.RoleProxy {
			delete(s.requests, id)
		}
	}
	for id, origin := range s.tunnels {
		if origin != protocol.RoleProxy {
			continue
		}
		delete(s.tunnels, id)
		s.respondLocked(protocol.RoleLAN, &protocol.Frame{
			Type: protocol.FrameTypeConnectEnd,
			ID:   id,
		})
	}
}

// route demultiplexes one frame received from the given role. Unknown
// frame types produce an error frame back to the sender and are not
// forwarded.
func (s *session) route(from protocol.Role, f *protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()

	switch from {
	case protocol.RoleProxy:
		switch f.Type {
		case protocol.FrameTypeHTTPRequest:
			s.requests[f.ID] = protocol.RoleProxy
			s.respondLocked(protocol.RoleLAN, f)
		case protocol.FrameTypeConnectStart:
			s.tunnels[f.ID] = protocol.RoleProxy
			s.respondLocked(protocol.RoleLAN, f)
		case protocol.FrameTypeConnectData, protocol.FrameTypeConnectEnd:
			s.respondLocked(protocol.RoleLAN, f)
		default:
			s.protocolErrorLocked(from, "unexpected frame type "+string(f.Type))
		}
	case protocol.RoleLAN:
		switch f.Type {
		case protocol.FrameTypeHTTPResponse:
			origin, ok := s.requests[f.ID]
			delete(s.requests, f.ID)
			if ok && origin == protocol.RoleProxy {
				s.respondLocked(protocol.RoleProxy, f)
			}
		case protocol.FrameTypeConnectAck, protocol.FrameTypeConnectData:
			if origin, ok := s.tunnels[f.ID]; ok {
				s.respondLocked(origin, f)
			}
		case protocol.FrameTypeConnectError, protocol.FrameTypeConnectEnd:
			origin, ok := s.tunnels[f.ID]
			delete(s.tunnels, f.ID)
			if ok {
				s.respondLocked(origin, f)
			}
		default:
			s.protocolErrorLocked(from, "unexpected frame type "+string(f.Type))
		}
	}
}

func (s *session) protocolErrorLocked(to protocol.Role, message string) {
	s.logger.Warn("protocol error", "role", to, "message", message)
	s.respondLocked(to, &protocol.Frame{
		Type:    protocol.FrameTypeError,
		Message: message,
	})
}

// respondLocked delivers one frame to a role channel: the live socket
// first, then the first attached long-poll stream, then the queue.
func (s *session) respondLocked(role protocol.Role, f *protocol.Frame) {
	ch := s.channels[role]

	if sock := ch.socket; sock != nil {
		if err := sock.WriteFrame(f); err == nil {
			s.server.metrics.framesForwarded.Inc()
			return
		}
		// The socket writer is gone; the read loop will detach it.
	}

	for len(ch.streams) > 0 {
		stream := ch.streams[0]
		if err := stream.WriteFrame(f); err == nil {
			s.server.metrics.framesForwarded.Inc()
			return
		}
		ch.streams = ch.streams[1:]
	}

	ch.queue = append(ch.queue, f)
	s.server.metrics.framesQueued.Inc()
}

// respond is the unlocked entry point used by the HTTP handlers.
func (s *session) respond(role protocol.Role, f *protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	s.respondLocked(role, f)
}

// attachStream registers a long-poll response and drains the queued
// frames to it in FIFO order before any newly arriving frame.
func (s *session) attachStream(role protocol.Role, stream *pollStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()

	ch := s.channels[role]
	pending := ch.queue
	ch.queue = nil
	s.server.metrics.framesQueued.Sub(float64(len(pending)))
	for i, f := range pending {
		if err := stream.WriteFrame(f); err != nil {
			ch.queue = append(ch.queue, pending[i:]...)
			s.server.metrics.framesQueued.Add(float64(len(pending) - i))
			return
		}
	}
	ch.streams = append(ch.streams, stream)
}

func (s *session) detachStream(role protocol.Role, stream *pollStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[role]
	for i, st := range ch.streams {
		if st == stream {
			ch.streams = append(ch.streams[:i], ch.streams[i+1:]...)
			break
		}
	}
}

// idleSince reports whether the session has been inactive with no
// sockets, no streams, empty queues, and no outstanding work.
func (s *session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastActive.After(cutoff) {
		return false
	}
	if len(s.requests) > 0 || len(s.tunnels) > 0 {
		return false
	}
	for _, ch := range s.channels {
		if ch.socket != nil || len(ch.streams) > 0 || len(ch.queue) > 0 {
			return false
		}
	}
	return true
}

func (s *session) snapshot() statusSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := statusSession{
		Name:        s.name,
		Requests:    len(s.requests),
		Tunnels:     len(s.tunnels),
		LastActive:  s.lastActive,
		Channels:    make(map[string]statusChannel, len(s.channels)),
	}
	for role, ch := range s.channels {
		out.Channels[string(role)] = statusChannel{
			Connected: ch.socket != nil,
			Queued:    len(ch.queue),
			Streams:   len(ch.streams),
		}
	}
	return out
}
