package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

var errStreamClosed = errors.New("stream closed")

// pollStream is one attached GET /api/stream response: chunked NDJSON,
// one frame per line, flushed immediately.
type pollStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
}

func newPollStream(w http.ResponseWriter, flusher http.Flusher) *pollStream {
	return &pollStream{w: w, flusher: flusher}
}

func (p *pollStream) WriteFrame(f *protocol.Frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return errStreamClosed
	}
	if _, err := p.w.Write(append(data, '\n')); err != nil {
		p.dead = true
		return err
	}
	p.flusher.Flush()
	return nil
}

func (p *pollStream) markDead() {
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
}

// sessionFromPath extracts the URL-encoded session from
// /api/stream/<session> or /api/send/<session>.
func sessionFromPath(path, prefix string) (string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" {
		return "", false
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", false
	}
	// Canonical rule: the last non-empty path segment names the session.
	segments := strings.Split(rest, "/")
	name := segments[len(segments)-1]
	decoded, err := url.PathUnescape(name)
	if err != nil || decoded == "" {
		return "", false
	}
	return decoded, true
}

func (s *relayServer) handleStream(w http.ResponseWriter, r *http.Request) {
	name, ok := sessionFromPath(r.URL.Path, "/api/stream/")
	if !ok {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	role := protocol.Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess := s.lookupSession(name)
	stream := newPollStream(w, flusher)
	sess.attachStream(role, stream)
	s.logger.Debug("stream attached", "session", name, "role", role)

	<-r.Context().Done()
	stream.markDead()
	sess.detachStream(role, stream)
	s.logger.Debug("stream detached", "session", name, "role", role)
}

func (s *relayServer) handleSend(w http.ResponseWriter, r *http.Request) {
	name, ok := sessionFromPath(r.URL.Path, "/api/send/")
	if !ok {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	role := protocol.Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	var envelope protocol.SendEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if envelope.Role.Valid() {
		role = envelope.Role
	}

	sess := s.lookupSession(name)
	frames, err := protocol.DecodeMessages(envelope.Message)
	if err != nil {
		sess.respond(role, &protocol.Frame{
			Type:    protocol.FrameTypeError,
			Message: err.Error(),
		})
	} else {
		for _, f := range frames {
			s.routeFromSend(sess, role, f)
		}
	}

	// Delivery is best-effort; the response never reports routing
	// failures.
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}\n"))
}

// routeFromSend handles the hello special case of the long-poll
// transport: the handshake travels over the send endpoint and the ack
// goes back through the same role channel.
func (s *relayServer) routeFromSend(sess *session, role protocol.Role, f *protocol.Frame) {
	if f.Type == protocol.FrameTypeHello {
		if f.ProtocolVersion != 0 && f.ProtocolVersion != protocol.Version {
			sess.respond(role, &protocol.Frame{
				Type:    protocol.FrameTypeError,
				Message: "protocol version mismatch",
			})
			return
		}
		sess.respond(role, &protocol.Frame{
			Type:            protocol.FrameTypeHelloAck,
			Role:            role,
			Session:         sess.name,
			ProtocolVersion: protocol.Version,
		})
		return
	}
	sess.route(role, f)
}
