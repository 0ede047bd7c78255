package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

var errSocketClosed = errors.New("socket closed")

type outboundMessage struct {
	frame   *protocol.Frame
	control *controlMessage
}

type controlMessage struct {
	messageType int
	data        []byte
	deadline    time.Duration
}

// wsSocket wraps one persistent role connection. All outbound frames
// funnel through a single writer goroutine so per-id ordering holds.
type wsSocket struct {
	server *relayServer
	conn   *websocket.Conn
	remote string

	role    protocol.Role
	session *session

	sendQueue     chan outboundMessage
	writerDone    chan struct{}
	writerStarted bool
	writerClose   sync.Once

	aliveMu sync.Mutex
	isAlive bool

	closed  bool
	closeMu sync.Mutex
}

func newWSSocket(server *relayServer, conn *websocket.Conn, remote string) *wsSocket {
	return &wsSocket{
		server:     server,
		conn:       conn,
		remote:     remote,
		sendQueue:  make(chan outboundMessage, 256),
		writerDone: make(chan struct{}),
		isAlive:    true,
	}
}

func (s *wsSocket) run() {
	defer s.close("")

	if err := s.performHello(); err != nil {
		s.server.logger.Warn("handshake failed", "error", err, "remote", s.remote)
		_ = s.conn.Close()
		return
	}

	s.writerStarted = true
	go s.writerLoop()

	s.session.attachSocket(s.role, s)
	defer s.session.detachSocket(s.role, s)
	s.server.logger.Info("socket connected", "session", s.session.name, "role", s.role, "remote", s.remote)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop()
	}()

	ticker := time.NewTicker(s.server.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			if !s.swapAlive() {
				s.server.logger.Warn("heartbeat missed, terminating", "session", s.session.name, "role", s.role)
				_ = s.conn.Close()
				return
			}
			if err := s.enqueue(outboundMessage{control: &controlMessage{
				messageType: websocket.PingMessage,
				deadline:    5 * time.Second,
			}}); err != nil {
				return
			}
		}
	}
}

// performHello reads and validates the first frame, then installs the
// pong handler and replies hello-ack. The socket is attached to its
// session channel by run afterwards.
func (s *wsSocket) performHello() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}

	var f protocol.Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if f.Type != protocol.FrameTypeHello {
		return errors.New("first frame must be hello")
	}
	if !f.Role.Valid() {
		s.writeErrorDirect("invalid role")
		return fmt.Errorf("invalid role %q", f.Role)
	}
	if f.Session == "" {
		s.writeErrorDirect("missing session")
		return errors.New("hello missing session")
	}
	if f.ProtocolVersion != 0 && f.ProtocolVersion != protocol.Version {
		s.writeErrorDirect(fmt.Sprintf("protocol version mismatch: server=%d client=%d", protocol.Version, f.ProtocolVersion))
		return fmt.Errorf("protocol version mismatch %d", f.ProtocolVersion)
	}

	s.role = f.Role
	s.session = s.server.lookupSession(f.Session)

	if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.server.heartbeat)); err != nil {
		return err
	}
	s.conn.SetPongHandler(func(string) error {
		s.markAlive()
		return s.conn.SetReadDeadline(time.Now().Add(2 * s.server.heartbeat))
	})

	return s.writeFrameDirect(&protocol.Frame{
		Type:            protocol.FrameTypeHelloAck,
		Role:            f.Role,
		Session:         s.session.name,
		ProtocolVersion: protocol.Version,
	})
}

// writeFrameDirect bypasses the writer queue; only valid before the
// writer goroutine starts.
func (s *wsSocket) writeFrameDirect(f *protocol.Frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	err := s.conn.WriteJSON(f)
	if err == nil {
		err = s.conn.SetWriteDeadline(time.Time{})
	}
	return err
}

func (s *wsSocket) writeErrorDirect(message string) {
	_ = s.writeFrameDirect(&protocol.Frame{
		Type:    protocol.FrameTypeError,
		Message: message,
	})
}

func (s *wsSocket) readLoop() {
	defer s.conn.Close()
	for {
		var f protocol.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				s.server.logger.Info("socket disconnected", "session", s.session.name, "role", s.role)
			} else {
				s.server.logger.Warn("socket read failed", "session", s.session.name, "role", s.role, "error", err)
			}
			return
		}
		s.markAlive()
		if f.Type == "" {
			s.session.respond(s.role, &protocol.Frame{
				Type:    protocol.FrameTypeError,
				Message: "frame missing type",
			})
			continue
		}
		s.session.route(s.role, &f)
	}
}

func (s *wsSocket) writerLoop() {
	defer close(s.writerDone)
	for msg := range s.sendQueue {
		if err := s.writeMessage(msg); err != nil {
			s.server.logger.Debug("socket write failed", "role", s.role, "error", err)
			_ = s.conn.Close()
			return
		}
	}
}

func (s *wsSocket) writeMessage(msg outboundMessage) error {
	if msg.control != nil {
		ctrl := msg.control
		deadline := ctrl.deadline
		if deadline <= 0 {
			deadline = 5 * time.Second
		}
		return s.conn.WriteControl(ctrl.messageType, ctrl.data, time.Now().Add(deadline))
	}
	if msg.frame != nil {
		if err := s.conn.SetWriteDeadline(time.Now().Add(20 * time.Second)); err != nil {
			return err
		}
		err := s.conn.WriteJSON(msg.frame)
		if err == nil {
			err = s.conn.SetWriteDeadline(time.Time{})
		}
		return err
	}
	return nil
}

func (s *wsSocket) enqueue(msg outboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errSocketClosed
		}
	}()
	s.sendQueue <- msg
	return nil
}

// WriteFrame implements roleSocket.
func (s *wsSocket) WriteFrame(f *protocol.Frame) error {
	return s.enqueue(outboundMessage{frame: f})
}

// CloseWithReason implements roleSocket; used when a new hello
// displaces this socket.
func (s *wsSocket) CloseWithReason(reason string) {
	data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.enqueue(outboundMessage{control: &controlMessage{
		messageType: websocket.CloseMessage,
		data:        data,
		deadline:    time.Second,
	}})
	s.close(reason)
}

func (s *wsSocket) close(reason string) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	s.writerClose.Do(func() {
		close(s.sendQueue)
	})
	if s.writerStarted {
		// Give the writer a moment to flush the close message.
		select {
		case <-s.writerDone:
		case <-time.After(2 * time.Second):
		}
	}
	_ = s.conn.Close()
	if reason != "" && s.session != nil {
		s.server.logger.Debug("socket closed", "session", s.session.name, "role", s.role, "reason", reason)
	}
}

func (s *wsSocket) markAlive() {
	s.aliveMu.Lock()
	s.isAlive = true
	s.aliveMu.Unlock()
}

// swapAlive returns the current liveness and clears it for the next
// heartbeat interval.
func (s *wsSocket) swapAlive() bool {
	s.aliveMu.Lock()
	alive := s.isAlive
	s.isAlive = false
	s.aliveMu.Unlock()
	return alive
}
