package proxy

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

const tunnelReadBuffer = 32 * 1024

// tunnel tracks one CONNECT stream on the browser side. Bytes arriving
// before the LAN acks the dial wait in preAck; the head bytes (already
// buffered by the HTTP parser) flush first, then preAck, in arrival
// order.
type tunnel struct {
	engine *engine
	id     string
	conn   net.Conn

	mu     sync.Mutex
	acked  bool
	head   []byte
	preAck [][]byte

	// write200 selects the plain-CONNECT handshake reply; ackCh is the
	// SOCKS path's dial completion signal instead.
	write200 bool
	ackCh    chan error

	closeOnce sync.Once
}

func newTunnel(e *engine, id string, conn net.Conn, head []byte) *tunnel {
	return &tunnel{
		engine:   e,
		id:       id,
		conn:     conn,
		head:     head,
		write200: true,
	}
}

func newSocksTunnel(e *engine, id string, conn net.Conn) *tunnel {
	return &tunnel{
		engine: e,
		id:     id,
		conn:   conn,
		ackCh:  make(chan error, 1),
	}
}

// readClient pumps browser bytes toward the LAN agent. Until the ack
// arrives the bytes pile up in preAck.
func (t *tunnel) readClient() {
	buf := make([]byte, tunnelReadBuffer)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.mu.Lock()
			if !t.acked {
				t.preAck = append(t.preAck, chunk)
				t.mu.Unlock()
			} else {
				t.mu.Unlock()
				t.sendData(chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.engine.logger.Debug("client read failed", "id", t.id, "error", err)
			}
			t.engine.client.Send(&protocol.Frame{
				Type: protocol.FrameTypeConnectEnd,
				ID:   t.id,
			})
			t.engine.removeTunnel(t.id)
			t.close()
			return
		}
	}
}

func (t *tunnel) sendData(chunk []byte) {
	t.engine.client.Send(&protocol.Frame{
		Type:       protocol.FrameTypeConnectData,
		ID:         t.id,
		DataBase64: protocol.EncodePayload(chunk),
	})
}

// ack runs the connect-ack transition exactly once: reply to the
// client, then flush head and preAck in order before any new byte.
func (t *tunnel) ack() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.acked {
		return
	}

	if t.write200 {
		if _, err := t.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			t.engine.client.Send(&protocol.Frame{
				Type: protocol.FrameTypeConnectEnd,
				ID:   t.id,
			})
			t.engine.removeTunnel(t.id)
			t.close()
			return
		}
	}
	t.acked = true

	if len(t.head) > 0 {
		t.sendData(t.head)
		t.head = nil
	}
	for _, chunk := range t.preAck {
		t.sendData(chunk)
	}
	t.preAck = nil

	if t.ackCh != nil {
		t.ackCh <- nil
	}
}

// fail reports the tunnel as broken: a one-shot 502 before the ack was
// written, a plain close afterwards.
func (t *tunnel) fail(message string) {
	t.mu.Lock()
	acked := t.acked
	t.mu.Unlock()

	if t.ackCh != nil && !acked {
		t.ackCh <- errors.New(message)
		t.close()
		return
	}
	if !acked && t.write200 {
		_, _ = t.conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\n" + message))
	}
	t.close()
}

func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
	})
}

type writeCloser interface {
	CloseWrite() error
}

func (t *tunnel) halfClose() {
	if wc, ok := t.conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	t.close()
}

func (e *engine) lookupTunnel(id string) *tunnel {
	e.tunnelsMu.Lock()
	defer e.tunnelsMu.Unlock()
	return e.tunnels[id]
}

func (e *engine) removeTunnel(id string) *tunnel {
	e.tunnelsMu.Lock()
	defer e.tunnelsMu.Unlock()
	t := e.tunnels[id]
	delete(e.tunnels, id)
	return t
}

func (e *engine) handleConnectAck(f *protocol.Frame) {
	t := e.lookupTunnel(f.ID)
	if t == nil {
		e.logger.Debug("ack for unknown tunnel", "id", f.ID)
		return
	}
	t.ack()
}

func (e *engine) handleConnectData(f *protocol.Frame) {
	t := e.lookupTunnel(f.ID)
	if t == nil {
		e.logger.Debug("data for unknown tunnel", "id", f.ID)
		return
	}
	payload, err := protocol.DecodePayload(f.DataBase64)
	if err != nil {
		e.logger.Warn("payload decode failed", "id", f.ID, "error", err)
		return
	}
	if len(payload) == 0 {
		return
	}
	if _, err := t.conn.Write(payload); err != nil {
		e.logger.Debug("client write failed", "id", f.ID, "error", err)
		e.client.Send(&protocol.Frame{
			Type: protocol.FrameTypeConnectEnd,
			ID:   f.ID,
		})
		e.removeTunnel(f.ID)
		t.close()
	}
}

func (e *engine) handleConnectEnd(f *protocol.Frame) {
	t := e.removeTunnel(f.ID)
	if t == nil {
		return
	}
	t.halfClose()
}

func (e *engine) handleConnectError(f *protocol.Frame) {
	t := e.removeTunnel(f.ID)
	if t == nil {
		return
	}
	e.logger.Warn("tunnel failed", "id", f.ID, "message", f.Message)
	t.fail(f.Message)
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
