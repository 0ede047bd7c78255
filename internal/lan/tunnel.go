package lan

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

const tunnelReadBuffer = 32 * 1024

type tunnel struct {
	id        string
	conn      net.Conn
	closeOnce sync.Once
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

func (a *agent) handleConnectStart(f *protocol.Frame) {
	if f.ID == "" || f.Host == "" || f.Port <= 0 {
		a.logger.Warn("connect-start missing target", "id", f.ID)
		return
	}
	target := net.JoinHostPort(f.Host, strconv.Itoa(f.Port))

	conn, err := a.dialTarget(target)
	if err != nil {
		a.logger.Warn("tunnel dial failed", "id", f.ID, "target", target, "error", err)
		a.client.Send(&protocol.Frame{
			Type:    protocol.FrameTypeConnectError,
			ID:      f.ID,
			Message: err.Error(),
		})
		return
	}

	t := &tunnel{id: f.ID, conn: conn}
	a.tunnelsMu.Lock()
	if _, exists := a.tunnels[f.ID]; exists {
		a.tunnelsMu.Unlock()
		conn.Close()
		a.client.Send(&protocol.Frame{
			Type:    protocol.FrameTypeConnectError,
			ID:      f.ID,
			Message: "tunnel id already in use",
		})
		return
	}
	a.tunnels[f.ID] = t
	a.tunnelsMu.Unlock()

	a.client.Send(&protocol.Frame{
		Type: protocol.FrameTypeConnectAck,
		ID:   f.ID,
	})
	a.logger.Debug("tunnel open", "id", f.ID, "target", target)

	go a.pipeTunnel(t)
}

// dialTarget reaches host:port directly, or through the configured
// tunnel-proxy via an HTTP CONNECT.
func (a *agent) dialTarget(target string) (net.Conn, error) {
	if a.tunnelProxy == nil {
		return net.DialTimeout("tcp", target, a.dialTimeout)
	}
	return a.dialViaProxy(target)
}

func (a *agent) dialViaProxy(target string) (net.Conn, error) {
	proxyAddr := a.tunnelProxy.Host
	if a.tunnelProxy.Port() == "" {
		if a.tunnelProxy.Scheme == "https" {
			proxyAddr = net.JoinHostPort(a.tunnelProxy.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(a.tunnelProxy.Hostname(), "80")
		}
	}

	conn, err := net.DialTimeout("tcp", proxyAddr, a.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel-proxy: %w", err)
	}
	if a.tunnelProxy.Scheme == "https" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: a.tunnelProxy.Hostname(),
		}
		if a.insecure {
			tlsCfg.InsecureSkipVerify = true
		}
		conn = tls.Client(conn, tlsCfg)
	}

	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n", target, target)
	if err := conn.SetDeadline(time.Now().Add(a.dialTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write([]byte(request)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	head, err := readProxyResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	status, err := parseConnectStatus(head)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if status != 200 {
		conn.Close()
		return nil, fmt.Errorf("tunnel-proxy refused CONNECT: status %d", status)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// readProxyResponse buffers bytes one at a time until the blank line
// ending the proxy's response headers, so no tunneled byte is consumed.
func readProxyResponse(conn net.Conn) ([]byte, error) {
	var head []byte
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			head = append(head, buf[0])
			if len(head) >= 4 && string(head[len(head)-4:]) == "\r\n\r\n" {
				return head, nil
			}
			if len(head) > 64*1024 {
				return nil, errors.New("tunnel-proxy response headers too large")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("tunnel-proxy closed before response headers")
			}
			return nil, err
		}
	}
}

func parseConnectStatus(head []byte) (int, error) {
	line, _, ok := strings.Cut(string(head), "\r\n")
	if !ok {
		return 0, errors.New("malformed tunnel-proxy response")
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed tunnel-proxy status line %q", line)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed tunnel-proxy status %q", fields[1])
	}
	return status, nil
}

// pipeTunnel forwards target reads to the relay until the socket ends.
func (a *agent) pipeTunnel(t *tunnel) {
	buf := make([]byte, tunnelReadBuffer)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			a.client.Send(&protocol.Frame{
				Type:       protocol.FrameTypeConnectData,
				ID:         t.id,
				DataBase64: protocol.EncodePayload(buf[:n]),
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				a.client.Send(&protocol.Frame{
					Type: protocol.FrameTypeConnectEnd,
					ID:   t.id,
				})
			} else {
				a.client.Send(&protocol.Frame{
					Type:    protocol.FrameTypeConnectError,
					ID:      t.id,
					Message: err.Error(),
				})
			}
			a.closeTunnel(t.id)
			return
		}
	}
}

func (a *agent) handleConnectData(f *protocol.Frame) {
	t := a.lookupTunnel(f.ID)
	if t == nil {
		a.logger.Debug("data for unknown tunnel", "id", f.ID)
		return
	}
	payload, err := protocol.DecodePayload(f.DataBase64)
	if err != nil {
		a.logger.Warn("payload decode failed", "id", f.ID, "error", err)
		return
	}
	if len(payload) == 0 {
		return
	}
	if _, err := t.conn.Write(payload); err != nil {
		a.logger.Warn("tunnel write failed", "id", f.ID, "error", err)
		a.client.Send(&protocol.Frame{
			Type:    protocol.FrameTypeConnectError,
			ID:      f.ID,
			Message: err.Error(),
		})
		a.closeTunnel(f.ID)
	}
}

func (a *agent) handleConnectEnd(f *protocol.Frame) {
	t := a.lookupTunnel(f.ID)
	if t == nil {
		return
	}
	t.halfClose()
}

func (a *agent) lookupTunnel(id string) *tunnel {
	a.tunnelsMu.Lock()
	defer a.tunnelsMu.Unlock()
	return a.tunnels[id]
}

func (a *agent) closeTunnel(id string) {
	a.tunnelsMu.Lock()
	t := a.tunnels[id]
	delete(a.tunnels, id)
	a.tunnelsMu.Unlock()
	if t != nil {
		t.close()
	}
}
