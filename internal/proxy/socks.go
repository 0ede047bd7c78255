package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	socks5 "github.com/armon/go-socks5"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

// dialTunnel backs the SOCKS5 front: a virtual connection whose far
// end is a relay tunnel, built on an in-memory pipe.
func (e *engine) dialTunnel(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if !e.client.Connected() {
		return nil, errors.New("server transport not connected")
	}
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}

	local, remote := net.Pipe()
	id := e.idGen()
	t := newSocksTunnel(e, id, remote)
	e.tunnelsMu.Lock()
	e.tunnels[id] = t
	e.tunnelsMu.Unlock()

	e.client.Send(&protocol.Frame{
		Type: protocol.FrameTypeConnectStart,
		ID:   id,
		Host: host,
		Port: port,
	})

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case err := <-t.ackCh:
		if err != nil {
			e.removeTunnel(id)
			local.Close()
			return nil, err
		}
		go t.readClient()
		return local, nil
	case <-timer.C:
		e.removeTunnel(id)
		t.close()
		local.Close()
		return nil, errors.New("tunnel dial timed out")
	case <-ctx.Done():
		e.removeTunnel(id)
		t.close()
		local.Close()
		return nil, ctx.Err()
	}
}

// serveSocks runs the optional SOCKS5 listener until ctx ends.
func (e *engine) serveSocks(ctx context.Context, addr string) error {
	server, err := socks5.New(&socks5.Config{
		Dial: e.dialTunnel,
	})
	if err != nil {
		return fmt.Errorf("socks server: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socks listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	e.logger.Info("socks listening", "addr", addr)
	if err := server.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("socks serve: %w", err)
	}
	return nil
}
