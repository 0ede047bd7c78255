package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

const wsReadTimeout = 90 * time.Second

func (c *Client) runWS(ctx context.Context, allowFallback bool) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: true,
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		opened, err := c.connectWS(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !opened && allowFallback {
			c.logger.Info("socket failed before handshake, switching to http transport", "error", err)
			return c.runHTTP(ctx)
		}
		if err != nil {
			c.logger.Warn("socket connection failed", "error", err)
		}
		if opened {
			b.Reset()
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectWS runs one socket lifetime. opened reports whether the
// handshake completed (hello sent, hello-ack received); under auto an
// attempt that never opened triggers the fallback.
func (c *Client) connectWS(ctx context.Context) (opened bool, err error) {
	dialer := websocket.Dialer{
		Proxy:             proxyFunc(c.cfg.ProxyURL),
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: false,
		TLSClientConfig:   c.tlsConfig(),
	}

	target := *c.cfg.ServerURL
	target.Path = "/" + url.PathEscape(c.cfg.Session)

	conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := c.wsHello(conn); err != nil {
		return false, err
	}

	c.logger.Info("socket connected")
	c.notifyUp()
	defer func() {
		c.notifyDown(err)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.wsWriteLoop(connCtx, conn)
	}()
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.wsReadLoop(conn)
	}()

	select {
	case err = <-writeErr:
	case err = <-readErr:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return true, err
}

// wsHello sends the hello as the first frame and waits for the ack.
func (c *Client) wsHello(conn *websocket.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if err := conn.WriteJSON(&protocol.Frame{
		Type:            protocol.FrameTypeHello,
		Role:            c.cfg.Role,
		Session:         c.cfg.Session,
		ProtocolVersion: protocol.Version,
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	var ack protocol.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read hello-ack: %w", err)
	}
	switch ack.Type {
	case protocol.FrameTypeHelloAck:
	case protocol.FrameTypeError:
		return fmt.Errorf("relay rejected hello: %s", ack.Message)
	default:
		return fmt.Errorf("unexpected frame %q before hello-ack", ack.Type)
	}

	if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
		return err
	}
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	return nil
}

// wsWriteLoop flushes the outbox in FIFO order. A frame is only
// removed after it was written, so a torn connection keeps it queued
// for the next transport.
func (c *Client) wsWriteLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if err := c.outbox.wait(ctx); err != nil {
			return err
		}
		f, ok := c.outbox.peek()
		if !ok {
			continue
		}
		if err := conn.SetWriteDeadline(time.Now().Add(20 * time.Second)); err != nil {
			return err
		}
		if err := conn.WriteJSON(f); err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Time{}); err != nil {
			return err
		}
		c.outbox.drop()
	}
}

func (c *Client) wsReadLoop(conn *websocket.Conn) error {
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("connection closed by relay")
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if f.Type == "" {
			continue
		}
		frame := f
		c.cfg.OnFrame(&frame)
	}
}
