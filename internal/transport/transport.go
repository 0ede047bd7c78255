package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

type Mode string

const (
	ModeAuto Mode = "auto"
	ModeWS   Mode = "ws"
	ModeHTTP Mode = "http"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeWS, ModeHTTP:
		return Mode(s), nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unsupported transport %q (use auto, ws or http)", s)
	}
}

// Config describes one client connection to the relay.
type Config struct {
	ServerURL *url.URL
	Session   string
	Role      protocol.Role
	Mode      Mode
	ProxyURL  *url.URL
	Insecure  bool
	Logger    *slog.Logger

	// OnFrame receives every inbound frame, in transport order.
	OnFrame func(*protocol.Frame)
	// OnUp fires when the transport (re)connects, just before the
	// outbox starts flushing.
	OnUp func()
	// OnDown fires when the transport drops; all in-flight work owned
	// by this role must be failed by the caller.
	OnDown func(error)
}

// Client carries frames between one role and the relay over the
// persistent socket or the long-poll fallback. Sends are absorbed by
// an outbox while disconnected and flushed FIFO on (re)connect.
type Client struct {
	cfg    Config
	logger *slog.Logger
	outbox *outbox

	mu        sync.Mutex
	connected bool
}

func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == nil {
		return nil, errors.New("transport: missing server url")
	}
	if cfg.Session == "" {
		return nil, errors.New("transport: missing session")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("transport: invalid role %q", cfg.Role)
	}
	if cfg.OnFrame == nil {
		return nil, errors.New("transport: OnFrame is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("transport", string(cfg.Mode), "session", cfg.Session, "role", string(cfg.Role)),
		outbox: newOutbox(),
	}, nil
}

// Send enqueues one frame for delivery. It never blocks; the outbox is
// bounded only by memory.
func (c *Client) Send(f *protocol.Frame) {
	c.outbox.push(f)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) notifyUp() {
	c.setConnected(true)
	if c.cfg.OnUp != nil {
		c.cfg.OnUp()
	}
}

func (c *Client) notifyDown(err error) {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was && c.cfg.OnDown != nil {
		c.cfg.OnDown(err)
	}
}

// Run drives the transport until ctx ends. Under auto, the persistent
// socket is attempted first; an attempt that fails before the
// handshake completes switches the session to the long-poll fallback
// for good.
func (c *Client) Run(ctx context.Context) error {
	switch c.cfg.Mode {
	case ModeHTTP:
		return c.runHTTP(ctx)
	case ModeWS:
		return c.runWS(ctx, false)
	default:
		return c.runWS(ctx, true)
	}
}

func (c *Client) tlsConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.cfg.ServerURL.Scheme == "wss" {
		cfg.ServerName = c.cfg.ServerURL.Hostname()
	}
	if c.cfg.Insecure {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}
