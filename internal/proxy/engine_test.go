package proxy

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

// fakeSender captures frames the engine would hand to the transport.
type fakeSender struct {
	mu        sync.Mutex
	frames    []*protocol.Frame
	connected bool
}

func (f *fakeSender) Send(frame *protocol.Frame) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) recorded() []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSender) waitFrames(t *testing.T, n int) []*protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		frames := f.recorded()
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, have %d", n, len(frames))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testEngine(t *testing.T) (*engine, *fakeSender) {
	t.Helper()
	e, err := newEngine(slog.Default(), "uuid")
	if err != nil {
		t.Fatalf("newEngine failed: %v", err)
	}
	sender := &fakeSender{connected: true}
	e.client = sender
	return e, sender
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	e, sender := testEngine(t)

	go func() {
		frames := sender.waitFrames(t, 1)
		f := frames[0]
		if f.Type != protocol.FrameTypeHTTPRequest {
			t.Errorf("unexpected frame %+v", f)
			return
		}
		if f.Request.URL != "http://example.test/x" || f.Request.Method != "GET" {
			t.Errorf("unexpected request payload %+v", f.Request)
		}
		if _, leaked := f.Request.Headers["Proxy-Connection"]; leaked {
			t.Error("hop-by-hop header leaked")
		}
		e.handleFrame(&protocol.Frame{
			Type:       protocol.FrameTypeHTTPResponse,
			ID:         f.ID,
			Status:     200,
			Headers:    protocol.Headers{"Content-Type": {"text/plain"}},
			BodyBase64: protocol.EncodePayload([]byte("hi")),
		})
	}()

	req := httptest.NewRequest("GET", "http://example.test/x", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "hi" {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestHTTPResponseErrorBecomes502(t *testing.T) {
	e, sender := testEngine(t)

	go func() {
		frames := sender.waitFrames(t, 1)
		e.handleFrame(&protocol.Frame{
			Type:  protocol.FrameTypeHTTPResponse,
			ID:    frames[0].ID,
			Error: "LAN disconnected",
		})
	}()

	req := httptest.NewRequest("GET", "http://example.test/x", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "LAN disconnected") {
		t.Fatalf("error text missing: %q", rec.Body.String())
	}
}

func TestPathOnlyRequestUsesHostHeader(t *testing.T) {
	e, sender := testEngine(t)

	go func() {
		frames := sender.waitFrames(t, 1)
		if url := frames[0].Request.URL; url != "http://example.test/probe" {
			t.Errorf("synthesized URL wrong: %q", url)
		}
		e.handleFrame(&protocol.Frame{
			Type:   protocol.FrameTypeHTTPResponse,
			ID:     frames[0].ID,
			Status: 204,
		})
	}()

	req := httptest.NewRequest("GET", "/probe", nil)
	req.Host = "example.test"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != 204 {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestPathOnlyRequestWithoutHostIs400(t *testing.T) {
	e, _ := testEngine(t)
	req := httptest.NewRequest("GET", "/probe", nil)
	req.Host = ""
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestTimeout504AndLateResponseDiscarded(t *testing.T) {
	e, sender := testEngine(t)
	e.timeout = 50 * time.Millisecond

	req := httptest.NewRequest("GET", "http://example.test/slow", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}

	// A late response for the id must be discarded without effect.
	frames := sender.recorded()
	e.handleFrame(&protocol.Frame{
		Type:   protocol.FrameTypeHTTPResponse,
		ID:     frames[0].ID,
		Status: 200,
	})
	e.pendingMu.Lock()
	remaining := len(e.pending)
	e.pendingMu.Unlock()
	if remaining != 0 {
		t.Fatalf("pending map must be empty, has %d", remaining)
	}
}

func TestTransportDownFailsPending(t *testing.T) {
	e, _ := testEngine(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("GET", "http://example.test/x", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		done <- rec
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		e.pendingMu.Lock()
		n := len(e.pending)
		e.pendingMu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.handleTransportDown(io.EOF)

	select {
	case rec := <-done:
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Server connection closed") {
			t.Fatalf("unexpected body %q", rec.Body.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never finished")
	}
}

func TestConnectRefusedWhenTransportDown(t *testing.T) {
	e, sender := testEngine(t)
	sender.mu.Lock()
	sender.connected = false
	sender.mu.Unlock()

	req := httptest.NewRequest(http.MethodConnect, "http://example.test:443", nil)
	req.Host = "example.test:443"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

// dialProxy opens a raw client connection to an engine-backed server.
func dialProxy(t *testing.T, e *engine) net.Conn {
	t.Helper()
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectHappyPathPreAckOrdering(t *testing.T) {
	e, sender := testEngine(t)
	conn := dialProxy(t, e)

	// CONNECT plus 5 early bytes before any ack.
	if _, err := conn.Write([]byte("CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\nABCDE")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	frames := sender.waitFrames(t, 1)
	start := frames[0]
	if start.Type != protocol.FrameTypeConnectStart || start.Host != "example.test" || start.Port != 443 {
		t.Fatalf("unexpected connect-start %+v", start)
	}

	// Give the reader a moment to stash the early bytes, then ack.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tun := e.lookupTunnel(start.ID)
		if tun != nil {
			tun.mu.Lock()
			buffered := len(tun.preAck) > 0 || len(tun.head) > 0
			tun.mu.Unlock()
			if buffered {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("early bytes never buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.handleFrame(&protocol.Frame{Type: protocol.FrameTypeConnectAck, ID: start.ID})

	// The browser sees exactly one 200 line.
	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 200") {
		t.Fatalf("unexpected status line %q", statusLine)
	}
	// The empty line ending the response header comes next.
	blankLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read header end: %v", err)
	}
	if blankLine != "\r\n" {
		t.Fatalf("unexpected header end %q", blankLine)
	}

	// 7 more bytes after the ack.
	if _, err := conn.Write([]byte("FGHIJKL")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var received []byte
	deadline = time.Now().Add(5 * time.Second)
	for len(received) < 12 {
		if time.Now().After(deadline) {
			t.Fatalf("incomplete data, got %q", received)
		}
		received = received[:0]
		for _, f := range sender.recorded() {
			if f.Type == protocol.FrameTypeConnectData && f.ID == start.ID {
				chunk, err := protocol.DecodePayload(f.DataBase64)
				if err != nil {
					t.Fatalf("bad payload: %v", err)
				}
				received = append(received, chunk...)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if string(received) != "ABCDEFGHIJKL" {
		t.Fatalf("bytes out of order: %q", received)
	}

	// Inbound data reaches the browser verbatim.
	e.handleFrame(&protocol.Frame{
		Type:       protocol.FrameTypeConnectData,
		ID:         start.ID,
		DataBase64: protocol.EncodePayload([]byte("pong")),
	})
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("read tunneled bytes: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("unexpected bytes %q", buf)
	}
}

func TestConnectErrorWritesSingle502(t *testing.T) {
	e, sender := testEngine(t)
	conn := dialProxy(t, e)

	if _, err := conn.Write([]byte("CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frames := sender.waitFrames(t, 1)
	e.handleFrame(&protocol.Frame{
		Type:    protocol.FrameTypeConnectError,
		ID:      frames[0].ID,
		Message: "dial refused",
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "HTTP/1.1 502") {
		t.Fatalf("expected one-shot 502, got %q", text)
	}
	if !strings.Contains(text, "dial refused") {
		t.Fatalf("error body missing: %q", text)
	}
	if strings.Count(text, "HTTP/1.1") != 1 {
		t.Fatalf("client must see exactly one status line: %q", text)
	}
}

func TestClientCloseSendsConnectEnd(t *testing.T) {
	e, sender := testEngine(t)
	conn := dialProxy(t, e)

	if _, err := conn.Write([]byte("CONNECT example.test:443 HTTP/1.1\r\nHost: example.test:443\r\n\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frames := sender.waitFrames(t, 1)
	e.handleFrame(&protocol.Frame{Type: protocol.FrameTypeConnectAck, ID: frames[0].ID})

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read status: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var sawEnd bool
		for _, f := range sender.recorded() {
			if f.Type == protocol.FrameTypeConnectEnd && f.ID == frames[0].ID {
				sawEnd = true
			}
		}
		if sawEnd {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connect-end never sent after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.tunnelsMu.Lock()
	_, stillThere := e.tunnels[frames[0].ID]
	e.tunnelsMu.Unlock()
	if stillThere {
		t.Fatal("tunnel entry must be removed")
	}
}

func TestIDModes(t *testing.T) {
	if _, err := newEngine(slog.Default(), "cuid"); err != nil {
		t.Fatalf("cuid mode rejected: %v", err)
	}
	if _, err := newEngine(slog.Default(), "guid"); err == nil {
		t.Fatal("unknown id mode must fail")
	}
	e, _ := testEngine(t)
	a, b := e.idGen(), e.idGen()
	if a == "" || a == b {
		t.Fatalf("id generator not unique: %q %q", a, b)
	}
}
