package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

// fallbackRelay fakes the relay's long-poll surface for client tests.
type fallbackRelay struct {
	mu       sync.Mutex
	received []*protocol.Frame
	batches  [][]*protocol.Frame
	outgoing chan *protocol.Frame
}

func newFallbackRelay() *fallbackRelay {
	return &fallbackRelay{outgoing: make(chan *protocol.Frame, 16)}
}

func (r *fallbackRelay) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/send/", func(w http.ResponseWriter, req *http.Request) {
		var envelope protocol.SendEnvelope
		if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
			t.Errorf("bad send body: %v", err)
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		frames, err := protocol.DecodeMessages(envelope.Message)
		if err != nil {
			t.Errorf("bad message: %v", err)
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.received = append(r.received, frames...)
		r.batches = append(r.batches, frames)
		r.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("/api/stream/", func(w http.ResponseWriter, req *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case f := <-r.outgoing:
				data, _ := protocol.Marshal(f)
				if _, err := w.Write(append(data, '\n')); err != nil {
					return
				}
				flusher.Flush()
			case <-req.Context().Done():
				return
			}
		}
	})
	return mux
}

func (r *fallbackRelay) frames() []*protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Frame, len(r.received))
	copy(out, r.received)
	return out
}

func newTestClient(t *testing.T, ts *httptest.Server, mode Mode, onFrame func(*protocol.Frame)) *Client {
	t.Helper()
	serverURL, session, err := ResolveEndpoint("s1", ts.URL)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if onFrame == nil {
		onFrame = func(*protocol.Frame) {}
	}
	c, err := New(Config{
		ServerURL: serverURL,
		Session:   session,
		Mode:      mode,
		Role:      protocol.RoleProxy,
		OnFrame:   onFrame,
	})
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	return c
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPTransportHelloFirstThenBatches(t *testing.T) {
	relay := newFallbackRelay()
	ts := httptest.NewServer(relay.handler(t))
	defer ts.Close()

	c := newTestClient(t, ts, ModeHTTP, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for i := 0; i < 3; i++ {
		c.Send(&protocol.Frame{Type: protocol.FrameTypeConnectData, ID: fmt.Sprintf("f%d", i)})
	}

	waitFor(t, 5*time.Second, "frames", func() bool {
		return len(relay.frames()) >= 4
	})
	frames := relay.frames()
	if frames[0].Type != protocol.FrameTypeHello {
		t.Fatalf("hello must be the first frame posted, got %q", frames[0].Type)
	}
	if frames[0].Session != "s1" || frames[0].Role != protocol.RoleProxy {
		t.Fatalf("hello carries wrong identity: %+v", frames[0])
	}
	for i, want := range []string{"f0", "f1", "f2"} {
		if frames[i+1].ID != want {
			t.Fatalf("frames out of order: %+v", frames)
		}
	}
}

func TestHTTPTransportDeliversStreamFrames(t *testing.T) {
	relay := newFallbackRelay()
	ts := httptest.NewServer(relay.handler(t))
	defer ts.Close()

	var mu sync.Mutex
	var got []*protocol.Frame
	c := newTestClient(t, ts, ModeHTTP, func(f *protocol.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	relay.outgoing <- &protocol.Frame{Type: protocol.FrameTypeConnectAck, ID: "t1"}
	relay.outgoing <- &protocol.Frame{Type: protocol.FrameTypeConnectData, ID: "t1", DataBase64: "aGk="}

	waitFor(t, 5*time.Second, "inbound frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != protocol.FrameTypeConnectAck || got[1].Type != protocol.FrameTypeConnectData {
		t.Fatalf("unexpected frames %+v", got)
	}
}

func TestHTTPTransportRetriesFailedPost(t *testing.T) {
	relay := newFallbackRelay()
	var failing sync.Mutex
	failCount := 2
	base := relay.handler(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/send/") {
			failing.Lock()
			if failCount > 0 {
				failCount--
				failing.Unlock()
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			failing.Unlock()
		}
		base.ServeHTTP(w, r)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, ModeHTTP, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.Send(&protocol.Frame{Type: protocol.FrameTypeConnectData, ID: "f1"})

	waitFor(t, 10*time.Second, "retried frames", func() bool {
		return len(relay.frames()) >= 2
	})
	frames := relay.frames()
	if frames[0].Type != protocol.FrameTypeHello || frames[1].ID != "f1" {
		t.Fatalf("frames lost across retries: %+v", frames)
	}
}

// TestAutoFallsBackWhenUpgradeRefused covers the auto-mode switch: the
// relay refuses the WebSocket upgrade, so within a retry the client
// must register over POST /api/send and keep its enqueued frames.
func TestAutoFallsBackWhenUpgradeRefused(t *testing.T) {
	relay := newFallbackRelay()
	base := relay.handler(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(strings.ToLower(r.Header.Get("Upgrade")), "websocket") {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		base.ServeHTTP(w, r)
	}))
	defer ts.Close()

	c := newTestClient(t, ts, ModeAuto, nil)
	// Enqueued before the transport settles; must survive the switch.
	c.Send(&protocol.Frame{Type: protocol.FrameTypeConnectData, ID: "early"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, 10*time.Second, "fallback registration", func() bool {
		return len(relay.frames()) >= 2
	})
	frames := relay.frames()
	if frames[0].Type != protocol.FrameTypeHello {
		t.Fatalf("hello must lead after fallback, got %+v", frames[0])
	}
	if frames[1].ID != "early" {
		t.Fatalf("enqueued frame lost in fallback: %+v", frames)
	}
}
