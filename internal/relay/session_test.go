package relay

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

// fakeSocket records frames instead of writing to a connection.
type fakeSocket struct {
	mu       sync.Mutex
	frames   []*protocol.Frame
	failing  bool
	closedBy string
}

func (f *fakeSocket) WriteFrame(frame *protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("write failed")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSocket) CloseWithReason(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedBy = reason
}

func (f *fakeSocket) recorded() []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func testServer(t *testing.T) *relayServer {
	t.Helper()
	srv, err := newRelayServer(slog.Default(), &serverOptions{
		host:      "127.0.0.1",
		port:      8080,
		heartbeat: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("newRelayServer failed: %v", err)
	}
	return srv
}

func TestHTTPRequestRecordedAndForwarded(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	lanSock := &fakeSocket{}
	proxySock := &fakeSocket{}
	sess.attachSocket(protocol.RoleLAN, lanSock)
	sess.attachSocket(protocol.RoleProxy, proxySock)

	sess.route(protocol.RoleProxy, &protocol.Frame{
		Type: protocol.FrameTypeHTTPRequest,
		ID:   "req-1",
		Request: &protocol.RequestPayload{
			Method: "GET",
			URL:    "http://example.test/x",
		},
	})

	frames := lanSock.recorded()
	if len(frames) != 1 || frames[0].Type != protocol.FrameTypeHTTPRequest {
		t.Fatalf("expected forwarded http-request, got %+v", frames)
	}
	if origin := sess.requests["req-1"]; origin != protocol.RoleProxy {
		t.Fatalf("request origin not recorded: %q", origin)
	}

	sess.route(protocol.RoleLAN, &protocol.Frame{
		Type:   protocol.FrameTypeHTTPResponse,
		ID:     "req-1",
		Status: 200,
	})
	frames = proxySock.recorded()
	if len(frames) != 1 || frames[0].Type != protocol.FrameTypeHTTPResponse {
		t.Fatalf("expected forwarded http-response, got %+v", frames)
	}
	if _, ok := sess.requests["req-1"]; ok {
		t.Fatal("request entry must be deleted after terminal frame")
	}
}

func TestHTTPResponseForUnknownIDNotForwarded(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	proxySock := &fakeSocket{}
	sess.attachSocket(protocol.RoleProxy, proxySock)

	sess.route(protocol.RoleLAN, &protocol.Frame{
		Type:   protocol.FrameTypeHTTPResponse,
		ID:     "never-seen",
		Status: 200,
	})
	if frames := proxySock.recorded(); len(frames) != 0 {
		t.Fatalf("unexpected forwarding: %+v", frames)
	}
}

func TestLANDisconnectSynthesizesTerminalFrames(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	lanSock := &fakeSocket{}
	proxySock := &fakeSocket{}
	sess.attachSocket(protocol.RoleLAN, lanSock)
	sess.attachSocket(protocol.RoleProxy, proxySock)

	sess.route(protocol.RoleProxy, &protocol.Frame{Type: protocol.FrameTypeHTTPRequest, ID: "req-1"})
	sess.route(protocol.RoleProxy, &protocol.Frame{Type: protocol.FrameTypeConnectStart, ID: "tun-1", Host: "db", Port: 5432})

	sess.detachSocket(protocol.RoleLAN, lanSock)

	var gotResponse, gotError bool
	for _, f := range proxySock.recorded() {
		switch {
		case f.Type == protocol.FrameTypeHTTPResponse && f.ID == "req-1":
			if f.Error != "LAN disconnected" {
				t.Fatalf("unexpected error text %q", f.Error)
			}
			gotResponse = true
		case f.Type == protocol.FrameTypeConnectError && f.ID == "tun-1":
			if f.Message != "LAN disconnected" {
				t.Fatalf("unexpected message %q", f.Message)
			}
			gotError = true
		}
	}
	if !gotResponse || !gotError {
		t.Fatalf("missing synthesized terminals: %+v", proxySock.recorded())
	}
	if len(sess.requests) != 0 || len(sess.tunnels) != 0 {
		t.Fatal("maps must be cleared after LAN disconnect")
	}
}

func TestProxyDisconnectEndsTunnelsTowardLAN(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	lanSock := &fakeSocket{}
	proxySock := &fakeSocket{}
	sess.attachSocket(protocol.RoleLAN, lanSock)
	sess.attachSocket(protocol.RoleProxy, proxySock)

	sess.route(protocol.RoleProxy, &protocol.Frame{Type: protocol.FrameTypeHTTPRequest, ID: "req-1"})
	sess.route(protocol.RoleProxy, &protocol.Frame{Type: protocol.FrameTypeConnectStart, ID: "tun-1", Host: "db", Port: 5432})

	sess.detachSocket(protocol.RoleProxy, proxySock)

	var gotEnd bool
	for _, f := range lanSock.recorded() {
		if f.Type == protocol.FrameTypeConnectEnd && f.ID == "tun-1" {
			gotEnd = true
		}
	}
	if !gotEnd {
		t.Fatalf("lan must receive connect-end for owned tunnels: %+v", lanSock.recorded())
	}
	if len(sess.requests) != 0 || len(sess.tunnels) != 0 {
		t.Fatal("proxy-owned entries must be removed")
	}
}

func TestQueuedFramesDrainFIFOOnAttach(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	proxySock := &fakeSocket{}
	sess.attachSocket(protocol.RoleProxy, proxySock)

	// No LAN socket: frames queue in order.
	for _, id := range []string{"a", "b", "c"} {
		sess.route(protocol.RoleProxy, &protocol.Frame{Type: protocol.FrameTypeHTTPRequest, ID: id})
	}
	if queued := len(sess.channels[protocol.RoleLAN].queue); queued != 3 {
		t.Fatalf("expected 3 queued frames, got %d", queued)
	}

	lanSock := &fakeSocket{}
	sess.attachSocket(protocol.RoleLAN, lanSock)

	frames := lanSock.recorded()
	if len(frames) != 3 {
		t.Fatalf("expected 3 drained frames, got %d", len(frames))
	}
	for i, id := range []string{"a", "b", "c"} {
		if frames[i].ID != id {
			t.Fatalf("drain out of order: %v", frames)
		}
	}
}

func TestNewHelloReplacesSocket(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	first := &fakeSocket{}
	second := &fakeSocket{}
	sess.attachSocket(protocol.RoleProxy, first)
	sess.attachSocket(protocol.RoleProxy, second)

	if first.closedBy != "replaced" {
		t.Fatalf("displaced socket must close with replaced reason, got %q", first.closedBy)
	}
	if sess.channels[protocol.RoleProxy].socket != roleSocket(second) {
		t.Fatal("second socket must be the live one")
	}

	// Dropping the displaced socket must not clear the live one.
	sess.detachSocket(protocol.RoleProxy, first)
	if sess.channels[protocol.RoleProxy].socket == nil {
		t.Fatal("stale detach wiped the live socket")
	}
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	lanSock := &fakeSocket{}
	proxySock := &fakeSocket{}
	sess.attachSocket(protocol.RoleLAN, lanSock)
	sess.attachSocket(protocol.RoleProxy, proxySock)

	sess.route(protocol.RoleProxy, &protocol.Frame{Type: "bogus", ID: "x"})

	frames := proxySock.recorded()
	if len(frames) != 1 || frames[0].Type != protocol.FrameTypeError {
		t.Fatalf("sender must get an error frame, got %+v", frames)
	}
	if frames := lanSock.recorded(); len(frames) != 0 {
		t.Fatalf("unknown frame must not be forwarded: %+v", frames)
	}
}

func TestTunnelDataForwardedToOriginOnly(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	lanSock := &fakeSocket{}
	proxySock := &fakeSocket{}
	sess.attachSocket(protocol.RoleLAN, lanSock)
	sess.attachSocket(protocol.RoleProxy, proxySock)

	sess.route(protocol.RoleProxy, &protocol.Frame{Type: protocol.FrameTypeConnectStart, ID: "t1", Host: "h", Port: 80})
	sess.route(protocol.RoleLAN, &protocol.Frame{Type: protocol.FrameTypeConnectAck, ID: "t1"})
	sess.route(protocol.RoleLAN, &protocol.Frame{Type: protocol.FrameTypeConnectData, ID: "t1", DataBase64: "aGk="})
	sess.route(protocol.RoleLAN, &protocol.Frame{Type: protocol.FrameTypeConnectEnd, ID: "t1"})

	types := []protocol.FrameType{}
	for _, f := range proxySock.recorded() {
		types = append(types, f.Type)
	}
	want := []protocol.FrameType{protocol.FrameTypeConnectAck, protocol.FrameTypeConnectData, protocol.FrameTypeConnectEnd}
	if len(types) != len(want) {
		t.Fatalf("unexpected frames %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected order %v", types)
		}
	}
	if _, ok := sess.tunnels["t1"]; ok {
		t.Fatal("tunnel entry must be deleted after connect-end")
	}

	// Data for a finished tunnel is dropped, not forwarded.
	sess.route(protocol.RoleLAN, &protocol.Frame{Type: protocol.FrameTypeConnectData, ID: "t1", DataBase64: "aGk="})
	if frames := proxySock.recorded(); len(frames) != len(want) {
		t.Fatalf("late tunnel data must be dropped: %+v", frames)
	}
}

func TestSessionSurvivesDisconnect(t *testing.T) {
	srv := testServer(t)
	sess := srv.lookupSession("s1")
	lanSock := &fakeSocket{}
	sess.attachSocket(protocol.RoleLAN, lanSock)
	sess.detachSocket(protocol.RoleLAN, lanSock)

	if srv.lookupSession("s1") != sess {
		t.Fatal("session state must survive a disconnect")
	}
}
