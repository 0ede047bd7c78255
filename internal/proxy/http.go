package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

func (e *engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.handleConnect(w, r)
		return
	}
	e.handleHTTP(w, r)
}

// handleHTTP forwards one absolute-form (or path-only) request as an
// http-request frame and writes back the matching http-response.
func (e *engine) handleHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	targetURL := r.URL.String()
	if !r.URL.IsAbs() {
		// Some clients probe the proxy with a bare path; rebuild the
		// target from the Host header.
		if r.Host == "" {
			http.Error(w, "missing Host header", http.StatusBadRequest)
			return
		}
		targetURL = "http://" + r.Host + ensureLeadingSlash(r.URL.RequestURI())
	}

	headers := protocol.SanitizeHeaders(protocol.HeadersFromHTTP(r.Header))
	if headers == nil {
		headers = protocol.Headers{}
	}
	if r.Host != "" {
		headers["Host"] = []string{r.Host}
	}

	id := e.idGen()
	ch := e.registerPending(id)
	defer e.dropPending(id)

	e.client.Send(&protocol.Frame{
		Type: protocol.FrameTypeHTTPRequest,
		ID:   id,
		Request: &protocol.RequestPayload{
			Method:     r.Method,
			URL:        targetURL,
			Headers:    headers,
			BodyBase64: protocol.EncodePayload(body),
		},
	})

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		e.writeResponse(w, resp)
	case <-timer.C:
		e.logger.Warn("request timed out", "id", id, "url", targetURL)
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		// Browser went away; a late response for the id is discarded.
	}
}

func (e *engine) writeResponse(w http.ResponseWriter, f *protocol.Frame) {
	if f.Error != "" {
		http.Error(w, f.Error, http.StatusBadGateway)
		return
	}
	body, err := protocol.DecodePayload(f.BodyBase64)
	if err != nil {
		http.Error(w, "invalid response payload", http.StatusBadGateway)
		return
	}
	for key, values := range protocol.SanitizeHeaders(f.Headers) {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	status := f.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// handleConnect opens a tunnel for CONNECT host:port. Bytes already
// buffered by the HTTP parser become the tunnel's head bytes.
func (e *engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !e.client.Connected() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	host, port, err := splitHostPort(r.Host)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid CONNECT target: %v", err), http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "proxy not supported", http.StatusInternalServerError)
		return
	}
	clientConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	var head []byte
	if n := bufrw.Reader.Buffered(); n > 0 {
		head = make([]byte, n)
		if _, err := io.ReadFull(bufrw.Reader, head); err != nil {
			clientConn.Close()
			return
		}
	}

	id := e.idGen()
	t := newTunnel(e, id, clientConn, head)
	e.tunnelsMu.Lock()
	e.tunnels[id] = t
	e.tunnelsMu.Unlock()

	e.client.Send(&protocol.Frame{
		Type: protocol.FrameTypeConnectStart,
		ID:   id,
		Host: host,
		Port: port,
	})
	e.logger.Debug("tunnel requested", "id", id, "target", r.Host)

	go t.readClient()
}
