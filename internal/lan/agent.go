package lan

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

// frameSender is the slice of the transport client the agent needs;
// tests substitute a capture.
type frameSender interface {
	Send(f *protocol.Frame)
}

// agent executes http-request frames against their targets and serves
// connect-* tunnels from inside the private network.
type agent struct {
	logger      *slog.Logger
	client      frameSender
	httpClient  *http.Client
	tunnelProxy *url.URL
	insecure    bool
	dialTimeout time.Duration

	tunnelsMu sync.Mutex
	tunnels   map[string]*tunnel
}

func newAgent(logger *slog.Logger, tunnelProxy *url.URL, insecure bool) *agent {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecure {
		tlsCfg.InsecureSkipVerify = true
	}
	return &agent{
		logger: logger,
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects ride back to the browser untouched.
				return http.ErrUseLastResponse
			},
			Timeout: 60 * time.Second,
		},
		tunnelProxy: tunnelProxy,
		insecure:    insecure,
		dialTimeout: 10 * time.Second,
		tunnels:     make(map[string]*tunnel),
	}
}

func (a *agent) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameTypeHTTPRequest:
		go a.handleHTTPRequest(f)
	case protocol.FrameTypeConnectStart:
		go a.handleConnectStart(f)
	case protocol.FrameTypeConnectData:
		a.handleConnectData(f)
	case protocol.FrameTypeConnectEnd:
		a.handleConnectEnd(f)
	case protocol.FrameTypeConnectError:
		a.closeTunnel(f.ID)
	case protocol.FrameTypeHelloAck:
		a.logger.Debug("registered", "session", f.Session)
	case protocol.FrameTypeError:
		a.logger.Warn("relay reported error", "message", f.Message)
	default:
		a.logger.Warn("unknown frame type", "type", f.Type)
	}
}

// handleTransportDown releases every target socket; the relay fails the
// proxy-side work on its own.
func (a *agent) handleTransportDown(err error) {
	a.logger.Warn("transport lost", "error", err)
	a.tunnelsMu.Lock()
	tunnels := make([]*tunnel, 0, len(a.tunnels))
	for id, t := range a.tunnels {
		tunnels = append(tunnels, t)
		delete(a.tunnels, id)
	}
	a.tunnelsMu.Unlock()
	for _, t := range tunnels {
		t.close()
	}
}

func (a *agent) handleHTTPRequest(f *protocol.Frame) {
	if f.Request == nil || f.ID == "" {
		a.logger.Warn("http-request missing payload", "id", f.ID)
		return
	}

	ctx, span := otel.Tracer("rwp/lan").Start(context.Background(), "http-request")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", f.Request.Method),
		attribute.String("http.url", f.Request.URL),
	)

	resp, err := a.execute(ctx, f.Request)
	if err != nil {
		a.logger.Warn("request failed", "id", f.ID, "url", f.Request.URL, "error", err)
		span.SetAttributes(attribute.String("error", err.Error()))
		a.client.Send(&protocol.Frame{
			Type:  protocol.FrameTypeHTTPResponse,
			ID:    f.ID,
			Error: err.Error(),
		})
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))

	a.client.Send(&protocol.Frame{
		Type:       protocol.FrameTypeHTTPResponse,
		ID:         f.ID,
		Status:     resp.Status,
		Headers:    resp.Headers,
		BodyBase64: protocol.EncodePayload(resp.Body),
	})
}

type executedResponse struct {
	Status  int
	Headers protocol.Headers
	Body    []byte
}

// execute performs one target request with manual redirects and
// sanitized headers in both directions.
func (a *agent) execute(ctx context.Context, payload *protocol.RequestPayload) (*executedResponse, error) {
	body, err := protocol.DecodePayload(payload.BodyBase64)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	headers := protocol.SanitizeHeaders(payload.Headers)
	for key, values := range headers {
		switch http.CanonicalHeaderKey(key) {
		case "Host":
			if len(values) > 0 {
				req.Host = values[0]
			}
		case "Content-Length":
			// Recomputed from the decoded body.
		default:
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}
	req.ContentLength = int64(len(body))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &executedResponse{
		Status:  resp.StatusCode,
		Headers: protocol.SanitizeHeaders(protocol.HeadersFromHTTP(resp.Header)),
		Body:    respBody,
	}, nil
}
