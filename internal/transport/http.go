package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

const (
	batchWindow    = 15 * time.Millisecond
	batchMaxBytes  = 32 * 1024
	batchMaxFrames = 64
	retryDelay     = 500 * time.Millisecond
	maxLineSize    = 8 << 20
)

// runHTTP drives the long-poll fallback: one task batches and POSTs
// the outbox, another consumes the chunked NDJSON stream. Transient
// errors retry forever; only ctx ends the loop.
func (c *Client) runHTTP(ctx context.Context) error {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               proxyFunc(c.cfg.ProxyURL),
			TLSClientConfig:     c.tlsConfig(),
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	base := HTTPBaseURL(c.cfg.ServerURL)
	escaped := url.PathEscape(c.cfg.Session)
	sendURL := fmt.Sprintf("%s/api/send/%s?role=%s", base.String(), escaped, c.cfg.Role)
	streamURL := fmt.Sprintf("%s/api/stream/%s?role=%s", base.String(), escaped, c.cfg.Role)

	// The hello travels over the send endpoint, ahead of anything the
	// outbox already holds.
	c.outbox.unshift([]*protocol.Frame{{
		Type:            protocol.FrameTypeHello,
		Role:            c.cfg.Role,
		Session:         c.cfg.Session,
		ProtocolVersion: protocol.Version,
	}})

	c.logger.Info("http transport active")
	c.notifyUp()

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		c.streamLoop(ctx, httpClient, streamURL)
	}()

	c.sendLoop(ctx, httpClient, sendURL)
	<-streamDone
	c.notifyDown(ctx.Err())
	return ctx.Err()
}

func (c *Client) sendLoop(ctx context.Context, client *http.Client, sendURL string) {
	for {
		if err := c.outbox.wait(ctx); err != nil {
			return
		}
		// Let more frames accumulate before flushing the batch.
		select {
		case <-time.After(batchWindow):
		case <-ctx.Done():
			return
		}

		batch := c.outbox.takeBatch(batchMaxFrames, batchMaxBytes)
		if len(batch) == 0 {
			continue
		}
		if err := c.postBatch(ctx, client, sendURL, batch); err != nil {
			c.logger.Debug("send failed, retrying", "frames", len(batch), "error", err)
			c.outbox.unshift(batch)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) postBatch(ctx context.Context, client *http.Client, sendURL string, batch []*protocol.Frame) error {
	message, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(protocol.SendEnvelope{
		Role:    c.cfg.Role,
		Message: message,
	})
	if err != nil {
		return err
	}

	postCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, sendURL, bytes.NewReader(envelope))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send returned status %d", resp.StatusCode)
	}
	return nil
}

// streamLoop keeps one NDJSON stream open, reopening after errors.
func (c *Client) streamLoop(ctx context.Context, client *http.Client, streamURL string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consumeStream(ctx, client, streamURL); err != nil && ctx.Err() == nil {
			c.logger.Debug("stream interrupted, reopening", "error", err)
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) consumeStream(ctx context.Context, client *http.Client, streamURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		f, err := protocol.Unmarshal(line)
		if err != nil {
			c.logger.Warn("bad frame on stream", "error", err)
			continue
		}
		c.cfg.OnFrame(f)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
