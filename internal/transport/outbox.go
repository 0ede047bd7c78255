package transport

import (
	"context"
	"sync"

	"github.com/nicolas-albert/remote-ws-proxy/internal/protocol"
)

// outbox buffers outbound frames while the transport is down and hands
// them out in FIFO order. It is bounded only by memory.
type outbox struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(f *protocol.Frame) {
	o.mu.Lock()
	o.frames = append(o.frames, f)
	o.mu.Unlock()
	o.signal()
}

// unshift puts frames back at the head, preserving their order, after
// a failed send.
func (o *outbox) unshift(frames []*protocol.Frame) {
	if len(frames) == 0 {
		return
	}
	o.mu.Lock()
	o.frames = append(append([]*protocol.Frame(nil), frames...), o.frames...)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// peek returns the frame at the head without removing it; ok is false
// when the outbox is empty.
func (o *outbox) peek() (*protocol.Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil, false
	}
	return o.frames[0], true
}

// drop removes the head frame; called after it was written out.
func (o *outbox) drop() {
	o.mu.Lock()
	if len(o.frames) > 0 {
		o.frames = o.frames[1:]
	}
	o.mu.Unlock()
}

// takeBatch removes and returns up to maxFrames frames whose summed
// payload stays under maxBytes (the first frame always counts).
func (o *outbox) takeBatch(maxFrames, maxBytes int) []*protocol.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil
	}
	batch := make([]*protocol.Frame, 0, maxFrames)
	size := 0
	for _, f := range o.frames {
		if len(batch) >= maxFrames {
			break
		}
		frameSize := len(f.DataBase64) + len(f.BodyBase64)
		if f.Request != nil {
			frameSize += len(f.Request.BodyBase64)
		}
		if len(batch) > 0 && size+frameSize > maxBytes {
			break
		}
		batch = append(batch, f)
		size += frameSize
	}
	o.frames = o.frames[len(batch):]
	return batch
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// wait blocks until the outbox is non-empty or the context ends.
func (o *outbox) wait(ctx context.Context) error {
	for {
		if _, ok := o.peek(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.wake:
		}
	}
}
