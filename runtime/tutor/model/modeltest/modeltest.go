// Package modeltest provides a scripted model.Client for agent tests.
package modeltest

import (
	"context"
	"io"
	"sync"

	"github.com/maice-ai/maice/runtime/tutor/model"
)

// Reply scripts one model invocation. Err short-circuits the call; Chunks
// feed Stream, Text feeds Complete. A Stream reply with ErrAfter >= 0 fails
// with StreamErr once that many chunks were delivered.
type Reply struct {
	Text      string
	Err       error
	Chunks    []string
	ErrAfter  int
	StreamErr error
}

// Client replays scripted replies in order and records every request. The
// zero value is unusable; use New.
type Client struct {
	mu       sync.Mutex
	replies  []Reply
	requests []model.Request
}

// New builds a Client replaying the given replies in order. When the script
// runs out, calls fail with io.ErrUnexpectedEOF.
func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Push appends replies to the script.
func (c *Client) Push(replies ...Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
}

// Requests returns a copy of every request seen so far.
func (c *Client) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *Client) next(req model.Request) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.replies) == 0 {
		return Reply{}, io.ErrUnexpectedEOF
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	r, err := c.next(req)
	if err != nil {
		return model.Response{}, err
	}
	if r.Err != nil {
		return model.Response{}, r.Err
	}
	return model.Response{
		Content:    []model.Message{{Role: model.RoleAssistant, Content: r.Text}},
		StopReason: "end_turn",
	}, nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	errAfter := r.ErrAfter
	if r.StreamErr == nil {
		errAfter = -1
	}
	return &streamer{reply: r, errAfter: errAfter}, nil
}

type streamer struct {
	reply    Reply
	pos      int
	errAfter int
	stopped  bool
}

// Recv yields the scripted text chunks, then a stop chunk, then io.EOF.
func (s *streamer) Recv() (model.Chunk, error) {
	if s.errAfter >= 0 && s.pos >= s.errAfter {
		return model.Chunk{}, s.reply.StreamErr
	}
	if s.pos < len(s.reply.Chunks) {
		delta := s.reply.Chunks[s.pos]
		s.pos++
		return model.Chunk{
			Type:    model.ChunkTypeText,
			Message: &model.Message{Role: model.RoleAssistant, Content: delta},
		}, nil
	}
	if !s.stopped {
		s.stopped = true
		return model.Chunk{Type: model.ChunkTypeStop, StopReason: "end_turn"}, nil
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error { return nil }

func (s *streamer) Metadata() map[string]any {
	return map[string]any{"provider": "modeltest"}
}
