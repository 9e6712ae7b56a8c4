// Package inferencetest provides a scriptable inference.Client for tests.
package inferencetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/3leaps/lexbatch/pkg/inference"
)

// Handler produces the outcome of one call.
type Handler func(ctx context.Context, req inference.Request) (*inference.Response, error)

// Client is a fake inference.Client that records calls.
type Client struct {
	handler Handler

	mu       sync.Mutex
	requests []inference.Request

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// New returns a fake that runs h for every call.
func New(h Handler) *Client {
	return &Client{handler: h}
}

// Moderate implements inference.Client.
func (c *Client) Moderate(ctx context.Context, req inference.Request) (*inference.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return c.handler(ctx, req)
}

// Requests returns a copy of the recorded requests.
func (c *Client) Requests() []inference.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]inference.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns the number of calls made.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// MaxInFlight is the highest observed number of concurrent calls.
func (c *Client) MaxInFlight() int {
	return int(c.maxInFlight.Load())
}

// Verdict answers every call with v.
func Verdict(v inference.Verdict) Handler {
	return func(context.Context, inference.Request) (*inference.Response, error) {
		return &inference.Response{Verdict: v, Raw: `{}`, InputTokens: 10, OutputTokens: 3}, nil
	}
}

// Fail answers every call with err.
func Fail(err error) Handler {
	return func(context.Context, inference.Request) (*inference.Response, error) {
		return nil, err
	}
}

// Hang blocks until ctx is done and returns a timeout error.
func Hang() Handler {
	return func(ctx context.Context, _ inference.Request) (*inference.Response, error) {
		<-ctx.Done()
		return nil, &inference.SubmissionError{Provider: "fake", Err: inference.ErrTimeout}
	}
}

// ByPrompt dispatches on the rendered prompt; unmatched prompts use fallback.
func ByPrompt(routes map[string]Handler, fallback Handler) Handler {
	return func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		if h, ok := routes[req.Prompt]; ok {
			return h(ctx, req)
		}
		return fallback(ctx, req)
	}
}

// Gate blocks each call until release is closed or ctx ends, then runs next.
func Gate(release <-chan struct{}, next Handler) Handler {
	return func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return next(ctx, req)
	}
}
