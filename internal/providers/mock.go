package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// MockProvider is a scripted in-process adapter. It backs tests and
// no-network deployments: register it under a provider name, point
// models at it, and script responses per request.
//
// The zero behavior echoes the last user message. Replies, failures,
// and artificial latency are scripted with WithReply and WithDelay.
// All methods are safe for concurrent use and every request is
// recorded for inspection.
type MockProvider struct {
	name  string
	delay time.Duration
	reply func(*Request) (*Response, error)

	mu    sync.Mutex
	calls []*Request
}

// NewMockProvider creates a mock adapter registered under name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// WithReply scripts the response. The function runs once per request,
// after any configured delay.
func (m *MockProvider) WithReply(fn func(*Request) (*Response, error)) *MockProvider {
	m.reply = fn
	return m
}

// WithDelay makes every call wait before responding, honoring context
// cancellation. Used to exercise timeout and cancellation paths.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.delay = d
	return m
}

// Name returns the scripted provider name.
func (m *MockProvider) Name() string {
	return m.name
}

// SupportsTools reports true; scripted replies may carry tool calls.
func (m *MockProvider) SupportsTools() bool {
	return true
}

// Complete records the request and returns the scripted response.
func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	m.record(req)

	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}

	if m.reply != nil {
		return m.reply(req)
	}
	return m.echo(req), nil
}

// CompleteStreaming returns the scripted response split into a short
// sequence of text chunks followed by a final usage-bearing chunk.
func (m *MockProvider) CompleteStreaming(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		resp, err := m.Complete(ctx, req)
		if err != nil {
			chunks <- Chunk{Err: err}
			return
		}

		for _, piece := range splitForStream(resp.Content) {
			chunks <- Chunk{Text: piece}
		}
		for i := range resp.ToolCalls {
			chunks <- Chunk{ToolCall: &resp.ToolCalls[i]}
		}
		usage := resp.Usage
		chunks <- Chunk{Done: true, Usage: &usage}
	}()
	return chunks, nil
}

// Calls returns a copy of every request seen so far.
func (m *MockProvider) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many requests were issued.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockProvider) record(req *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
}

func (m *MockProvider) echo(req *Request) *Response {
	last := ""
	for _, msg := range req.Messages {
		if msg.Role == "user" && msg.Content != "" {
			last = msg.Content
		}
	}

	content := fmt.Sprintf("%s response to: %s", req.Model, last)
	prompt := estimateChars(req) / 4
	completion := len(content) / 4
	return &Response{
		Content: content,
		Usage: models.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

func estimateChars(req *Request) int {
	total := len(req.System)
	for _, msg := range req.Messages {
		total += len(msg.Content)
	}
	return total
}

// splitForStream cuts content into a few chunks so streaming consumers
// see more than one delta.
func splitForStream(content string) []string {
	if content == "" {
		return nil
	}
	const parts = 3
	size := (len(content) + parts - 1) / parts
	var out []string
	for start := 0; start < len(content); start += size {
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		out = append(out, content[start:end])
	}
	return out
}
