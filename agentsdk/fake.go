package agentsdk

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fernlab-dev/agentgateway/acp"
)

// FakeSDK and FakeQuery let tests drive SdkSession without a real
// in-process agent, mirroring the teacher's NewClaudeSDKClientWithTransport
// test-mocking pattern in claude/sdk/client.go.
type FakeSDK struct {
	mu      sync.Mutex
	queries []*FakeQuery
	NextErr error
}

func (f *FakeSDK) Query(ctx context.Context, prompt []acp.ContentBlock, opts QueryOptions) (Query, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NextErr != nil {
		err := f.NextErr
		f.NextErr = nil
		return nil, err
	}
	q := &FakeQuery{messages: make(chan Message, 16), errs: make(chan error, 1), opts: opts}
	f.queries = append(f.queries, q)
	return q, nil
}

// Queries returns every query started so far, for assertions.
func (f *FakeSDK) Queries() []*FakeQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeQuery{}, f.queries...)
}

type FakeQuery struct {
	mu     sync.Mutex
	opts   QueryOptions
	messages chan Message
	errs     chan error
	closed bool

	Interrupted     bool
	PermissionMode  string
	Model           string
	MaxThinkingToks int
	MCPServers      json.RawMessage
	Rewound         string
}

func (q *FakeQuery) Messages() <-chan Message { return q.messages }
func (q *FakeQuery) Errors() <-chan error     { return q.errs }

// Options returns the QueryOptions the session passed to SDK.Query, so a
// test can reach into it for the CanUseTool callback and drive a permission
// flow directly.
func (q *FakeQuery) Options() QueryOptions { return q.opts }

func (q *FakeQuery) Emit(m Message)  { q.messages <- m }
func (q *FakeQuery) EmitErr(e error) { q.errs <- e }

func (q *FakeQuery) Interrupt(ctx context.Context) error { q.Interrupted = true; return nil }
func (q *FakeQuery) SetPermissionMode(ctx context.Context, mode string) error {
	q.PermissionMode = mode
	return nil
}
func (q *FakeQuery) SetModel(ctx context.Context, model string) error { q.Model = model; return nil }
func (q *FakeQuery) SetMaxThinkingTokens(ctx context.Context, n int) error {
	q.MaxThinkingToks = n
	return nil
}
func (q *FakeQuery) SetMCPServers(ctx context.Context, servers json.RawMessage) error {
	q.MCPServers = servers
	return nil
}
func (q *FakeQuery) RewindFiles(ctx context.Context, userMessageID string) error {
	q.Rewound = userMessageID
	return nil
}
func (q *FakeQuery) SupportedModels(ctx context.Context) ([]string, error) {
	return []string{"fake-model-1"}, nil
}
func (q *FakeQuery) AccountInfo(ctx context.Context) (map[string]any, error) {
	return map[string]any{"account": "fake"}, nil
}
func (q *FakeQuery) MCPServerStatus(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}
func (q *FakeQuery) SupportedCommands(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

func (q *FakeQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.messages)
	close(q.errs)
	return nil
}
