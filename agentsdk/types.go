// Package agentsdk is this gateway's own abstraction of "an in-process
// agent SDK exposing an asynchronous message stream and a permission
// callback" (spec.md §1/§4.3). spec.md never names a concrete third-party
// SDK package to import — it describes the shape SdkSession drives — so
// this package is the boundary, modeled directly on the teacher's own
// hand-rolled claude/sdk package (itself exactly this kind of adapter).
package agentsdk

import (
	"context"
	"encoding/json"

	"github.com/fernlab-dev/agentgateway/acp"
)

// PermissionBehavior is the decision shape returned to the SDK, spec.md §4.3.
type PermissionBehavior string

const (
	PermissionAllow PermissionBehavior = "allow"
	PermissionDeny  PermissionBehavior = "deny"
)

type PermissionResult struct {
	Behavior     PermissionBehavior
	ToolUseID    string
	UpdatedInput json.RawMessage
	Message      string
	Interrupt    bool
}

// ToolPermissionContext carries everything the permission callback
// receives alongside (toolName, input), spec.md §4.3 point 2-3.
type ToolPermissionContext struct {
	ToolUseID      string
	Suggestions    []PermissionSuggestion
	BlockedPath    string
	DecisionReason string
	AgentID        string
}

// PermissionSuggestion is one `{type, destination, behavior?, ...}` entry
// the SDK may attach to a permission request.
type PermissionSuggestion struct {
	Type        string `json:"type"`
	Destination string `json:"destination,omitempty"`
	Behavior    string `json:"behavior,omitempty"`
}

// CanUseToolFunc is the permission callback the session hands the SDK at
// query start.
type CanUseToolFunc func(ctx context.Context, toolName string, input json.RawMessage, permCtx ToolPermissionContext) (PermissionResult, error)

// Message is one tagged-variant item from a query's async iterator,
// spec.md §4.3's message-translation table.
type Message struct {
	Type      string // system | assistant | user | stream_event | result
	Subtype   string
	SessionID string
	Raw       map[string]any
}

// QueryOptions is the options snapshot SendPrompt builds from the current
// session configuration, spec.md §9's enumerated SDK configuration fields.
type QueryOptions struct {
	WorkingDir        string
	PermissionMode    string
	AllowedTools      []string
	DisallowedTools   []string
	MaxTurns          int
	MaxBudgetUSD      float64
	MaxThinkingTokens int
	Model             string
	FallbackModel     string
	MCPServers        json.RawMessage
	Sandbox           bool
	SystemPrompt      string
	Resume            string
	Continue          bool
	CanUseTool        CanUseToolFunc
}

// Query is the live control surface a started query exposes, spec.md §4.3
// ("interrupt, setMode, setModel, setMaxThinkingTokens, set-mcp-servers,
// rewindFiles, supportedModels, accountInfo, mcpServerStatus,
// supportedCommands").
type Query interface {
	Messages() <-chan Message
	Errors() <-chan error

	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode string) error
	SetModel(ctx context.Context, model string) error
	SetMaxThinkingTokens(ctx context.Context, n int) error
	SetMCPServers(ctx context.Context, servers json.RawMessage) error
	RewindFiles(ctx context.Context, userMessageID string) error

	SupportedModels(ctx context.Context) ([]string, error)
	AccountInfo(ctx context.Context) (map[string]any, error)
	MCPServerStatus(ctx context.Context) (map[string]any, error)
	SupportedCommands(ctx context.Context) ([]string, error)

	Close() error
}

// SDK drives a new Query for a prompt and options snapshot.
type SDK interface {
	Query(ctx context.Context, prompt []acp.ContentBlock, opts QueryOptions) (Query, error)
}
