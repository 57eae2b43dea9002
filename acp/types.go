package acp

import "encoding/json"

// Method names the gateway sends or services, per spec.md §4.2/§6.
const (
	MethodInitialize         = "initialize"
	MethodSessionNew         = "session/new"
	MethodSessionPrompt      = "session/prompt"
	MethodSessionCancel      = "session/cancel"
	MethodSessionUpdate      = "session/update"
	MethodRequestPermission  = "session/request_permission"
	MethodFSReadTextFile     = "fs/read_text_file"
	MethodFSWriteTextFile    = "fs/write_text_file"
	MethodTerminalCreate     = "terminal/create"
	MethodTerminalOutput     = "terminal/output"
	MethodTerminalKill       = "terminal/kill"
	MethodTerminalWaitExit   = "terminal/wait_for_exit"
	MethodTerminalRelease    = "terminal/release"
)

// ProtocolVersion is the version the gateway advertises at initialize.
const ProtocolVersion = 1

type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type ClientCapabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities,omitempty"`
}

type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type MCPServer struct {
	Name    string        `json:"name"`
	Command string        `json:"command,omitempty"`
	Args    []string      `json:"args,omitempty"`
	Env     []EnvVariable `json:"env,omitempty"`
	URL     string        `json:"url,omitempty"`
	Headers []HTTPHeader  `json:"headers,omitempty"`
}

type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers,omitempty"`
}

type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is a minimal tagged union over the block kinds the gateway
// round-trips without interpreting: text, image, resource link, etc.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Data     string          `json:"data,omitempty"`
	URI      string          `json:"uri,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// StopReason enumerates the terminal states of a prompt, per spec.md §4.2.
type StopReason string

const (
	StopEndTurn          StopReason = "end_turn"
	StopMaxTokens        StopReason = "max_tokens"
	StopMaxTurnRequests  StopReason = "max_turn_requests"
	StopRefusal          StopReason = "refusal"
	StopCancelled        StopReason = "cancelled"
)

type SessionPromptResult struct {
	StopReason StopReason `json:"stopReason"`
}

type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

type SessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// PermissionOptionKind enumerates the presented-option flavors the client
// renders for a tool-call permission decision.
type PermissionOptionKind string

const (
	OptionAllowOnce   PermissionOptionKind = "allow_once"
	OptionAllowAlways PermissionOptionKind = "allow_always"
	OptionRejectOnce  PermissionOptionKind = "reject_once"
	OptionRejectAlways PermissionOptionKind = "reject_always"
)

type PermissionOption struct {
	OptionID string               `json:"optionId"`
	Name     string               `json:"name,omitempty"`
	Kind     PermissionOptionKind `json:"kind"`
}

type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCall           `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome is the shape the gateway replies with to a backend's
// session/request_permission request.
type PermissionOutcome struct {
	Outcome  string          `json:"outcome"` // "selected" | "cancelled"
	OptionID string          `json:"optionId,omitempty"`
	Answers  json.RawMessage `json:"answers,omitempty"`
}

type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// ClientPermissionResponse is the shape a client sends back to the gateway
// over the WebSocket/RPC surface to resolve a pending permission_request.
type ClientPermissionResponse struct {
	ToolCallID string          `json:"toolCallId"`
	OptionID   *string         `json:"optionId"` // nil means deny
	Answers    json.RawMessage `json:"answers,omitempty"`
}

type FSReadTextFileParams struct {
	Path  string `json:"path"`
	Line  *int   `json:"line,omitempty"`
	Limit *int   `json:"limit,omitempty"`
}

type FSReadTextFileResult struct {
	Content string `json:"content"`
}

type FSWriteTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FSWriteTextFileResult struct{}

type TerminalCreateParams struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            []EnvVariable     `json:"env,omitempty"`
	OutputByteLimit *int             `json:"outputByteLimit,omitempty"`
}

type TerminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

type TerminalIDParams struct {
	TerminalID string `json:"terminalId"`
}

type ExitStatus struct {
	ExitCode *int    `json:"exitCode"`
	Signal   *string `json:"signal"`
}

type TerminalOutputResult struct {
	Output     string      `json:"output"`
	Truncated  bool        `json:"truncated"`
	ExitStatus *ExitStatus `json:"exitStatus,omitempty"`
}

type TerminalWaitForExitResult struct {
	ExitStatus
}
