// Package session defines the Session abstraction shared by the
// subprocess and in-process backends, the SessionManager that owns every
// live session, and the pending-table types both backends correlate
// requests and permission decisions through.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// BackendKind distinguishes the two backend classes spec.md §1 describes.
type BackendKind string

const (
	BackendSubprocess BackendKind = "subprocess"
	BackendInProcess  BackendKind = "in-process"
)

// State is the lifecycle state machine from spec.md §3.
type State string

const (
	StateInitialising State = "Initialising"
	StateReady        State = "Ready"
	StateProcessing   State = "Processing"
	StateIdle         State = "Idle"
	StateTerminating  State = "Terminating"
	StateTerminated   State = "Terminated"
)

// EventType enumerates the events a session emits to its subscribers,
// spec.md §4.6.
type EventType string

const (
	EventMessage           EventType = "message"
	EventSessionUpdate     EventType = "session_update"
	EventPermissionRequest EventType = "permission_request"
	EventExit              EventType = "exit"
	EventActivity          EventType = "activity"
	EventIdle              EventType = "idle"
	EventError             EventType = "error"
	EventStderr            EventType = "stderr"
)

// Event is one item on a session's broadcast stream.
type Event struct {
	Type      EventType
	SessionID string
	Payload   any
	At        time.Time
}

// AuthMode enumerates how session creation resolves credentials, spec.md §9.
type AuthMode string

const (
	AuthNone        AuthMode = "none"
	AuthInlineKey   AuthMode = "inline-key"
	AuthStoredKey   AuthMode = "stored-key"
	AuthInteractive AuthMode = "interactive"
)

// AuthSpec is the `auth` block of a session-creation request.
type AuthSpec struct {
	Mode               AuthMode `json:"mode"`
	ProviderKey        string   `json:"providerKey,omitempty"`
	APIKeyRef          string   `json:"apiKeyRef,omitempty"` // "stored" | "inline" | "none"
	APIKey             string   `json:"apiKey,omitempty"`
	StoredCredentialID string   `json:"storedCredentialId,omitempty"`
}

// SDKConfig enumerates the SDK configuration fields from spec.md §9.
type SDKConfig struct {
	PermissionMode          string          `json:"permissionMode,omitempty"`
	AllowedTools            []string        `json:"allowedTools,omitempty"`
	DisallowedTools         []string        `json:"disallowedTools,omitempty"`
	MaxTurns                int             `json:"maxTurns,omitempty"`
	MaxBudgetUSD            float64         `json:"maxBudgetUsd,omitempty"`
	MaxThinkingTokens       int             `json:"maxThinkingTokens,omitempty"`
	Model                   string          `json:"model,omitempty"`
	FallbackModel           string          `json:"fallbackModel,omitempty"`
	MCPServers              json.RawMessage `json:"mcpServers,omitempty"`
	Agents                  json.RawMessage `json:"agents,omitempty"`
	Sandbox                 bool            `json:"sandbox,omitempty"`
	Plugins                 json.RawMessage `json:"plugins,omitempty"`
	OutputFormat            string          `json:"outputFormat,omitempty"`
	SystemPrompt            string          `json:"systemPrompt,omitempty"`
	AdditionalDirectories   []string        `json:"additionalDirectories,omitempty"`
	Resume                  string          `json:"resume,omitempty"`
	Continue                bool            `json:"continue,omitempty"`
	ForkSession             bool            `json:"forkSession,omitempty"`
	PersistSession          bool            `json:"persistSession,omitempty"`
	EnableFileCheckpointing bool            `json:"enableFileCheckpointing,omitempty"`
}

// CreateRequest is the input to SessionManager.Create.
type CreateRequest struct {
	Agent       BackendKind       `json:"agent"`
	Auth        AuthSpec          `json:"auth"`
	Env         map[string]string `json:"env,omitempty"`
	WorkspaceID string            `json:"workspaceId,omitempty"`
	RepoPath    string            `json:"repoPath,omitempty"`
	Config      SDKConfig         `json:"config,omitempty"`
}

// ResumableRecord is the subset of session state needed to reattach to a
// backend after a gateway restart, spec.md §3.
type ResumableRecord struct {
	SessionID     string
	BackendKind   BackendKind
	BackendID     string
	ConfigSnapshot SDKConfig
	WorkingDir    string
}

// Snapshot is a point-in-time, lock-free copy of a session's externally
// visible state, eliminating TOCTOU races the way the teacher's
// SessionSnapshot does.
type Snapshot struct {
	ID             string
	BackendKind    BackendKind
	BackendID      string
	State          State
	WorkingDir     string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ConfigSnapshot SDKConfig
	SubscriberCount int
}

// Session is the uniform surface SessionManager and the transport layer
// drive, implemented by *subprocess.Session and *sdksession.Session.
type Session interface {
	ID() string
	BackendKind() BackendKind

	// Start performs the backend-specific handshake/connect and transitions
	// Initialising -> Ready (or fails, leaving the session unusable).
	Start(ctx context.Context) error

	SendPrompt(ctx context.Context, blocks json.RawMessage) error
	CancelPrompt(ctx context.Context) error

	// Terminate forcefully tears the session down: see spec.md §4.2/§4.3.
	Terminate(ctx context.Context) error

	// Subscribe registers a new event subscriber and returns an unsubscribe
	// function. The returned channel is closed when the session terminates
	// or the subscriber unsubscribes, whichever happens first.
	Subscribe(bufferSize int) (ch <-chan Event, unsubscribe func())

	// ResolvePermission answers an outstanding session/request_permission
	// (subprocess) or permission callback (SDK) for toolCallID.
	ResolvePermission(ctx context.Context, toolCallID string, optionID *string, answers json.RawMessage) error
	CancelPermission(toolCallID string) error

	Snapshot() Snapshot
}

// Persistence is the narrow interface sessions call through to record
// state transitions, resumability, and transcript entries (spec.md §2,
// "Persistence Adapter").
type Persistence interface {
	RecordEvent(sessionID string, eventType EventType, payload any) error
	RecordTranscript(sessionID, role, content string) error
	UpsertResumable(rec ResumableRecord) error
	MarkTerminated(sessionID string) error
}

// RawRPCForwarder is implemented only by subprocess sessions: spec.md
// §4.6 forbids raw JSON-RPC frames on SDK sessions, so the transport layer
// type-asserts for this before accepting one.
type RawRPCForwarder interface {
	ForwardRawRPC(ctx context.Context, line []byte) ([]byte, error)
}

// broadcaster is the shared fan-out embedded by both backend session types:
// one buffered channel per subscriber, with publish and sendCritical
// delivering to every channel directly from the publishing goroutine.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	nextID      uint64
	closed      bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[string]chan Event)}
}

func (b *broadcaster) subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := idKey(b.nextID)
	ch := make(chan Event, bufferSize)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers ev to every subscriber. A subscriber whose buffer is
// full is sent to via a non-blocking attempt so one slow reader can never
// stall the session; the event is dropped for that subscriber. No
// coalescing is applied.
func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the session loop.
			// Critical events do not take this path: they go through sendCritical.
		}
	}
}

// sendCritical blocks (briefly) to guarantee delivery of events spec.md
// §4.6 says must never be dropped: first permission event, tool-call
// events, completion, errors. It still must not stall forever on a dead
// subscriber, so it gives up after a short grace period and lets the
// subscriber's own read-side disconnect detection clean it up.
func (b *broadcaster) sendCritical(ev Event) {
	b.mu.RLock()
	chans := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *broadcaster) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func idKey(n uint64) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{digits[n%16]}, buf...)
		n /= 16
	}
	return string(buf)
}

// Broadcaster exposes the shared fan-out implementation to the subprocess
// and sdksession packages without re-implementing it.
type Broadcaster = broadcaster

func NewBroadcaster() *Broadcaster { return newBroadcaster() }

func (b *Broadcaster) Subscribe(bufferSize int) (<-chan Event, func()) { return b.subscribe(bufferSize) }
func (b *Broadcaster) Publish(ev Event)                                { b.publish(ev) }
func (b *Broadcaster) PublishCritical(ev Event)                        { b.sendCritical(ev) }
func (b *Broadcaster) SubscriberCount() int                            { return b.subscriberCount() }
func (b *Broadcaster) CloseAll()                                       { b.closeAll() }
