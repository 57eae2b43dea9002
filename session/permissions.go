package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fernlab-dev/agentgateway/acp"
)

// ErrNoPendingPermission is returned when a client answers, cancels, or
// double-answers a tool-call id that has no open entry.
var ErrNoPendingPermission = errors.New("no pending permission request")

// PermissionDecision is what ultimately resolves a pending permission
// entry, regardless of backend kind. OptionID nil means deny. Interrupted
// is set only when the resolution was forced by prompt cancellation or
// session termination (DrainOnTermination).
type PermissionDecision struct {
	OptionID    *string
	Answers     json.RawMessage
	Interrupted bool
}

// PermissionRecord is the metadata a permission_request subscriber event is
// built from.
type PermissionRecord struct {
	ToolCallID string
	ToolName   string
	Options    []acp.PermissionOption
	Context    json.RawMessage // SDK-only: blockedPath/decisionReason/agentID
	CreatedAt  time.Time
}

// PermissionTable is the pending-permission table from spec.md §3/§4.7:
// a mapping from tool-call id to its context plus an at-most-once resolver.
type PermissionTable struct {
	pending *PendingTable[PermissionDecision]

	mu      sync.Mutex
	records map[string]PermissionRecord
}

func NewPermissionTable() *PermissionTable {
	return &PermissionTable{
		pending: NewPendingTable[PermissionDecision](),
		records: make(map[string]PermissionRecord),
	}
}

// Register opens a new pending entry and returns the channel its eventual
// decision arrives on.
func (p *PermissionTable) Register(rec PermissionRecord) <-chan PermissionDecision {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	ch := p.pending.Register(rec.ToolCallID)
	p.mu.Lock()
	p.records[rec.ToolCallID] = rec
	p.mu.Unlock()
	return ch
}

// Resolve answers toolCallID with a client decision. Returns
// ErrNoPendingPermission if the id is unknown or already resolved.
func (p *PermissionTable) Resolve(toolCallID string, optionID *string, answers json.RawMessage) error {
	ok := p.pending.Resolve(toolCallID, PermissionDecision{OptionID: optionID, Answers: answers})
	p.forget(toolCallID)
	if !ok {
		return ErrNoPendingPermission
	}
	return nil
}

// Cancel resolves toolCallID with a deny/cancelled decision.
func (p *PermissionTable) Cancel(toolCallID string) error {
	ch, ok := p.pending.Cancel(toolCallID)
	p.forget(toolCallID)
	if !ok {
		return ErrNoPendingPermission
	}
	ch <- PermissionDecision{OptionID: nil}
	close(ch)
	return nil
}

// DrainOnTermination resolves every still-open entry with an interrupted
// denial, as required when the owning session terminates.
func (p *PermissionTable) DrainOnTermination() []string {
	ids := p.pending.DrainWithValue(PermissionDecision{OptionID: nil, Interrupted: true})
	p.mu.Lock()
	p.records = make(map[string]PermissionRecord)
	p.mu.Unlock()
	return ids
}

func (p *PermissionTable) Record(toolCallID string) (PermissionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[toolCallID]
	return rec, ok
}

func (p *PermissionTable) Len() int { return p.pending.Len() }

// PendingToolCallIDsForTool returns the ids of every currently pending entry whose
// tool name matches, excluding one id (used to auto-resolve siblings when a
// client answers "always allow" for a tool).
func (p *PermissionTable) PendingToolCallIDsForTool(toolName, exclude string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, rec := range p.records {
		if id != exclude && rec.ToolName == toolName {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *PermissionTable) forget(toolCallID string) {
	p.mu.Lock()
	delete(p.records, toolCallID)
	p.mu.Unlock()
}
