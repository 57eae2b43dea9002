// Package sdksession implements the SdkSession from spec.md §4.3: an
// in-process backend driven through the agentsdk.SDK/Query contract, with
// no child process and no stdio. Grounded on the teacher's
// claude/sdk/query.go and claude/sdk/client.go control-protocol machinery
// (pendingResponses/pendingPermissions tables, RespondToPermission
// at-most-once resolution, Disconnect ordering) and claude/session.go's
// permission-callback construction.
package sdksession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fernlab-dev/agentgateway/acp"
	"github.com/fernlab-dev/agentgateway/agentsdk"
	gwsession "github.com/fernlab-dev/agentgateway/session"
	"github.com/rs/zerolog"
)

// Options configures a Session at construction time.
type Options struct {
	WorkingDir  string
	Config      gwsession.SDKConfig
	Persistence gwsession.Persistence
	Logger      zerolog.Logger
}

// Session drives one in-process SDK query lifecycle.
type Session struct {
	id  string
	sdk agentsdk.SDK
	log zerolog.Logger

	mu         sync.Mutex
	state      gwsession.State
	backendID  string
	cfg        gwsession.SDKConfig
	workingDir string
	createdAt  time.Time
	lastActive time.Time
	processing bool

	query       agentsdk.Query
	queryCancel context.CancelFunc

	permissions *gwsession.PermissionTable
	bcast       *gwsession.Broadcaster
	persistence gwsession.Persistence

	cacheMu           sync.Mutex
	supportedModels   []string
	accountInfo       map[string]any
	mcpServerStatus   map[string]any
	supportedCommands []string
}

func New(id string, sdk agentsdk.SDK, opts Options) *Session {
	return &Session{
		id: id, sdk: sdk, log: opts.Logger,
		state: gwsession.StateInitialising, cfg: opts.Config, workingDir: opts.WorkingDir,
		createdAt: time.Now(), permissions: gwsession.NewPermissionTable(),
		bcast: gwsession.NewBroadcaster(), persistence: opts.Persistence,
	}
}

func (s *Session) ID() string                        { return s.id }
func (s *Session) BackendKind() gwsession.BackendKind { return gwsession.BackendInProcess }

// Start transitions Initialising -> Ready. Unlike SubprocessSession there
// is no handshake: the in-process SDK has no connection step of its own
// before the first query.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.state = gwsession.StateReady
	s.lastActive = time.Now()
	s.mu.Unlock()
	return nil
}

// SendPrompt constructs an options snapshot from the current configuration
// and starts a query. At most one query may be active at a time.
func (s *Session) SendPrompt(ctx context.Context, blocks json.RawMessage) error {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return fmt.Errorf("sdksession: prompt already processing")
	}
	s.processing = true
	s.state = gwsession.StateProcessing
	cfg := s.cfg
	s.mu.Unlock()

	var content []acp.ContentBlock
	if err := json.Unmarshal(blocks, &content); err != nil {
		s.endProcessing()
		return fmt.Errorf("sdksession: invalid prompt blocks: %w", err)
	}

	qctx, cancel := context.WithCancel(context.Background())
	opts := s.buildQueryOptions(cfg, qctx)

	q, err := s.sdk.Query(qctx, content, opts)
	if err != nil {
		cancel()
		s.endProcessing()
		s.bcast.PublishCritical(gwsession.Event{Type: gwsession.EventError, SessionID: s.id, Payload: err.Error(), At: time.Now()})
		return err
	}

	s.mu.Lock()
	s.query = q
	s.queryCancel = cancel
	s.mu.Unlock()

	s.prePopulateCaches(qctx, q)
	s.consumeMessages(q)
	return nil
}

func (s *Session) buildQueryOptions(cfg gwsession.SDKConfig, ctx context.Context) agentsdk.QueryOptions {
	return agentsdk.QueryOptions{
		WorkingDir: s.workingDir, PermissionMode: cfg.PermissionMode,
		AllowedTools: cfg.AllowedTools, DisallowedTools: cfg.DisallowedTools,
		MaxTurns: cfg.MaxTurns, MaxBudgetUSD: cfg.MaxBudgetUSD, MaxThinkingTokens: cfg.MaxThinkingTokens,
		Model: cfg.Model, FallbackModel: cfg.FallbackModel, MCPServers: cfg.MCPServers,
		Sandbox: cfg.Sandbox, SystemPrompt: cfg.SystemPrompt,
		Resume: cfg.Resume, Continue: cfg.Continue,
		CanUseTool: s.buildCanUseTool(),
	}
}

// consumeMessages is the single task that drains the query's async
// iterator in arrival order and translates each message into subscriber
// events, spec.md §9 "async iteration of SDK messages".
func (s *Session) consumeMessages(q agentsdk.Query) {
	for {
		select {
		case msg, ok := <-q.Messages():
			if !ok {
				s.finishQuery(nil)
				return
			}
			s.translateMessage(msg)
		case err, ok := <-q.Errors():
			if !ok {
				continue
			}
			if err != nil {
				s.bcast.PublishCritical(gwsession.Event{Type: gwsession.EventError, SessionID: s.id, Payload: err.Error(), At: time.Now()})
			}
		}
	}
}

func (s *Session) finishQuery(err error) {
	s.endProcessing()
	if err != nil {
		s.bcast.PublishCritical(gwsession.Event{Type: gwsession.EventError, SessionID: s.id, Payload: err.Error(), At: time.Now()})
	}
}

func (s *Session) endProcessing() {
	s.mu.Lock()
	s.processing = false
	if s.state == gwsession.StateProcessing {
		s.state = gwsession.StateReady
	}
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.bcast.Publish(gwsession.Event{Type: gwsession.EventActivity, SessionID: s.id, At: time.Now()})
}

// CancelPrompt signals the per-query cancellation token, closes the
// iterator, and rejects any outstanding permission callback.
func (s *Session) CancelPrompt(ctx context.Context) error {
	s.mu.Lock()
	q := s.query
	cancel := s.queryCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if q != nil {
		_ = q.Interrupt(ctx)
		_ = q.Close()
	}
	s.permissions.DrainOnTermination()
	return nil
}

// Terminate tears the session down forcefully: cancel any live query and
// resolve every outstanding permission with an interrupted denial.
func (s *Session) Terminate(ctx context.Context) error {
	_ = s.CancelPrompt(ctx)
	s.mu.Lock()
	s.state = gwsession.StateTerminated
	s.mu.Unlock()
	if s.persistence != nil {
		_ = s.persistence.MarkTerminated(s.id)
	}
	s.bcast.CloseAll()
	return nil
}

func (s *Session) Subscribe(bufferSize int) (<-chan gwsession.Event, func()) {
	return s.bcast.Subscribe(bufferSize)
}

func (s *Session) Snapshot() gwsession.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gwsession.Snapshot{
		ID: s.id, BackendKind: gwsession.BackendInProcess, BackendID: s.backendID,
		State: s.state, WorkingDir: s.workingDir, CreatedAt: s.createdAt,
		LastActivityAt: s.lastActive, ConfigSnapshot: s.cfg, SubscriberCount: s.bcast.SubscriberCount(),
	}
}

// --- live configuration mutation, spec.md §4.3 -------------------------------

func (s *Session) SetPermissionMode(ctx context.Context, mode string) error {
	s.mu.Lock()
	s.cfg.PermissionMode = mode
	q := s.query
	s.mu.Unlock()
	if q != nil {
		return q.SetPermissionMode(ctx, mode)
	}
	return nil
}

func (s *Session) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	s.cfg.Model = model
	q := s.query
	s.mu.Unlock()
	if q != nil {
		return q.SetModel(ctx, model)
	}
	return nil
}

func (s *Session) SetMaxThinkingTokens(ctx context.Context, n int) error {
	s.mu.Lock()
	s.cfg.MaxThinkingTokens = n
	q := s.query
	s.mu.Unlock()
	if q != nil {
		return q.SetMaxThinkingTokens(ctx, n)
	}
	return nil
}

func (s *Session) SetMCPServers(ctx context.Context, servers json.RawMessage) error {
	s.mu.Lock()
	s.cfg.MCPServers = servers
	q := s.query
	s.mu.Unlock()
	if q != nil {
		return q.SetMCPServers(ctx, servers)
	}
	return nil
}

// --- backend-id replacement, spec.md §4.3 ------------------------------------

func (s *Session) noteBackendID(id string) {
	s.mu.Lock()
	changed := id != "" && id != s.backendID
	if changed {
		s.backendID = id
	}
	cfg := s.cfg
	s.mu.Unlock()
	if changed && s.persistence != nil {
		_ = s.persistence.UpsertResumable(gwsession.ResumableRecord{
			SessionID: s.id, BackendKind: gwsession.BackendInProcess,
			BackendID: id, ConfigSnapshot: cfg, WorkingDir: s.workingDir,
		})
	}
}
