// Package subprocess implements the SubprocessSession from spec.md §4.2:
// one child process speaking newline-delimited ACP JSON-RPC on its stdio,
// bridged to the gateway's Session interface. Grounded on the teacher's
// claude/sdk/transport/subprocess.go for the stdin write-mutex and
// scanner-based stdout reading discipline, adapted to ACP method names
// instead of the teacher's proprietary control-protocol envelope.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fernlab-dev/agentgateway/acp"
	gwsession "github.com/fernlab-dev/agentgateway/session"
	"github.com/fernlab-dev/agentgateway/terminal"
	"github.com/rs/zerolog"
)

const (
	DefaultRequestTimeout  = 5 * time.Minute
	DefaultIdleTimeout     = 10 * time.Minute
	DefaultMaxMessageBytes = acp.DefaultMaxMessageBytes
	killGrace              = 5 * time.Second
	maxScannerBuffer       = 1 << 20
)

// Options configures a Session at construction time.
type Options struct {
	WorkingDir        string
	Env               map[string]string
	Secrets           map[string]string
	MCPServers        []acp.MCPServer
	RequestTimeout    time.Duration
	IdleTimeout       time.Duration
	MaxMessageBytes   int
	CreateParentDirs  bool
	Persistence       gwsession.Persistence
	Logger            zerolog.Logger
	ResumeBackendID   string // non-empty on reconnect after restart
}

// Session bridges one child process to the gateway Session interface.
type Session struct {
	id      string
	backend Backend
	opts    Options
	log     zerolog.Logger

	handle   Handle
	writeMu  sync.Mutex
	nextID   atomic.Int64

	mu             sync.Mutex
	state          gwsession.State
	backendID      string
	createdAt      time.Time
	lastActivityAt time.Time
	processing     bool

	pending     *gwsession.PendingTable[*acp.Envelope]
	permissions *gwsession.PermissionTable
	permReqMu   sync.Mutex
	permReqID   map[string]json.RawMessage // toolCallID -> backend request id

	terminals *terminal.Manager
	bcast     *gwsession.Broadcaster

	idleTimer *time.Timer
	exited    chan struct{}
	termOnce  sync.Once
}

func New(id string, backend Backend, opts Options) *Session {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	s := &Session{
		id:          id,
		backend:     backend,
		opts:        opts,
		log:         opts.Logger,
		state:       gwsession.StateInitialising,
		createdAt:   time.Now(),
		pending:     gwsession.NewPendingTable[*acp.Envelope](),
		permissions: gwsession.NewPermissionTable(),
		permReqID:   make(map[string]json.RawMessage),
		terminals:   terminal.NewManager(),
		bcast:       gwsession.NewBroadcaster(),
		exited:      make(chan struct{}),
	}
	s.nextID.Store(2) // reserved: 1=initialize, 2=session/new
	return s
}

func (s *Session) ID() string                        { return s.id }
func (s *Session) BackendKind() gwsession.BackendKind { return gwsession.BackendSubprocess }

// Start spawns the child and performs the initialize + session/new
// handshake. A handshake failure is fatal: the session never advances
// past Initialising.
func (s *Session) Start(ctx context.Context) error {
	handle, err := s.backend.Spawn(ctx, s.opts.WorkingDir, s.opts.Env, s.opts.Secrets)
	if err != nil {
		return fmt.Errorf("subprocess: spawn: %w", err)
	}
	s.handle = handle

	go s.readLoop()
	go s.stderrLoop()
	go s.monitorExit()

	initParams := acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			FS:       acp.FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	}
	if _, err := s.call(ctx, idOf(1), acp.MethodInitialize, initParams); err != nil {
		return fmt.Errorf("subprocess: initialize handshake failed: %w", err)
	}

	newSessionParams := acp.NewSessionParams{Cwd: s.opts.WorkingDir, MCPServers: s.opts.MCPServers}
	resp, err := s.call(ctx, idOf(2), acp.MethodSessionNew, newSessionParams)
	if err != nil {
		return fmt.Errorf("subprocess: session/new handshake failed: %w", err)
	}
	var result acp.NewSessionResult
	if resp.Result != nil {
		_ = json.Unmarshal(resp.Result, &result)
	}
	backendID := result.SessionID
	if backendID == "" {
		backendID = s.id // fall back to the gateway-assigned id, per spec.md §4.2
	}

	s.mu.Lock()
	s.backendID = backendID
	s.state = gwsession.StateReady
	s.lastActivityAt = time.Now()
	s.mu.Unlock()

	s.resetIdleTimer()
	s.persistResumable()
	return nil
}

// call issues a request with an explicit id (used only for the reserved
// handshake ids 1 and 2) and waits for its response.
func (s *Session) call(ctx context.Context, id json.RawMessage, method string, params any) (acp.Response, error) {
	ch := s.pending.Register(string(id))
	line, err := acp.SerializeRequest(id, method, params, s.opts.MaxMessageBytes)
	if err != nil {
		s.pending.Cancel(string(id))
		return acp.Response{}, err
	}
	if err := s.writeLine(line); err != nil {
		s.pending.Cancel(string(id))
		return acp.Response{}, err
	}
	select {
	case env := <-ch:
		if env == nil {
			return acp.Response{}, fmt.Errorf("subprocess: request terminated")
		}
		resp := env.AsResponse()
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-time.After(s.opts.RequestTimeout):
		s.pending.Cancel(string(id))
		return acp.Response{}, fmt.Errorf("subprocess: request timeout")
	case <-ctx.Done():
		return acp.Response{}, ctx.Err()
	}
}

func (s *Session) writeLine(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.handle.Stdin().Write(line)
	return err
}

func idOf(n int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", n))
}

func (s *Session) nextOutboundID() json.RawMessage {
	return idOf(s.nextID.Add(1))
}

// readLoop is the single long-running task that owns the backend's
// stdout, per spec.md §5.
func (s *Session) readLoop() {
	sc := acp.NewLineScanner(s.handle.Stdout(), maxScannerBuffer)
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.TrimSpace(line) == nil {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		s.touchActivity()
		kind, env, err := acp.ParseMessage(cp)
		if err != nil {
			s.recordEvent(gwsession.EventError, map[string]string{"error": err.Error()})
			continue
		}
		switch kind {
		case acp.KindResponse:
			if !s.pending.Resolve(string(env.ID), env) {
				s.recordEvent(gwsession.EventError, map[string]string{"error": "response for unknown id", "id": string(env.ID)})
			}
		case acp.KindRequest:
			go s.handleAgentRequest(env.AsRequest())
		case acp.KindNotification:
			s.handleAgentNotification(env.AsNotification())
		}
	}
}

func (s *Session) stderrLoop() {
	sc := acp.NewLineScanner(s.handle.Stderr(), maxScannerBuffer)
	for sc.Scan() {
		line := sc.Text()
		s.bcast.Publish(gwsession.Event{Type: gwsession.EventStderr, SessionID: s.id, Payload: line, At: time.Now()})
	}
}

// monitorExit waits for the child to exit and tears the session down: the
// teacher's Disconnect-ordering invariant ("close transport first") has no
// analogue here since the transport *is* the child; instead this is the
// single place that observes exit and drains every table exactly once.
func (s *Session) monitorExit() {
	code, signal, _ := s.handle.Wait()
	close(s.exited)

	reason := fmt.Sprintf("child process exited (code: %d, signal: %s)", code, nullable(signal))
	s.pending.DrainWithValue(&acp.Envelope{Error: acp.NewError(acp.CodeInternalError, reason)})
	s.permissions.DrainOnTermination()
	s.terminals.ReleaseAll()

	s.mu.Lock()
	s.state = gwsession.StateTerminated
	s.mu.Unlock()

	var sigPtr *string
	if signal != "" {
		sigPtr = &signal
	}
	s.bcast.PublishCritical(gwsession.Event{
		Type: gwsession.EventExit, SessionID: s.id,
		Payload: acp.ExitStatus{ExitCode: &code, Signal: sigPtr}, At: time.Now(),
	})
	if s.opts.Persistence != nil {
		_ = s.opts.Persistence.MarkTerminated(s.id)
	}
	s.bcast.CloseAll()
}

func nullable(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

// SendPrompt issues session/prompt. Concurrent prompts are rejected.
func (s *Session) SendPrompt(ctx context.Context, blocks json.RawMessage) error {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return fmt.Errorf("subprocess: prompt already processing")
	}
	if s.state != gwsession.StateReady {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("subprocess: session not ready (state=%s)", st)
	}
	s.processing = true
	s.state = gwsession.StateProcessing
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		if s.state == gwsession.StateProcessing {
			s.state = gwsession.StateReady
		}
		s.mu.Unlock()
	}()

	var content []acp.ContentBlock
	if err := json.Unmarshal(blocks, &content); err != nil {
		return fmt.Errorf("subprocess: invalid prompt blocks: %w", err)
	}

	id := s.nextOutboundID()
	params := acp.SessionPromptParams{SessionID: s.backendIDLocked(), Prompt: content}
	resp, err := s.call(ctx, id, acp.MethodSessionPrompt, params)
	if err != nil {
		s.bcast.PublishCritical(gwsession.Event{Type: gwsession.EventError, SessionID: s.id, Payload: err.Error(), At: time.Now()})
		return err
	}
	var result acp.SessionPromptResult
	if resp.Result != nil {
		_ = json.Unmarshal(resp.Result, &result)
	}
	s.bcast.PublishCritical(gwsession.Event{Type: gwsession.EventMessage, SessionID: s.id, Payload: result, At: time.Now()})
	return nil
}

// CancelPrompt issues session/cancel as a fire-and-forget notification and
// locally resolves any still-open permission requests as cancelled.
func (s *Session) CancelPrompt(ctx context.Context) error {
	params := acp.SessionCancelParams{SessionID: s.backendIDLocked()}
	line, err := acp.SerializeNotification(acp.MethodSessionCancel, params, s.opts.MaxMessageBytes)
	if err != nil {
		return err
	}
	if err := s.writeLine(line); err != nil {
		return err
	}
	s.cancelAllPendingPermissions()
	return nil
}

func (s *Session) cancelAllPendingPermissions() {
	s.permReqMu.Lock()
	ids := make([]string, 0, len(s.permReqID))
	for id := range s.permReqID {
		ids = append(ids, id)
	}
	s.permReqMu.Unlock()
	for _, id := range ids {
		_ = s.CancelPermission(id)
	}
}

// Terminate forcefully tears the session down per spec.md §4.2.
func (s *Session) Terminate(ctx context.Context) error {
	var terminated bool
	s.termOnce.Do(func() {
		terminated = true
		_ = s.CancelPrompt(ctx)
		s.terminals.ReleaseAll()
		s.pending.DrainWithValue(&acp.Envelope{Error: acp.NewError(acp.CodeInternalError, "session terminated")})
		s.permissions.DrainOnTermination()

		s.mu.Lock()
		s.state = gwsession.StateTerminating
		s.mu.Unlock()

		if s.handle != nil {
			gracefulKill(s.handle, s.exited, killGrace)
		}
	})
	if !terminated {
		return nil
	}
	<-s.exited
	return nil
}

func (s *Session) Subscribe(bufferSize int) (<-chan gwsession.Event, func()) {
	return s.bcast.Subscribe(bufferSize)
}

func (s *Session) ResolvePermission(ctx context.Context, toolCallID string, optionID *string, answers json.RawMessage) error {
	if err := s.permissions.Resolve(toolCallID, optionID, answers); err != nil {
		return err
	}
	return s.replyPermission(toolCallID, optionID, answers)
}

func (s *Session) CancelPermission(toolCallID string) error {
	if err := s.permissions.Cancel(toolCallID); err != nil {
		return err
	}
	return s.replyPermission(toolCallID, nil, nil)
}

func (s *Session) replyPermission(toolCallID string, optionID *string, answers json.RawMessage) error {
	s.permReqMu.Lock()
	reqID, ok := s.permReqID[toolCallID]
	delete(s.permReqID, toolCallID)
	s.permReqMu.Unlock()
	if !ok {
		return nil // already replied by a prior terminate/cancel sweep
	}
	outcome := acp.PermissionOutcome{Outcome: "cancelled"}
	if optionID != nil {
		outcome = acp.PermissionOutcome{Outcome: "selected", OptionID: *optionID, Answers: answers}
	}
	line, err := acp.SerializeResponse(reqID, acp.RequestPermissionResult{Outcome: outcome}, nil, s.opts.MaxMessageBytes)
	if err != nil {
		return err
	}
	return s.writeLine(line)
}

func (s *Session) Snapshot() gwsession.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gwsession.Snapshot{
		ID: s.id, BackendKind: gwsession.BackendSubprocess, BackendID: s.backendID,
		State: s.state, WorkingDir: s.opts.WorkingDir, CreatedAt: s.createdAt,
		LastActivityAt: s.lastActivityAt, SubscriberCount: s.bcast.SubscriberCount(),
	}
}

func (s *Session) backendIDLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendID
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
	s.resetIdleTimer()
	s.bcast.Publish(gwsession.Event{Type: gwsession.EventActivity, SessionID: s.id, At: time.Now()})
}

func (s *Session) resetIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, s.onIdle)
}

func (s *Session) onIdle() {
	s.bcast.PublishCritical(gwsession.Event{Type: gwsession.EventIdle, SessionID: s.id, At: time.Now()})
	_ = s.Terminate(context.Background())
}

func (s *Session) recordEvent(t gwsession.EventType, payload any) {
	s.bcast.Publish(gwsession.Event{Type: t, SessionID: s.id, Payload: payload, At: time.Now()})
	if s.opts.Persistence != nil {
		_ = s.opts.Persistence.RecordEvent(s.id, t, payload)
	}
}

func (s *Session) persistResumable() {
	if s.opts.Persistence == nil {
		return
	}
	_ = s.opts.Persistence.UpsertResumable(gwsession.ResumableRecord{
		SessionID: s.id, BackendKind: gwsession.BackendSubprocess,
		BackendID: s.backendIDLocked(), WorkingDir: s.opts.WorkingDir,
	})
}
