package sdksession

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernlab-dev/agentgateway/acp"
	"github.com/fernlab-dev/agentgateway/agentsdk"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// fakePersistence records every call in memory, enough to assert on
// resumption and termination bookkeeping without a real store.
type fakePersistence struct {
	mu         sync.Mutex
	resumable  []gwsession.ResumableRecord
	terminated []string
}

func (p *fakePersistence) RecordEvent(sessionID string, eventType gwsession.EventType, payload any) error {
	return nil
}
func (p *fakePersistence) RecordTranscript(sessionID, role, content string) error { return nil }

func (p *fakePersistence) UpsertResumable(rec gwsession.ResumableRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumable = append(p.resumable, rec)
	return nil
}

func (p *fakePersistence) MarkTerminated(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, sessionID)
	return nil
}

func (p *fakePersistence) resumableRecords() []gwsession.ResumableRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gwsession.ResumableRecord{}, p.resumable...)
}

func promptBlocks(t *testing.T, text string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal([]acp.ContentBlock{{Type: "text", Text: text}})
	if err != nil {
		t.Fatalf("marshal prompt blocks: %v", err)
	}
	return b
}

func waitForQuery(t *testing.T, sdk *agentsdk.FakeSDK) *agentsdk.FakeQuery {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if qs := sdk.Queries(); len(qs) > 0 {
			return qs[len(qs)-1]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for the session to start a query")
	return nil
}

func newTestSession(sdk agentsdk.SDK, persistence gwsession.Persistence) *Session {
	return New("sdk-sess-1", sdk, Options{WorkingDir: "/work", Persistence: persistence, Logger: zerolog.Nop()})
}

func TestSession_SendPrompt_HappyPath(t *testing.T) {
	sdk := &agentsdk.FakeSDK{}
	persistence := &fakePersistence{}
	sess := newTestSession(sdk, persistence)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	events, unsubscribe := sess.Subscribe(8)
	defer unsubscribe()

	promptErr := make(chan error, 1)
	go func() { promptErr <- sess.SendPrompt(context.Background(), promptBlocks(t, "hello")) }()

	q := waitForQuery(t, sdk)
	q.Emit(agentsdk.Message{Type: "result", SessionID: "backend-99", Raw: map[string]any{"ok": true}})
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-promptErr:
		if err != nil {
			t.Fatalf("SendPrompt: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendPrompt never returned after the query closed")
	}

	select {
	case ev := <-events:
		if ev.Type != gwsession.EventExit {
			t.Fatalf("expected EventExit for the result message, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the exit event")
	}

	snap := sess.Snapshot()
	if snap.State != gwsession.StateReady {
		t.Fatalf("expected Ready after the query finished, got %s", snap.State)
	}
	if snap.BackendID != "backend-99" {
		t.Fatalf("expected backend id backend-99, got %q", snap.BackendID)
	}
}

func TestSession_SendPrompt_RejectsConcurrent(t *testing.T) {
	sdk := &agentsdk.FakeSDK{}
	sess := newTestSession(sdk, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		_ = sess.SendPrompt(context.Background(), promptBlocks(t, "first"))
		close(firstDone)
	}()
	q := waitForQuery(t, sdk)

	if err := sess.SendPrompt(context.Background(), promptBlocks(t, "second")); err == nil {
		t.Fatal("expected an error for a concurrent prompt")
	}

	q.Emit(agentsdk.Message{Type: "result"})
	_ = q.Close()
	<-firstDone
}

// TestSession_Permission_AllowAlwaysResolvesSiblings drives the CanUseTool
// callback the session hands the SDK directly, simulating two concurrent
// tool-permission requests for the same tool; answering the first with
// "allow_always" must auto-resolve the second.
func TestSession_Permission_AllowAlwaysResolvesSiblings(t *testing.T) {
	sdk := &agentsdk.FakeSDK{}
	sess := newTestSession(sdk, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	events, unsubscribe := sess.Subscribe(8)
	defer unsubscribe()

	promptErr := make(chan error, 1)
	go func() { promptErr <- sess.SendPrompt(context.Background(), promptBlocks(t, "run bash twice")) }()

	q := waitForQuery(t, sdk)
	canUseTool := q.Options().CanUseTool
	if canUseTool == nil {
		t.Fatal("expected the query options to carry a CanUseTool callback")
	}

	results := make(chan agentsdk.PermissionResult, 2)
	for _, id := range []string{"tc-a", "tc-b"} {
		go func(toolUseID string) {
			res, _ := canUseTool(context.Background(), "bash", json.RawMessage(`{}`), agentsdk.ToolPermissionContext{ToolUseID: toolUseID})
			results <- res
		}(id)
	}

	// Wait for both permission_request events before resolving either.
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type != gwsession.EventPermissionRequest {
				t.Fatalf("expected EventPermissionRequest, got %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for permission_request events")
		}
	}

	optID := "allow_always"
	if err := sess.ResolvePermission(context.Background(), "tc-a", &optID, nil); err != nil {
		t.Fatalf("ResolvePermission: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.Behavior != agentsdk.PermissionAllow {
				t.Fatalf("expected both siblings to be allowed, got %+v", res)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for both canUseTool calls to return")
		}
	}

	q.Emit(agentsdk.Message{Type: "result"})
	_ = q.Close()
	<-promptErr
}

func TestSession_CancelPrompt_InterruptsLiveQuery(t *testing.T) {
	sdk := &agentsdk.FakeSDK{}
	sess := newTestSession(sdk, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	promptErr := make(chan error, 1)
	go func() { promptErr <- sess.SendPrompt(context.Background(), promptBlocks(t, "long running")) }()

	q := waitForQuery(t, sdk)

	if err := sess.CancelPrompt(context.Background()); err != nil {
		t.Fatalf("CancelPrompt: %v", err)
	}

	select {
	case err := <-promptErr:
		if err != nil {
			t.Fatalf("expected SendPrompt to return cleanly after cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendPrompt never returned after CancelPrompt")
	}

	if !q.Interrupted {
		t.Fatal("expected CancelPrompt to call Interrupt on the live query")
	}
}

// TestSession_NoteBackendID_PersistsResumableRecordOnChange is the
// resumption-bookkeeping half of the scenario: the first message carrying a
// backend session id must produce exactly one persisted resumable record.
func TestSession_NoteBackendID_PersistsResumableRecordOnChange(t *testing.T) {
	sdk := &agentsdk.FakeSDK{}
	persistence := &fakePersistence{}
	sess := newTestSession(sdk, persistence)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	promptErr := make(chan error, 1)
	go func() { promptErr <- sess.SendPrompt(context.Background(), promptBlocks(t, "hi")) }()

	q := waitForQuery(t, sdk)
	q.Emit(agentsdk.Message{Type: "assistant", SessionID: "backend-1", Raw: map[string]any{"text": "hi"}})
	q.Emit(agentsdk.Message{Type: "assistant", SessionID: "backend-1", Raw: map[string]any{"text": "again"}})
	q.Emit(agentsdk.Message{Type: "result"})
	_ = q.Close()
	<-promptErr

	records := persistence.resumableRecords()
	if len(records) != 1 {
		t.Fatalf("expected exactly one resumable upsert (only the first backend id sighting), got %d", len(records))
	}
	if records[0].BackendID != "backend-1" {
		t.Fatalf("expected backend id backend-1, got %q", records[0].BackendID)
	}
}

func TestSession_Terminate_MarksPersistenceAndClosesSubscribers(t *testing.T) {
	sdk := &agentsdk.FakeSDK{}
	persistence := &fakePersistence{}
	sess := newTestSession(sdk, persistence)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	events, _ := sess.Subscribe(1)

	if err := sess.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	if _, ok := <-events; ok {
		t.Fatal("expected the event channel to be closed after Terminate")
	}
	if len(persistence.terminated) != 1 || persistence.terminated[0] != sess.ID() {
		t.Fatalf("expected MarkTerminated to be called once with %q, got %v", sess.ID(), persistence.terminated)
	}
	if got := sess.Snapshot().State; got != gwsession.StateTerminated {
		t.Fatalf("expected Terminated, got %s", got)
	}
}
