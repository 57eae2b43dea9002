package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeSession is a minimal Session double: just enough state to exercise
// Manager's registration, deletion, and idle-sweep bookkeeping without a
// real backend.
type fakeSession struct {
	id          string
	backendKind BackendKind

	mu          sync.Mutex
	terminated  bool
	startErr    error
}

func newFakeSession(id string, kind BackendKind) *fakeSession {
	return &fakeSession{id: id, backendKind: kind}
}

func (f *fakeSession) ID() string              { return f.id }
func (f *fakeSession) BackendKind() BackendKind { return f.backendKind }

func (f *fakeSession) Start(ctx context.Context) error { return f.startErr }

func (f *fakeSession) SendPrompt(ctx context.Context, blocks json.RawMessage) error { return nil }
func (f *fakeSession) CancelPrompt(ctx context.Context) error                       { return nil }

func (f *fakeSession) Terminate(ctx context.Context) error {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Subscribe(bufferSize int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

func (f *fakeSession) ResolvePermission(ctx context.Context, toolCallID string, optionID *string, answers json.RawMessage) error {
	return nil
}
func (f *fakeSession) CancelPermission(toolCallID string) error { return nil }

func (f *fakeSession) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := StateReady
	if f.terminated {
		state = StateTerminated
	}
	return Snapshot{ID: f.id, BackendKind: f.backendKind, State: state}
}

func (f *fakeSession) isTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// fakePersistence backs Manager's optional ListResumable/MarkAllIdle
// type-assertions, plus the mandatory Persistence methods sessions call
// through. Kept entirely in memory.
type fakePersistence struct {
	mu         sync.Mutex
	resumable  map[string]ResumableRecord
	terminated map[string]bool
	markedIdle bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{resumable: make(map[string]ResumableRecord), terminated: make(map[string]bool)}
}

func (p *fakePersistence) RecordEvent(sessionID string, eventType EventType, payload any) error {
	return nil
}
func (p *fakePersistence) RecordTranscript(sessionID, role, content string) error { return nil }

func (p *fakePersistence) UpsertResumable(rec ResumableRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumable[rec.SessionID] = rec
	return nil
}

func (p *fakePersistence) MarkTerminated(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated[sessionID] = true
	return nil
}

func (p *fakePersistence) ListResumable(ctx context.Context) ([]ResumableRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ResumableRecord, 0, len(p.resumable))
	for _, rec := range p.resumable {
		out = append(out, rec)
	}
	return out, nil
}

func (p *fakePersistence) MarkAllIdle(ctx context.Context) error {
	p.mu.Lock()
	p.markedIdle = true
	p.mu.Unlock()
	return nil
}

func builderReturning(sessions *sync.Map) Builder {
	return func(ctx context.Context, id string, req CreateRequest, resume *ResumableRecord) (Session, error) {
		sess := newFakeSession(id, req.Agent)
		sessions.Store(id, sess)
		return sess, nil
	}
}

func TestManager_CreateGetDelete(t *testing.T) {
	var built sync.Map
	mgr := NewManager(ManagerOptions{Builders: map[BackendKind]Builder{BackendSubprocess: builderReturning(&built)}})

	sess, err := mgr.Create(context.Background(), CreateRequest{Agent: BackendSubprocess})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := mgr.Get(sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID() != sess.ID() {
		t.Fatalf("Get returned a different session")
	}

	if err := mgr.Delete(context.Background(), sess.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mgr.Get(sess.ID()); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}

	fs, _ := built.Load(sess.ID())
	if !fs.(*fakeSession).isTerminated() {
		t.Fatal("expected Delete to terminate the underlying session")
	}
}

func TestManager_Delete_UnknownIDIsNotAnError(t *testing.T) {
	mgr := NewManager(ManagerOptions{})
	if err := mgr.Delete(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("expected nil error deleting an unknown id, got %v", err)
	}
}

func TestManager_Create_RejectsOverConcurrencyCap(t *testing.T) {
	var built sync.Map
	mgr := NewManager(ManagerOptions{
		MaxConcurrentSessions: 1,
		Builders:              map[BackendKind]Builder{BackendSubprocess: builderReturning(&built)},
	})

	if _, err := mgr.Create(context.Background(), CreateRequest{Agent: BackendSubprocess}); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	_, err := mgr.Create(context.Background(), CreateRequest{Agent: BackendSubprocess})
	if err == nil {
		t.Fatal("expected the second Create to hit the concurrency cap")
	}
	if _, ok := err.(*ErrMaxConcurrentSessions); !ok {
		t.Fatalf("expected ErrMaxConcurrentSessions, got %T: %v", err, err)
	}
}

func TestManager_Create_UnknownBackendIsAnError(t *testing.T) {
	mgr := NewManager(ManagerOptions{Builders: map[BackendKind]Builder{}})
	if _, err := mgr.Create(context.Background(), CreateRequest{Agent: BackendInProcess}); err == nil {
		t.Fatal("expected an error for a backend with no registered builder")
	}
}

// TestManager_Connect_RestoresFromResumableRecord covers the resumption
// scenario: a session not currently live, but present in the persistence
// adapter's resumable store, is rebuilt and started in resume mode.
func TestManager_Connect_RestoresFromResumableRecord(t *testing.T) {
	var built sync.Map
	var resumeSeen *ResumableRecord
	builder := func(ctx context.Context, id string, req CreateRequest, resume *ResumableRecord) (Session, error) {
		resumeSeen = resume
		sess := newFakeSession(id, req.Agent)
		built.Store(id, sess)
		return sess, nil
	}

	persistence := newFakePersistence()
	persistence.resumable["sess-42"] = ResumableRecord{
		SessionID: "sess-42", BackendKind: BackendSubprocess, BackendID: "backend-42", WorkingDir: "/work",
	}

	mgr := NewManager(ManagerOptions{Persistence: persistence, Builders: map[BackendKind]Builder{BackendSubprocess: builder}})

	events, unsubscribe := mgr.Subscribe()
	defer unsubscribe()

	sess, restored, err := mgr.Connect(context.Background(), "sess-42")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !restored {
		t.Fatal("expected restored=true for a session sourced from the resumable store")
	}
	if sess.ID() != "sess-42" {
		t.Fatalf("expected session id sess-42, got %s", sess.ID())
	}
	if resumeSeen == nil || resumeSeen.BackendID != "backend-42" {
		t.Fatalf("expected the builder to receive the resumable record, got %+v", resumeSeen)
	}

	select {
	case ev := <-events:
		if ev.Type != ManagerEventRestored || ev.SessionID != "sess-42" {
			t.Fatalf("expected a restored event for sess-42, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the restored notification")
	}

	// A second Connect finds the now-live session directly, without
	// consulting the resumable store again.
	again, restoredAgain, err := mgr.Connect(context.Background(), "sess-42")
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if restoredAgain {
		t.Fatal("expected restored=false once the session is already live")
	}
	if again.ID() != sess.ID() {
		t.Fatal("expected the second Connect to return the same live session")
	}
}

func TestManager_Connect_UnknownIDIsNotFound(t *testing.T) {
	mgr := NewManager(ManagerOptions{Persistence: newFakePersistence()})
	if _, _, err := mgr.Connect(context.Background(), "ghost"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_RestoreOnStartup_MarksPersistedSessionsIdle(t *testing.T) {
	persistence := newFakePersistence()
	mgr := NewManager(ManagerOptions{Persistence: persistence})
	if err := mgr.RestoreOnStartup(context.Background()); err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}
	if !persistence.markedIdle {
		t.Fatal("expected RestoreOnStartup to call MarkAllIdle on the persistence adapter")
	}
}

// TestManager_SweepIdle_EvictsPastCutoff is the idle-timer-timing boundary
// invariant at the Manager level: a session whose last activity is older
// than IdleTimeout is terminated and unregistered by the next sweep, while
// one touched since is left alone.
func TestManager_SweepIdle_EvictsPastCutoff(t *testing.T) {
	var built sync.Map
	mgr := NewManager(ManagerOptions{
		IdleTimeout: 50 * time.Millisecond,
		Builders:    map[BackendKind]Builder{BackendSubprocess: builderReturning(&built)},
	})

	stale, err := mgr.Create(context.Background(), CreateRequest{Agent: BackendSubprocess})
	if err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	fresh, err := mgr.Create(context.Background(), CreateRequest{Agent: BackendSubprocess})
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	mgr.Touch(fresh.ID()) // bump fresh past the cutoff the sweep is about to apply

	events, unsubscribe := mgr.Subscribe()
	defer unsubscribe()

	mgr.sweepIdle()

	select {
	case ev := <-events:
		if ev.Type != ManagerEventEvicted || ev.SessionID != stale.ID() {
			t.Fatalf("expected an evicted event for %s, got %+v", stale.ID(), ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the eviction notification")
	}

	if _, err := mgr.Get(stale.ID()); err != ErrSessionNotFound {
		t.Fatalf("expected the stale session to be unregistered, got %v", err)
	}
	if _, err := mgr.Get(fresh.ID()); err != nil {
		t.Fatalf("expected the touched session to survive the sweep, got %v", err)
	}

	staleFake, _ := built.Load(stale.ID())
	if !staleFake.(*fakeSession).isTerminated() {
		t.Fatal("expected the evicted session to be terminated")
	}
	freshFake, _ := built.Load(fresh.ID())
	if freshFake.(*fakeSession).isTerminated() {
		t.Fatal("expected the touched session to not be terminated")
	}
}
