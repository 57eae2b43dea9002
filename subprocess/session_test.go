package subprocess

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernlab-dev/agentgateway/acp"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// fakeHandle is an in-memory Handle: pipes stand in for the child's stdio,
// letting a test drive both sides of the ACP conversation without spawning
// a real process.
type fakeHandle struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	stdoutR      *io.PipeReader
	stdoutWriter *io.PipeWriter

	stderrR      *io.PipeReader
	stderrWriter *io.PipeWriter

	mu        sync.Mutex
	exitCode  int
	signal    string
	waitCh    chan struct{}
	closeOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	sinR, sinW := io.Pipe()
	soR, soW := io.Pipe()
	seR, seW := io.Pipe()
	return &fakeHandle{
		stdinR: sinR, stdinW: sinW,
		stdoutR: soR, stdoutWriter: soW,
		stderrR: seR, stderrWriter: seW,
		waitCh: make(chan struct{}),
	}
}

func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeHandle) Stdout() io.Reader     { return h.stdoutR }
func (h *fakeHandle) Stderr() io.Reader     { return h.stderrR }
func (h *fakeHandle) Pid() int              { return 4242 }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.triggerExit(0, "")
	return nil
}

func (h *fakeHandle) Kill() error {
	h.triggerExit(-1, "killed")
	return nil
}

func (h *fakeHandle) triggerExit(code int, signal string) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.exitCode, h.signal = code, signal
		h.mu.Unlock()
		close(h.waitCh)
	})
}

func (h *fakeHandle) Wait() (int, string, error) {
	<-h.waitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.signal, nil
}

type fakeBackend struct{ handle *fakeHandle }

func (b *fakeBackend) Spawn(ctx context.Context, workingDir string, env, secrets map[string]string) (Handle, error) {
	return b.handle, nil
}

// agentSim plays the child side of the ACP conversation: it reads whatever
// the Session writes to stdin and classifies each line as a request (one
// the session issued, e.g. initialize/session/prompt) or a response (the
// session answering a request the sim itself pushed, e.g. a permission
// reply).
type agentSim struct {
	h         *fakeHandle
	requests  chan acp.Request
	responses chan acp.Response
}

func newAgentSim(h *fakeHandle) *agentSim {
	a := &agentSim{h: h, requests: make(chan acp.Request, 16), responses: make(chan acp.Response, 16)}
	go a.run()
	return a
}

func (a *agentSim) run() {
	sc := acp.NewLineScanner(a.h.stdinR, 1<<20)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		kind, env, err := acp.ParseMessage(line)
		if err != nil {
			continue
		}
		switch kind {
		case acp.KindRequest:
			a.requests <- env.AsRequest()
		case acp.KindResponse:
			a.responses <- env.AsResponse()
		}
	}
}

func (a *agentSim) reply(id json.RawMessage, result any) {
	line, err := acp.SerializeResponse(id, result, nil, 0)
	if err != nil {
		return
	}
	_, _ = a.h.stdoutWriter.Write(line)
}

func (a *agentSim) pushRequest(id json.RawMessage, method string, params any) {
	line, err := acp.SerializeRequest(id, method, params, 0)
	if err != nil {
		return
	}
	_, _ = a.h.stdoutWriter.Write(line)
}

func rawID(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func startSession(t *testing.T, opts Options) (*Session, *agentSim, *fakeHandle) {
	t.Helper()
	h := newFakeHandle()
	sess := New("sess-1", &fakeBackend{handle: h}, opts)
	sim := newAgentSim(h)

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Start(context.Background()) }()

	req := <-sim.requests
	if req.Method != acp.MethodInitialize {
		t.Fatalf("expected initialize first, got %q", req.Method)
	}
	sim.reply(req.ID, acp.InitializeResult{})

	req = <-sim.requests
	if req.Method != acp.MethodSessionNew {
		t.Fatalf("expected session/new second, got %q", req.Method)
	}
	sim.reply(req.ID, acp.NewSessionResult{SessionID: "backend-1"})

	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess, sim, h
}

func testOptions() Options {
	return Options{RequestTimeout: 2 * time.Second, IdleTimeout: time.Hour, Logger: zerolog.Nop()}
}

func TestSession_StartHandshake_SetsBackendIDAndReady(t *testing.T) {
	sess, _, _ := startSession(t, testOptions())
	snap := sess.Snapshot()
	if snap.State != gwsession.StateReady {
		t.Fatalf("expected Ready, got %s", snap.State)
	}
	if snap.BackendID != "backend-1" {
		t.Fatalf("expected backend id %q, got %q", "backend-1", snap.BackendID)
	}
}

func TestSession_SendPrompt_HappyPath(t *testing.T) {
	sess, sim, _ := startSession(t, testOptions())

	events, unsubscribe := sess.Subscribe(8)
	defer unsubscribe()

	promptErr := make(chan error, 1)
	go func() {
		blocks, _ := json.Marshal([]acp.ContentBlock{{Type: "text", Text: "hello"}})
		promptErr <- sess.SendPrompt(context.Background(), blocks)
	}()

	req := <-sim.requests
	if req.Method != acp.MethodSessionPrompt {
		t.Fatalf("expected session/prompt, got %q", req.Method)
	}
	sim.reply(req.ID, acp.SessionPromptResult{StopReason: acp.StopEndTurn})

	if err := <-promptErr; err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == gwsession.EventActivity {
				// Every stdout line the session reads publishes an activity event first.
				continue
			}
			if ev.Type != gwsession.EventMessage {
				t.Fatalf("expected EventMessage, got %s", ev.Type)
			}
		case <-deadline:
			t.Fatal("timed out waiting for result event")
		}
		break
	}
}

func TestSession_SendPrompt_RejectsConcurrent(t *testing.T) {
	sess, sim, _ := startSession(t, testOptions())

	firstDone := make(chan struct{})
	go func() {
		blocks, _ := json.Marshal([]acp.ContentBlock{{Type: "text", Text: "first"}})
		_ = sess.SendPrompt(context.Background(), blocks)
		close(firstDone)
	}()

	// Wait for the first prompt to actually be in flight before trying the second.
	req := <-sim.requests

	blocks, _ := json.Marshal([]acp.ContentBlock{{Type: "text", Text: "second"}})
	if err := sess.SendPrompt(context.Background(), blocks); err == nil {
		t.Fatal("expected error for concurrent prompt")
	}

	sim.reply(req.ID, acp.SessionPromptResult{StopReason: acp.StopEndTurn})
	<-firstDone
}

func TestSession_PermissionRequest_Allow(t *testing.T) {
	sess, sim, _ := startSession(t, testOptions())

	events, unsubscribe := sess.Subscribe(8)
	defer unsubscribe()

	params := acp.RequestPermissionParams{
		SessionID: "backend-1",
		ToolCall:  acp.ToolCall{ToolCallID: "tc1", ToolName: "bash"},
		Options:   []acp.PermissionOption{{OptionID: "allow_once", Kind: acp.OptionAllowOnce}},
	}
	sim.pushRequest(rawID("p1"), acp.MethodRequestPermission, params)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == gwsession.EventActivity {
				// The inbound request line publishes an activity event before dispatch.
				continue
			}
			if ev.Type != gwsession.EventPermissionRequest {
				t.Fatalf("expected EventPermissionRequest, got %s", ev.Type)
			}
		case <-deadline:
			t.Fatal("timed out waiting for permission_request event")
		}
		break
	}

	optID := "allow_once"
	if err := sess.ResolvePermission(context.Background(), "tc1", &optID, nil); err != nil {
		t.Fatalf("ResolvePermission: %v", err)
	}

	select {
	case resp := <-sim.responses:
		var result acp.RequestPermissionResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if result.Outcome.Outcome != "selected" || result.Outcome.OptionID != "allow_once" {
			t.Fatalf("unexpected outcome: %+v", result.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for permission reply on the wire")
	}
}

func TestSession_CancelPermission_RepliesCancelled(t *testing.T) {
	sess, sim, _ := startSession(t, testOptions())

	params := acp.RequestPermissionParams{
		SessionID: "backend-1",
		ToolCall:  acp.ToolCall{ToolCallID: "tc2", ToolName: "bash"},
	}
	sim.pushRequest(rawID("p2"), acp.MethodRequestPermission, params)
	time.Sleep(50 * time.Millisecond) // let handleRequestPermission register it

	if err := sess.CancelPermission("tc2"); err != nil {
		t.Fatalf("CancelPermission: %v", err)
	}

	select {
	case resp := <-sim.responses:
		var result acp.RequestPermissionResult
		_ = json.Unmarshal(resp.Result, &result)
		if result.Outcome.Outcome != "cancelled" {
			t.Fatalf("expected cancelled outcome, got %+v", result.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation reply")
	}
}

func TestSession_CancelPrompt_ResolvesOutstandingPermissions(t *testing.T) {
	sess, sim, _ := startSession(t, testOptions())

	params := acp.RequestPermissionParams{
		SessionID: "backend-1",
		ToolCall:  acp.ToolCall{ToolCallID: "tc3", ToolName: "bash"},
	}
	sim.pushRequest(rawID("p3"), acp.MethodRequestPermission, params)
	time.Sleep(50 * time.Millisecond)

	if err := sess.CancelPrompt(context.Background()); err != nil {
		t.Fatalf("CancelPrompt: %v", err)
	}

	select {
	case resp := <-sim.responses:
		var result acp.RequestPermissionResult
		_ = json.Unmarshal(resp.Result, &result)
		if result.Outcome.Outcome != "cancelled" {
			t.Fatalf("expected cancelled outcome from CancelPrompt sweep, got %+v", result.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CancelPrompt to resolve the pending permission")
	}
}

// TestSession_ChildCrash_DrainsPendingWork covers the child-crash scenario:
// an in-flight prompt and an outstanding permission request must both be
// resolved (never left hanging) the moment the backend process exits
// unexpectedly, and the session must flip to Terminated.
func TestSession_ChildCrash_DrainsPendingWork(t *testing.T) {
	sess, sim, h := startSession(t, testOptions())

	params := acp.RequestPermissionParams{
		SessionID: "backend-1",
		ToolCall:  acp.ToolCall{ToolCallID: "tc-crash", ToolName: "bash"},
	}
	sim.pushRequest(rawID("p4"), acp.MethodRequestPermission, params)
	time.Sleep(50 * time.Millisecond)

	promptErr := make(chan error, 1)
	go func() {
		blocks, _ := json.Marshal([]acp.ContentBlock{{Type: "text", Text: "in flight"}})
		promptErr <- sess.SendPrompt(context.Background(), blocks)
	}()
	<-sim.requests // the session/prompt request the crash will leave unanswered

	h.triggerExit(1, "")

	select {
	case err := <-promptErr:
		if err == nil {
			t.Fatal("expected SendPrompt to fail once the child crashed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendPrompt never returned after the child crashed")
	}

	optID := "allow_once"
	if err := sess.ResolvePermission(context.Background(), "tc-crash", &optID, nil); err == nil {
		t.Fatal("expected the drained permission to be unresolvable")
	}

	if got := sess.Snapshot().State; got != gwsession.StateTerminated {
		t.Fatalf("expected Terminated after child crash, got %s", got)
	}
}

// TestSession_SendPrompt_RejectsOversizedFrame is the message-size-cap
// boundary invariant: a frame that would exceed MaxMessageBytes must never
// reach the wire, regardless of how deep in the prompt pipeline it's built.
func TestSession_SendPrompt_RejectsOversizedFrame(t *testing.T) {
	sess, _, _ := startSession(t, testOptions())
	// Tighten the cap only after the handshake, which itself needs more than
	// 64 bytes; the cap is what SendPrompt's own frame must then respect.
	sess.opts.MaxMessageBytes = 64

	huge := make([]byte, 1024)
	for i := range huge {
		huge[i] = 'x'
	}
	blocks, _ := json.Marshal([]acp.ContentBlock{{Type: "text", Text: string(huge)}})
	if err := sess.SendPrompt(context.Background(), blocks); err == nil {
		t.Fatal("expected an oversized prompt frame to be rejected")
	}
}

// TestACPRoundTrip_RequestResponseNotification is the wire-framing
// invariant every message this session exchanges relies on: parsing what
// SerializeRequest/-Response/-Notification produced must reconstruct the
// same fields that went in.
func TestACPRoundTrip_RequestResponseNotification(t *testing.T) {
	reqLine, err := acp.SerializeRequest(idOf(9), acp.MethodSessionPrompt, acp.SessionPromptParams{SessionID: "s1"}, 0)
	if err != nil {
		t.Fatalf("SerializeRequest: %v", err)
	}
	kind, env, err := acp.ParseMessage(reqLine[:len(reqLine)-1]) // ParseMessage takes one line, no trailing \n
	if err != nil {
		t.Fatalf("ParseMessage(request): %v", err)
	}
	if kind != acp.KindRequest {
		t.Fatalf("expected KindRequest, got %v", kind)
	}
	req := env.AsRequest()
	if req.Method != acp.MethodSessionPrompt || string(req.ID) != string(idOf(9)) {
		t.Fatalf("round-trip mismatch: %+v", req)
	}
	var gotParams acp.SessionPromptParams
	if err := json.Unmarshal(req.Params, &gotParams); err != nil || gotParams.SessionID != "s1" {
		t.Fatalf("round-trip params mismatch: %+v, err=%v", gotParams, err)
	}

	respLine, err := acp.SerializeResponse(idOf(9), acp.SessionPromptResult{StopReason: acp.StopEndTurn}, nil, 0)
	if err != nil {
		t.Fatalf("SerializeResponse: %v", err)
	}
	kind, env, err = acp.ParseMessage(respLine[:len(respLine)-1])
	if err != nil {
		t.Fatalf("ParseMessage(response): %v", err)
	}
	if kind != acp.KindResponse {
		t.Fatalf("expected KindResponse, got %v", kind)
	}
	resp := env.AsResponse()
	var gotResult acp.SessionPromptResult
	if err := json.Unmarshal(resp.Result, &gotResult); err != nil || gotResult.StopReason != acp.StopEndTurn {
		t.Fatalf("round-trip result mismatch: %+v, err=%v", gotResult, err)
	}

	notifLine, err := acp.SerializeNotification(acp.MethodSessionCancel, acp.SessionCancelParams{SessionID: "s1"}, 0)
	if err != nil {
		t.Fatalf("SerializeNotification: %v", err)
	}
	kind, env, err = acp.ParseMessage(notifLine[:len(notifLine)-1])
	if err != nil {
		t.Fatalf("ParseMessage(notification): %v", err)
	}
	if kind != acp.KindNotification {
		t.Fatalf("expected KindNotification, got %v", kind)
	}
	notif := env.AsNotification()
	if notif.Method != acp.MethodSessionCancel {
		t.Fatalf("round-trip notification method mismatch: %q", notif.Method)
	}
}
