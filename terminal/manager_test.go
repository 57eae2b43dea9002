package terminal

import (
	"context"
	"strings"
	"testing"
	"time"
)

func waitUntilExited(t *testing.T, m *Manager, id string, timeout time.Duration) (string, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		output, truncated, status, err := m.Output(id)
		if err != nil {
			t.Fatalf("Output: %v", err)
		}
		if status != nil {
			return output, truncated
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("terminal %s never exited within %s", id, timeout)
	return "", false
}

// TestManager_TerminalLifecycle covers create -> output -> wait-for-exit,
// asserting the exit status the shell actually reports.
func TestManager_TerminalLifecycle(t *testing.T) {
	m := NewManager()
	id, err := m.Create("echo hello-terminal", nil, "", nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	output, truncated := waitUntilExited(t, m, id, 5*time.Second)
	if truncated {
		t.Fatal("did not expect truncation for a small echo")
	}
	if !strings.Contains(output, "hello-terminal") {
		t.Fatalf("expected output to contain the echoed text, got %q", output)
	}

	status, err := m.WaitForExit(context.Background(), id)
	if err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}
	if status.ExitCode == nil || *status.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", status.ExitCode)
	}
}

func TestManager_WaitForExit_NonZeroExitCode(t *testing.T) {
	m := NewManager()
	id, err := m.Create("exit 7", nil, "", nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := m.WaitForExit(context.Background(), id)
	if err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}
	if status.ExitCode == nil || *status.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %+v", status.ExitCode)
	}
}

// TestManager_AppendOutput_TruncatesAtLimit is the truncated-flag boundary
// invariant: once a terminal's output exceeds its byte limit, Output must
// report truncated=true and never return more than the limit's worth of
// bytes, no matter how much more the command goes on to produce.
func TestManager_AppendOutput_TruncatesAtLimit(t *testing.T) {
	m := NewManager()
	const limit = 16
	id, err := m.Create("for i in $(seq 1 200); do printf 'xxxxxxxxxx'; done", nil, "", nil, limit)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	output, truncated := waitUntilExited(t, m, id, 5*time.Second)
	if !truncated {
		t.Fatal("expected output exceeding the byte limit to be marked truncated")
	}
	if len(output) > limit {
		t.Fatalf("expected output capped at %d bytes, got %d", limit, len(output))
	}
}

func TestManager_Kill_StopsTheProcess(t *testing.T) {
	m := NewManager()
	id, err := m.Create("sleep 30", nil, "", nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.WaitForExit(ctx, id); err != nil {
		t.Fatalf("expected the killed terminal to exit well before killGrace, got %v", err)
	}
}

func TestManager_Release_RemovesTheRecord(t *testing.T) {
	m := NewManager()
	id, err := m.Create("sleep 30", nil, "", nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, _, _, err := m.Output(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
	if err := m.Kill(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound from Kill after release, got %v", err)
	}
}

func TestManager_ReleaseAll_ClearsEveryTerminal(t *testing.T) {
	m := NewManager()
	id1, _ := m.Create("sleep 30", nil, "", nil, 0)
	id2, _ := m.Create("sleep 30", nil, "", nil, 0)

	m.ReleaseAll()

	if _, _, _, err := m.Output(id1); err != ErrNotFound {
		t.Fatalf("expected id1 to be released, got %v", err)
	}
	if _, _, _, err := m.Output(id2); err != ErrNotFound {
		t.Fatalf("expected id2 to be released, got %v", err)
	}
}
