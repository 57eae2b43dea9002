// Package terminal implements the managed-terminal pool that services an
// agent's terminal/* requests: one pty-backed child process per terminal,
// a bounded chronological output buffer, and wait/kill/release lifecycle
// operations. Adapted from the teacher's pty-backed shell session pool in
// claude/manager.go, generalised from Claude-specific shells to arbitrary
// agent-issued commands.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/fernlab-dev/agentgateway/acp"
)

const (
	DefaultOutputByteLimit = 1 << 20 // 1 MiB, spec.md §4.4/§5
	killGrace              = 5 * time.Second
)

var ErrNotFound = errors.New("terminal not found")

// Manager owns every managed terminal for one SubprocessSession. A terminal
// created by one session is never visible to another.
type Manager struct {
	mu        sync.Mutex
	terminals map[string]*terminal
	nextID    uint64
}

func NewManager() *Manager {
	return &Manager{terminals: make(map[string]*terminal)}
}

type terminal struct {
	id string

	mu         sync.Mutex
	ptmx       *os.File
	cmd        *exec.Cmd
	buf        []byte
	limit      int
	truncated  bool
	exited     bool
	exitStatus acp.ExitStatus
	done       chan struct{}
}

// Create spawns a shell-interpreted child (when args is empty, command is
// run through /bin/sh -c; otherwise command is the literal argv0) with
// inherited-plus-override env, a pty merging stdout/stderr into one
// chronological stream, and no stdin. Spawn failures do not fail Create:
// per spec.md §4.4 the terminal is still minted but immediately marked
// exited with code -1 and a "Process error" line appended to its output.
func (m *Manager) Create(command string, args []string, cwd string, env []acp.EnvVariable, outputByteLimit int) (string, error) {
	if outputByteLimit <= 0 {
		outputByteLimit = DefaultOutputByteLimit
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("t%d", m.nextID)
	m.mu.Unlock()

	t := &terminal{id: id, limit: outputByteLimit, done: make(chan struct{})}

	var cmd *exec.Cmd
	if len(args) > 0 {
		cmd = exec.Command(command, args...)
	} else {
		cmd = exec.Command("/bin/sh", "-c", command)
	}
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = mergeEnv(os.Environ(), env)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		code := -1
		t.exited = true
		t.exitStatus = acp.ExitStatus{ExitCode: &code}
		t.buf = append(t.buf, []byte("\nProcess error: "+err.Error())...)
		close(t.done)
		m.store(t)
		return id, nil
	}
	t.ptmx = ptmx
	t.cmd = cmd
	m.store(t)
	go t.pump()
	return id, nil
}

func (m *Manager) store(t *terminal) {
	m.mu.Lock()
	m.terminals[t.id] = t
	m.mu.Unlock()
}

func (m *Manager) get(id string) (*terminal, error) {
	m.mu.Lock()
	t, ok := m.terminals[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Output returns the current buffer, the truncated flag, and the exit
// status if the terminal has exited.
func (m *Manager) Output(id string) (output string, truncated bool, exitStatus *acp.ExitStatus, err error) {
	t, err := m.get(id)
	if err != nil {
		return "", false, nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := string(t.buf)
	if t.exited {
		status := t.exitStatus
		return out, t.truncated, &status, nil
	}
	return out, t.truncated, nil, nil
}

// Kill sends SIGTERM, escalating to SIGKILL after killGrace if the process
// hasn't exited.
func (m *Manager) Kill(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	alreadyExited := t.exited
	cmd := t.cmd
	done := t.done
	t.mu.Unlock()
	if alreadyExited || cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}

// WaitForExit blocks until the terminal exits (or ctx is cancelled),
// resolving immediately if it has already exited.
func (m *Manager) WaitForExit(ctx context.Context, id string) (acp.ExitStatus, error) {
	t, err := m.get(id)
	if err != nil {
		return acp.ExitStatus{}, err
	}
	select {
	case <-t.done:
		t.mu.Lock()
		status := t.exitStatus
		t.mu.Unlock()
		return status, nil
	case <-ctx.Done():
		return acp.ExitStatus{}, ctx.Err()
	}
}

// Release kills the terminal if still running and removes its record.
// Subsequent references to id fail with ErrNotFound.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	if ok {
		delete(m.terminals, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.mu.Lock()
	exited := t.exited
	cmd := t.cmd
	t.mu.Unlock()
	if !exited && cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

// ReleaseAll kills and removes every terminal, used when the owning
// session terminates.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Release(id)
	}
}

func (t *terminal) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			t.appendOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}
	waitErr := t.cmd.Wait()
	t.finish(waitErr)
}

func (t *terminal) appendOutput(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return
	}
	remaining := t.limit - len(t.buf)
	if remaining <= 0 {
		t.truncated = true
		return
	}
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
		t.truncated = true
	}
	t.buf = append(t.buf, chunk...)
}

func (t *terminal) finish(waitErr error) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.exitStatus = exitStatusFromWaitErr(waitErr, t.cmd)
	t.mu.Unlock()
	close(t.done)
}

func exitStatusFromWaitErr(waitErr error, cmd *exec.Cmd) acp.ExitStatus {
	var code int
	var signal *string
	if cmd != nil && cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			s := ws.Signal().String()
			signal = &s
			code = -1
		}
	} else if waitErr != nil {
		code = -1
	}
	return acp.ExitStatus{ExitCode: &code, Signal: signal}
}

func mergeEnv(base []string, overrides []acp.EnvVariable) []string {
	out := append([]string{}, base...)
	for _, kv := range overrides {
		out = append(out, kv.Name+"="+kv.Value)
	}
	return out
}
