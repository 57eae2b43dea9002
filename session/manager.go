package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fernlab-dev/agentgateway/log"
)

// ErrMaxConcurrentSessions is returned by Create when the live-session cap
// is already reached. It is retriable: the caller may succeed later once a
// session terminates.
type ErrMaxConcurrentSessions struct{ Limit int }

func (e *ErrMaxConcurrentSessions) Error() string {
	return fmt.Sprintf("session: at concurrent session limit (%d)", e.Limit)
}

// ErrSessionNotFound is returned by Get/Delete/Connect for an unknown id.
var ErrSessionNotFound = fmt.Errorf("session: not found")

// Builder constructs and starts a backend-specific Session for a creation
// request. SessionManager is backend-agnostic: it is handed one Builder per
// BackendKind at construction and never imports subprocess/sdksession
// itself, avoiding an import cycle back into this package.
type Builder func(ctx context.Context, id string, req CreateRequest, resume *ResumableRecord) (Session, error)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	MaxConcurrentSessions int // default 50
	IdleTimeout           time.Duration
	Persistence           Persistence
	ResumableStoreDir     string // watched by fsnotify for externally-touched session files
	Builders              map[BackendKind]Builder
}

// Manager is the process-wide SessionManager from spec.md §4.5: exclusive
// owner of every live Session, enforcing the concurrency cap, idle
// eviction, and resumption bookkeeping. Grounded on the teacher's
// claude/session_manager.go (subscriber fan-out, fsnotify watch loop,
// cleanup worker), with the teacher's bespoke ticker replaced by a
// robfig/cron schedule for the idle sweep.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Session
	meta     map[string]*entryMeta

	opts        ManagerOptions
	persistence Persistence

	watcher *fsnotify.Watcher
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subMu       sync.RWMutex
	subscribers map[string]chan ManagerEvent
}

type entryMeta struct {
	createdAt  time.Time
	lastActive time.Time
}

// ManagerEventType enumerates registry-level lifecycle notifications,
// distinct from the per-session Event stream.
type ManagerEventType string

const (
	ManagerEventCreated    ManagerEventType = "created"
	ManagerEventDeleted    ManagerEventType = "deleted"
	ManagerEventEvicted    ManagerEventType = "evicted"
	ManagerEventRestored   ManagerEventType = "restored"
)

type ManagerEvent struct {
	Type      ManagerEventType
	SessionID string
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxConcurrentSessions <= 0 {
		opts.MaxConcurrentSessions = 50
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:    make(map[string]Session),
		meta:        make(map[string]*entryMeta),
		opts:        opts,
		persistence: opts.Persistence,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]chan ManagerEvent),
	}
}

// Start launches the fsnotify watch loop (if ResumableStoreDir is set) and
// the cron-driven idle-eviction sweep.
func (m *Manager) Start() error {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", m.sweepIdle); err != nil {
		return err
	}
	m.cron = c
	c.Start()

	if m.opts.ResumableStoreDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("session manager: fsnotify unavailable, external-change detection disabled")
		return nil
	}
	if err := watcher.Add(m.opts.ResumableStoreDir); err != nil {
		log.Warn().Err(err).Str("dir", m.opts.ResumableStoreDir).Msg("session manager: failed to watch resumable store")
		_ = watcher.Close()
		return nil
	}
	m.watcher = watcher
	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			log.Debug().Str("name", ev.Name).Str("op", ev.Op.String()).Msg("session manager: resumable store changed externally")
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("session manager: fsnotify error")
		}
	}
}

// Shutdown stops the watch loop and cron scheduler. It does not terminate
// live sessions; callers that need a clean process exit should Delete each
// session first.
func (m *Manager) Shutdown() {
	m.cancel()
	if m.cron != nil {
		m.cron.Stop()
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()
}

// Create validates the request, builds the backend-appropriate Session,
// starts it, and registers it, spec.md §4.5.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, &ErrMaxConcurrentSessions{Limit: m.opts.MaxConcurrentSessions}
	}
	m.mu.Unlock()

	build, ok := m.opts.Builders[req.Agent]
	if !ok {
		return nil, fmt.Errorf("session: no builder registered for backend %q", req.Agent)
	}

	id := uuid.NewString()
	sess, err := build(ctx, id, req, nil)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	m.sessions[id] = sess
	m.meta[id] = &entryMeta{createdAt: now, lastActive: now}
	m.mu.Unlock()

	m.notify(ManagerEvent{Type: ManagerEventCreated, SessionID: id})
	return sess, nil
}

func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete terminates and unregisters id. Idempotent: deleting an unknown id
// is not an error, per spec.md §4.5.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		delete(m.meta, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := sess.Terminate(ctx)
	m.notify(ManagerEvent{Type: ManagerEventDeleted, SessionID: id})
	return err
}

// ListResumable returns sessions persisted as Idle with a non-nil backend
// id, sourced through the Persistence adapter rather than in-memory state
// since resumable sessions are, by definition, not currently live.
func (m *Manager) ListResumable(ctx context.Context) ([]ResumableRecord, error) {
	lister, ok := m.persistence.(interface {
		ListResumable(ctx context.Context) ([]ResumableRecord, error)
	})
	if !ok {
		return nil, nil
	}
	return lister.ListResumable(ctx)
}

// Connect attaches to a live session, or reconstructs one from a persisted
// resumable record and starts it in resume mode, spec.md §4.5.
func (m *Manager) Connect(ctx context.Context, id string) (sess Session, restored bool, err error) {
	if sess, err = m.Get(id); err == nil {
		return sess, false, nil
	}

	records, lerr := m.ListResumable(ctx)
	if lerr != nil {
		return nil, false, lerr
	}
	var rec *ResumableRecord
	for i := range records {
		if records[i].SessionID == id {
			rec = &records[i]
			break
		}
	}
	if rec == nil {
		return nil, false, ErrSessionNotFound
	}

	build, ok := m.opts.Builders[rec.BackendKind]
	if !ok {
		return nil, false, fmt.Errorf("session: no builder registered for backend %q", rec.BackendKind)
	}
	req := CreateRequest{Agent: rec.BackendKind, Config: rec.ConfigSnapshot, RepoPath: rec.WorkingDir}
	sess, err = build(ctx, id, req, rec)
	if err != nil {
		return nil, false, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, false, err
	}

	now := time.Now()
	m.mu.Lock()
	m.sessions[id] = sess
	m.meta[id] = &entryMeta{createdAt: now, lastActive: now}
	m.mu.Unlock()

	m.notify(ManagerEvent{Type: ManagerEventRestored, SessionID: id})
	return sess, true, nil
}

// RestoreOnStartup transitions every persisted resumable session to Idle,
// per spec.md §4.5's restart invariant: no session remains in-memory
// active across a restart, so this only marks persisted state and never
// reconstructs a live Session.
func (m *Manager) RestoreOnStartup(ctx context.Context) error {
	if m.persistence == nil {
		return nil
	}
	if marker, ok := m.persistence.(interface{ MarkAllIdle(ctx context.Context) error }); ok {
		if err := marker.MarkAllIdle(ctx); err != nil {
			return err
		}
	}
	records, err := m.ListResumable(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(records)).Msg("session manager: marked persisted sessions idle after restart")
	return nil
}

// sweepIdle terminates sessions whose last activity exceeds the idle
// timeout, the cron-scheduled replacement for the teacher's bespoke
// cleanupWorker ticker.
func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.opts.IdleTimeout)
	var toEvict []string

	m.mu.RLock()
	for id, meta := range m.meta {
		if meta.lastActive.Before(cutoff) {
			toEvict = append(toEvict, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toEvict {
		m.mu.Lock()
		sess, ok := m.sessions[id]
		if ok {
			delete(m.sessions, id)
			delete(m.meta, id)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		log.Debug().Str("sessionId", id).Msg("session manager: evicting idle session")
		_ = sess.Terminate(m.ctx)
		m.notify(ManagerEvent{Type: ManagerEventEvicted, SessionID: id})
	}
}

// Touch records activity for id so the idle sweep doesn't evict it,
// called by transport handlers on every inbound prompt/control message.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.meta[id]; ok {
		meta.lastActive = time.Now()
	}
}

func (m *Manager) Subscribe() (<-chan ManagerEvent, func()) {
	ch := make(chan ManagerEvent, 32)
	id := uuid.NewString()
	m.subMu.Lock()
	m.subscribers[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		if existing, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(existing)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(ev ManagerEvent) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
