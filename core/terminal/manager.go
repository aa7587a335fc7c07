package terminal

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/usage"
)

const (
	minCols = 10
	maxCols = 500
	minRows = 5
	maxRows = 200

	reapInterval = 60 * time.Second
	idleTimeout  = 5 * time.Minute
)

var (
	ErrNotFound     = errors.New("terminal not found")
	ErrUnauthorized = errors.New("terminal access denied")
	ErrUnavailable  = errors.New("terminal unavailable")
	ErrNoTenant     = errors.New("terminal requires tenant context")
)

// Events receives terminal output and lifecycle events addressed to specific
// connections.
type Events interface {
	BroadcastToConns(event string, payload any, connIDs []string, dropIfSlow bool)
}

// Accounting is the slice of the usage ledger the manager reports session
// lifecycle to. A nil accounting disables reporting.
type Accounting interface {
	UpdateSessionCount(tenantID string, delta int) (*usage.Snapshot, error)
	UpdateSandboxUsage(tenantID string, cpuSeconds float64, peakMemoryBytes int64) (*usage.Snapshot, error)
}

// Caller identifies who is touching a terminal. A connection with a tenant id
// is always confined to that tenant, admin scope or not; only a non-tenant
// admin connection may cross tenants.
type Caller struct {
	TenantID string
	ConnID   string
	Admin    bool
}

// SpawnRequest are the client-supplied spawn parameters.
type SpawnRequest struct {
	Cols  int
	Rows  int
	Shell string
	Env   []string
	Dir   string
}

// Info is the externally visible session descriptor.
type Info struct {
	TerminalID     string    `json:"terminalId"`
	TenantID       string    `json:"tenantId"`
	PID            int       `json:"pid"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type session struct {
	id           string
	tenantID     string
	connID       string
	proc         Proc
	createdAt    time.Time
	lastActivity time.Time
}

// Manager owns the process-wide terminal session map.
type Manager struct {
	spawner Spawner
	events  Events
	acct    Accounting
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	reaperOnce sync.Once
}

// NewManager builds a manager around a spawner, an event sink and the usage
// ledger receiving session accounting.
func NewManager(spawner Spawner, events Events, acct Accounting) *Manager {
	return &Manager{
		spawner:  spawner,
		events:   events,
		acct:     acct,
		now:      time.Now,
		sessions: map[string]*session{},
	}
}

// SetClock overrides the manager clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func clamp(v, min, max, def int) uint16 {
	if v == 0 {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return uint16(v)
}

// Spawn starts a PTY for the calling tenant connection. The output sink is
// bound to the originating connection only.
func (m *Manager) Spawn(caller Caller, req SpawnRequest) (*Info, error) {
	if caller.TenantID == "" {
		return nil, ErrNoTenant
	}
	cols := clamp(req.Cols, minCols, maxCols, 80)
	rows := clamp(req.Rows, minRows, maxRows, 24)

	id := uuid.NewString()
	connID := caller.ConnID

	proc, err := m.spawner.Spawn(SpawnSpec{
		TenantID: caller.TenantID,
		Shell:    req.Shell,
		Env:      req.Env,
		Dir:      req.Dir,
		Cols:     cols,
		Rows:     rows,
		OnData: func(data []byte) {
			m.touch(id)
			m.events.BroadcastToConns("terminal.output", map[string]any{
				"terminalId": id,
				"data":       base64.StdEncoding.EncodeToString(data),
			}, []string{connID}, true)
		},
		OnExit: func(code int, res ProcUsage) {
			if m.remove(id) {
				m.accountSessions(caller.TenantID, -1)
			}
			m.accountSandbox(caller.TenantID, res)
			m.events.BroadcastToConns("terminal.exit", map[string]any{
				"terminalId": id,
				"exitCode":   code,
			}, []string{connID}, false)
		},
	})
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	now := m.now()
	sess := &session{
		id:           id,
		tenantID:     caller.TenantID,
		connID:       connID,
		proc:         proc,
		createdAt:    now,
		lastActivity: now,
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.accountSessions(caller.TenantID, 1)

	m.reaperOnce.Do(func() { go m.reapLoop() })
	logging.Info("terminal", "pty spawned", "terminal_id", id, "tenant", caller.TenantID, "pid", proc.PID())
	return m.info(sess), nil
}

func (m *Manager) info(sess *session) *Info {
	return &Info{
		TerminalID:     sess.id,
		TenantID:       sess.tenantID,
		PID:            sess.proc.PID(),
		CreatedAt:      sess.createdAt,
		LastActivityAt: sess.lastActivity,
	}
}

func (m *Manager) touch(id string) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		sess.lastActivity = m.now()
	}
	m.mu.Unlock()
}

// remove drops the session and reports whether this call deleted it, so
// overlapping close/exit paths decrement the session gauge exactly once.
func (m *Manager) remove(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	return ok
}

func (m *Manager) accountSessions(tenantID string, delta int) {
	if m.acct == nil || delta == 0 {
		return
	}
	if _, err := m.acct.UpdateSessionCount(tenantID, delta); err != nil {
		logging.Warn("terminal", "session accounting failed", "tenant", tenantID, "delta", delta, "error", err)
	}
}

func (m *Manager) accountSandbox(tenantID string, res ProcUsage) {
	if m.acct == nil || (res.CPUSeconds == 0 && res.PeakMemoryBytes == 0) {
		return
	}
	if _, err := m.acct.UpdateSandboxUsage(tenantID, res.CPUSeconds, res.PeakMemoryBytes); err != nil {
		logging.Warn("terminal", "sandbox accounting failed", "tenant", tenantID, "error", err)
	}
}

// get resolves a session and enforces the ownership rule.
func (m *Manager) get(caller Caller, terminalID string) (*session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[terminalID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if caller.TenantID != "" {
		if sess.tenantID != caller.TenantID {
			return nil, ErrUnauthorized
		}
		return sess, nil
	}
	if !caller.Admin {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

// Write forwards bytes to the PTY and refreshes the activity stamp.
func (m *Manager) Write(caller Caller, terminalID string, data []byte) error {
	sess, err := m.get(caller, terminalID)
	if err != nil {
		return err
	}
	if err := sess.proc.Write(data); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	m.touch(terminalID)
	return nil
}

// Resize clamps and forwards the new dimensions.
func (m *Manager) Resize(caller Caller, terminalID string, cols, rows int) error {
	sess, err := m.get(caller, terminalID)
	if err != nil {
		return err
	}
	if err := sess.proc.Resize(clamp(cols, minCols, maxCols, 80), clamp(rows, minRows, maxRows, 24)); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	m.touch(terminalID)
	return nil
}

// Close kills the process and removes the record. The record is removed even
// when the kill fails.
func (m *Manager) Close(caller Caller, terminalID string) error {
	sess, err := m.get(caller, terminalID)
	if err != nil {
		return err
	}
	if m.remove(terminalID) {
		m.accountSessions(sess.tenantID, -1)
	}
	killErr := sess.proc.Kill()
	if killErr != nil {
		logging.Warn("terminal", "kill failed on close", "terminal_id", terminalID, "error", killErr)
	}
	return nil
}

// List returns the sessions visible to the caller: all of them for non-tenant
// admins, only the caller's own for tenant connections.
func (m *Manager) List(caller Caller) []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Info{}
	for _, sess := range m.sessions {
		if caller.TenantID != "" && sess.tenantID != caller.TenantID {
			continue
		}
		if caller.TenantID == "" && !caller.Admin {
			continue
		}
		out = append(out, m.info(sess))
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAllTenant terminates every PTY owned by the tenant. Invoked when a
// tenant is disabled or deleted.
func (m *Manager) CloseAllTenant(tenantID string) int {
	m.mu.Lock()
	var doomed []*session
	for _, sess := range m.sessions {
		if sess.tenantID == tenantID {
			doomed = append(doomed, sess)
		}
	}
	for _, sess := range doomed {
		delete(m.sessions, sess.id)
	}
	m.mu.Unlock()

	if len(doomed) > 0 {
		m.accountSessions(tenantID, -len(doomed))
	}
	for _, sess := range doomed {
		if err := sess.proc.Kill(); err != nil {
			logging.Warn("terminal", "kill failed", "terminal_id", sess.id, "error", err)
		}
	}
	return len(doomed)
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.ReapIdle()
	}
}

// ReapIdle kills sessions with no activity for longer than the idle timeout.
func (m *Manager) ReapIdle() int {
	cutoff := m.now().Add(-idleTimeout)
	m.mu.Lock()
	var doomed []*session
	for _, sess := range m.sessions {
		if sess.lastActivity.Before(cutoff) {
			doomed = append(doomed, sess)
		}
	}
	for _, sess := range doomed {
		delete(m.sessions, sess.id)
	}
	m.mu.Unlock()

	for _, sess := range doomed {
		logging.Info("terminal", "reaping idle pty", "terminal_id", sess.id, "tenant", sess.tenantID)
		m.accountSessions(sess.tenantID, -1)
		if err := sess.proc.Kill(); err != nil {
			logging.Warn("terminal", "kill failed during reap", "terminal_id", sess.id, "error", err)
		}
	}
	return len(doomed)
}
