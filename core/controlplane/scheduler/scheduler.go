package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openclaw/openclaw/core/agent"
	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/sessionkey"
	"github.com/openclaw/openclaw/core/usage"
)

const runTimeout = 5 * time.Minute

// Broadcaster fans job lifecycle events out to connected clients.
type Broadcaster interface {
	Broadcast(event string, payload any, dropIfSlow bool)
}

// Deps are the collaborators a scheduler fires jobs through. Ledger may be
// nil; token usage is then not recorded.
type Deps struct {
	Runner       agent.Runner
	Events       Broadcaster
	Ledger       *usage.Ledger
	DefaultAgent string
}

// RunRecord is one line of the per-job run log.
type RunRecord struct {
	JobID      string    `json:"jobId"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	Tokens     int64     `json:"tokens,omitempty"`
}

// Scheduler owns one tenant's job store and cron runner. A tenantID of ""
// is the global scheduler.
type Scheduler struct {
	tenantID string
	dir      string
	store    *Store
	deps     Deps
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	running bool
}

// New builds a stopped scheduler over the given directory's cron store.
func New(tenantID, dir string, deps Deps) *Scheduler {
	return &Scheduler{
		tenantID: tenantID,
		dir:      dir,
		store:    NewStore(dir),
		deps:     deps,
		now:      time.Now,
		entries:  map[string]cron.EntryID{},
	}
}

// SetClock overrides the scheduler clock. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.store.now = now
}

// Store exposes the underlying job store.
func (s *Scheduler) Store() *Store { return s.store }

// Running reports whether the cron runner is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start schedules every enabled job and begins firing. Idempotent.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.cron = cron.New()
	s.entries = map[string]cron.EntryID{}
	for _, job := range s.store.List() {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleLocked(job); err != nil {
			logging.Warn("scheduler", "skipping job with bad schedule",
				"tenant", s.tenantID, "job", job.ID, "error", err)
		}
	}
	s.cron.Start()
	s.running = true
	logging.Info("scheduler", "started", "tenant", s.tenantID, "jobs", len(s.entries))
	return nil
}

// Stop halts firing. In-flight runs finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
	logging.Info("scheduler", "stopped", "tenant", s.tenantID)
}

func (s *Scheduler) scheduleLocked(job *Job) error {
	jobID := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.fire(jobID)
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", job.Schedule, err)
	}
	s.entries[jobID] = entryID
	return nil
}

func (s *Scheduler) unscheduleLocked(jobID string) {
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}
}

// Add persists a new job and schedules it when the runner is active.
func (s *Scheduler) Add(job Job) (*Job, error) {
	added, err := s.store.Add(job)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && added.Enabled {
		if err := s.scheduleLocked(added); err != nil {
			return added, err
		}
	}
	return added, nil
}

// Update applies the request and reschedules the job.
func (s *Scheduler) Update(jobID string, req UpdateRequest) (*Job, error) {
	job, err := s.store.Update(jobID, req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.unscheduleLocked(jobID)
		if job.Enabled {
			if err := s.scheduleLocked(job); err != nil {
				return job, err
			}
		}
	}
	return job, nil
}

// Remove unschedules and deletes the job.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	if s.running {
		s.unscheduleLocked(jobID)
	}
	s.mu.Unlock()
	return s.store.Remove(jobID)
}

// List returns the stored jobs.
func (s *Scheduler) List() []*Job { return s.store.List() }

// Get returns one job.
func (s *Scheduler) Get(jobID string) (*Job, bool) { return s.store.Get(jobID) }

// Run fires a job immediately, outside its schedule.
func (s *Scheduler) Run(jobID string) (*RunRecord, error) {
	if _, ok := s.store.Get(jobID); !ok {
		return nil, ErrJobNotFound
	}
	return s.fire(jobID), nil
}

// sessionKey keeps cron runs in a namespace distinct from user sessions.
func (s *Scheduler) sessionKey(jobID string) string {
	if s.tenantID == "" {
		return "cron:" + jobID
	}
	return sessionkey.CronKey(s.tenantID, jobID)
}

func (s *Scheduler) eventName() string {
	if s.tenantID == "" {
		return "cron"
	}
	return "tenant:" + s.tenantID + ":cron"
}

func (s *Scheduler) emit(phase string, payload map[string]any) {
	if s.deps.Events == nil {
		return
	}
	payload["phase"] = phase
	s.deps.Events.Broadcast(s.eventName(), payload, true)
}

// resolveAgent picks the job's agent, then the tenant overlay default, then
// the global default.
func (s *Scheduler) resolveAgent(job *Job) string {
	if job.AgentID != "" {
		return job.AgentID
	}
	if id := readOverlayAgent(s.dir); id != "" {
		return id
	}
	if s.deps.DefaultAgent != "" {
		return s.deps.DefaultAgent
	}
	return "main"
}

// readOverlayAgent pulls defaultAgent from the tenant's openclaw.json, if
// the overlay exists.
func readOverlayAgent(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "openclaw.json"))
	if err != nil {
		return ""
	}
	var overlay struct {
		DefaultAgent string `json:"defaultAgent"`
	}
	if err := json.Unmarshal(data, &overlay); err != nil {
		return ""
	}
	return strings.TrimSpace(overlay.DefaultAgent)
}

// fire runs one job to completion and records the outcome. Log-append and
// broadcast failures never fail the run.
func (s *Scheduler) fire(jobID string) *RunRecord {
	job, ok := s.store.Get(jobID)
	if !ok {
		return &RunRecord{JobID: jobID, Status: "error", Error: ErrJobNotFound.Error()}
	}

	started := s.now().UTC()
	rec := &RunRecord{JobID: jobID, StartedAt: started}
	agentID := s.resolveAgent(job)
	key := s.sessionKey(jobID)
	s.emit("start", map[string]any{"jobId": jobID, "agentId": agentID, "sessionKey": key})

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	result, err := s.deps.Runner.Run(ctx, agent.RunRequest{
		SessionKey: key,
		AgentID:    agentID,
		TenantID:   s.tenantID,
		Prompt:     job.Payload,
		Source:     "cron",
	})
	rec.DurationMs = s.now().UTC().Sub(started).Milliseconds()

	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
		logging.Error("scheduler", "job run failed",
			"tenant", s.tenantID, "job", jobID, "error", err)
		s.emit("error", map[string]any{"jobId": jobID, "error": err.Error()})
	} else {
		rec.Status = "ok"
		rec.Model = result.Model
		rec.Tokens = result.InputTokens + result.OutputTokens
		if s.deps.Ledger != nil && s.tenantID != "" {
			if _, err := s.deps.Ledger.UpdateTokenUsage(s.tenantID, usage.TokenDelta{
				Input:  result.InputTokens,
				Output: result.OutputTokens,
			}); err != nil {
				logging.Warn("scheduler", "usage update failed",
					"tenant", s.tenantID, "job", jobID, "error", err)
			}
		}
		s.emit("finish", map[string]any{
			"jobId": jobID, "durationMs": rec.DurationMs, "tokens": rec.Tokens,
		})
	}

	s.appendRunLog(rec)
	return rec
}

// appendRunLog writes one JSONL line under cron/runs/. Best effort.
func (s *Scheduler) appendRunLog(rec *RunRecord) {
	dir := filepath.Join(s.dir, "cron", "runs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logging.Warn("scheduler", "run log dir", "tenant", s.tenantID, "error", err)
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		logging.Warn("scheduler", "run log encode", "tenant", s.tenantID, "error", err)
		return
	}
	path := filepath.Join(dir, rec.JobID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logging.Warn("scheduler", "run log open", "tenant", s.tenantID, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		logging.Warn("scheduler", "run log append", "tenant", s.tenantID, "error", err)
	}
}
