// Package scheduler runs per-tenant cron jobs against the agent runner and
// keeps the job definitions in each tenant's state directory.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const storeVersion = 1

// Job is one scheduled unit of work for a tenant.
type Job struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Schedule  string          `json:"schedule"`
	Payload   string          `json:"payload"`
	AgentID   string          `json:"agentId,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type storeFile struct {
	Version int             `json:"version"`
	Jobs    map[string]*Job `json:"jobs"`
}

// Store persists one tenant's jobs at <dir>/cron/jobs.json. Writes are
// atomic (tmp + rename); a missing or corrupt file reads as empty.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewStore binds a store to the tenant directory.
func NewStore(tenantDir string) *Store {
	return &Store{
		path: filepath.Join(tenantDir, "cron", "jobs.json"),
		now:  time.Now,
	}
}

func (s *Store) load() *storeFile {
	doc := &storeFile{Version: storeVersion, Jobs: map[string]*Job{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, doc); err != nil || doc.Jobs == nil {
		return &storeFile{Version: storeVersion, Jobs: map[string]*Job{}}
	}
	return doc
}

func (s *Store) save(doc *storeFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// List returns the jobs sorted by creation time, oldest first.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	out := make([]*Job, 0, len(doc.Jobs))
	for _, job := range doc.Jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get looks up one job by id.
func (s *Store) Get(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.load().Jobs[jobID]
	return job, ok
}

// Count reports how many jobs the store holds.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load().Jobs)
}

// Add validates and persists a new job, assigning a fresh id.
func (s *Store) Add(job Job) (*Job, error) {
	if strings.TrimSpace(job.Schedule) == "" {
		return nil, fmt.Errorf("schedule expression required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = uuid.NewString()
	job.CreatedAt = s.now().UTC()
	job.UpdatedAt = job.CreatedAt
	doc := s.load()
	doc.Jobs[job.ID] = &job
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateRequest carries the mutable job fields. Nil means leave as-is.
type UpdateRequest struct {
	Name     *string          `json:"name,omitempty"`
	Enabled  *bool            `json:"enabled,omitempty"`
	Schedule *string          `json:"schedule,omitempty"`
	Payload  *string          `json:"payload,omitempty"`
	AgentID  *string          `json:"agentId,omitempty"`
	State    *json.RawMessage `json:"state,omitempty"`
}

// Update applies the request to an existing job.
func (s *Store) Update(jobID string, req UpdateRequest) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	job, ok := doc.Jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.Schedule != nil {
		if strings.TrimSpace(*req.Schedule) == "" {
			return nil, fmt.Errorf("schedule expression required")
		}
		job.Schedule = *req.Schedule
	}
	if req.Payload != nil {
		job.Payload = *req.Payload
	}
	if req.AgentID != nil {
		job.AgentID = *req.AgentID
	}
	if req.State != nil {
		job.State = *req.State
	}
	job.UpdatedAt = s.now().UTC()
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return job, nil
}

// Remove deletes one job.
func (s *Store) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.load()
	if _, ok := doc.Jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(doc.Jobs, jobID)
	return s.save(doc)
}
