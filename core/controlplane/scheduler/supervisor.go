package scheduler

import (
	"sync"

	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/tenancy"
)

// Supervisor owns the global scheduler plus one scheduler per tenant.
// Tenant schedulers are created on first use and, once started, run until
// process exit or tenant removal.
type Supervisor struct {
	registry *tenancy.Registry
	deps     Deps
	enabled  bool

	mu        sync.Mutex
	global    *Scheduler
	perTenant map[string]*Scheduler
}

// NewSupervisor wires the supervisor to the tenant registry. When enabled
// is false, schedulers are constructed stopped and never fire.
func NewSupervisor(registry *tenancy.Registry, deps Deps, enabled bool) *Supervisor {
	s := &Supervisor{
		registry:  registry,
		deps:      deps,
		enabled:   enabled,
		perTenant: map[string]*Scheduler{},
	}
	s.global = New("", registry.StateDir(), deps)
	registry.OnChange(s.onTenantEvent)
	return s
}

// onTenantEvent drops schedulers for tenants that go away or get disabled.
func (s *Supervisor) onTenantEvent(evt tenancy.Event) {
	switch evt.Type {
	case tenancy.EventRemoved, tenancy.EventDisabled:
		s.Remove(evt.TenantID)
	}
}

// Global returns the process-wide scheduler.
func (s *Supervisor) Global() *Scheduler {
	return s.global
}

// Tenant returns the tenant's scheduler if one has been constructed.
func (s *Supervisor) Tenant(tenantID string) (*Scheduler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.perTenant[tenantID]
	return sched, ok
}

// EnsureTenant constructs the tenant's scheduler on first call. When
// scheduling is enabled it starts immediately; otherwise it stays stopped.
func (s *Supervisor) EnsureTenant(tenantID string) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.perTenant[tenantID]; ok {
		return sched
	}
	sched := New(tenantID, s.registry.TenantDir(tenantID), s.deps)
	s.perTenant[tenantID] = sched
	if s.enabled {
		if err := sched.Start(); err != nil {
			logging.Error("scheduler", "tenant scheduler start failed",
				"tenant", tenantID, "error", err)
		}
	}
	return sched
}

// Remove stops and drops the tenant's scheduler.
func (s *Supervisor) Remove(tenantID string) {
	s.mu.Lock()
	sched, ok := s.perTenant[tenantID]
	delete(s.perTenant, tenantID)
	s.mu.Unlock()
	if ok {
		sched.Stop()
	}
}

// StartAll starts the global scheduler, then a scheduler for every
// non-disabled tenant whose job store is non-empty.
func (s *Supervisor) StartAll() {
	if !s.enabled {
		logging.Info("scheduler", "scheduling disabled; StartAll is a no-op")
		return
	}
	if err := s.global.Start(); err != nil {
		logging.Error("scheduler", "global scheduler start failed", "error", err)
	}
	for _, tenantID := range s.registry.List() {
		tenant, ok := s.registry.Get(tenantID)
		if !ok || tenant.Disabled {
			continue
		}
		if NewStore(s.registry.TenantDir(tenantID)).Count() == 0 {
			continue
		}
		s.EnsureTenant(tenantID)
	}
}

// StopAll stops every scheduler, global included.
func (s *Supervisor) StopAll() {
	s.global.Stop()
	s.mu.Lock()
	scheds := make([]*Scheduler, 0, len(s.perTenant))
	for _, sched := range s.perTenant {
		scheds = append(scheds, sched)
	}
	s.mu.Unlock()
	for _, sched := range scheds {
		sched.Stop()
	}
}
