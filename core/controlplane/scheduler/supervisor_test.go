package scheduler

import (
	"testing"

	"github.com/openclaw/openclaw/core/tenancy"
)

func newTestSupervisor(t *testing.T, enabled bool) (*Supervisor, *tenancy.Registry) {
	t.Helper()
	reg := tenancy.NewRegistry(t.TempDir())
	sup := NewSupervisor(reg, Deps{Runner: &fakeRunner{}, DefaultAgent: "main"}, enabled)
	t.Cleanup(sup.StopAll)
	return sup, reg
}

func TestEnsureTenantIdempotent(t *testing.T) {
	sup, reg := newTestSupervisor(t, true)
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := sup.EnsureTenant("demo")
	if !first.Running() {
		t.Fatalf("enabled supervisor must start tenant scheduler")
	}
	if second := sup.EnsureTenant("demo"); second != first {
		t.Fatalf("EnsureTenant returned a new instance")
	}
	if got, ok := sup.Tenant("demo"); !ok || got != first {
		t.Fatalf("Tenant lookup: %v %v", got, ok)
	}
}

func TestEnsureTenantDisabledSchedulingStaysStopped(t *testing.T) {
	sup, reg := newTestSupervisor(t, false)
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sched := sup.EnsureTenant("demo"); sched.Running() {
		t.Fatalf("scheduler started despite disabled scheduling")
	}
}

func TestStartAllScansJobStores(t *testing.T) {
	sup, reg := newTestSupervisor(t, true)
	for _, id := range []string{"with-jobs", "empty", "off"} {
		if _, _, err := reg.Create(id, ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := NewStore(reg.TenantDir("with-jobs")).Add(Job{Schedule: "* * * * *", Enabled: true}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if _, err := NewStore(reg.TenantDir("off")).Add(Job{Schedule: "* * * * *", Enabled: true}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	disabled := true
	if _, err := reg.Update("off", tenancy.UpdateRequest{Disabled: &disabled}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	sup.StartAll()

	if !sup.Global().Running() {
		t.Fatalf("global scheduler not started")
	}
	if sched, ok := sup.Tenant("with-jobs"); !ok || !sched.Running() {
		t.Fatalf("tenant with jobs not started")
	}
	if _, ok := sup.Tenant("empty"); ok {
		t.Fatalf("empty tenant got a scheduler")
	}
	if _, ok := sup.Tenant("off"); ok {
		t.Fatalf("disabled tenant got a scheduler")
	}
}

func TestRemoveStopsScheduler(t *testing.T) {
	sup, reg := newTestSupervisor(t, true)
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	sched := sup.EnsureTenant("demo")
	sup.Remove("demo")
	if sched.Running() {
		t.Fatalf("removed scheduler still running")
	}
	if _, ok := sup.Tenant("demo"); ok {
		t.Fatalf("scheduler still registered")
	}
}

func TestTenantRemovalEventDropsScheduler(t *testing.T) {
	sup, reg := newTestSupervisor(t, true)
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	sched := sup.EnsureTenant("demo")
	if err := reg.Remove("demo", true); err != nil {
		t.Fatalf("remove tenant: %v", err)
	}
	if sched.Running() {
		t.Fatalf("scheduler survived tenant removal")
	}
	if _, ok := sup.Tenant("demo"); ok {
		t.Fatalf("scheduler still registered after tenant removal")
	}
}
