package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/core/agent"
	"github.com/openclaw/openclaw/core/controlplane/scheduler"
	"github.com/openclaw/openclaw/core/infra/config"
	"github.com/openclaw/openclaw/core/tenancy"
	"github.com/openclaw/openclaw/core/terminal"
	"github.com/openclaw/openclaw/core/usage"
)

const testControlPlaneToken = "cp-secret-token"

type fakeRunner struct {
	mu     sync.Mutex
	reqs   []agent.RunRequest
	result *agent.RunResult
	err    error
}

func (r *fakeRunner) Run(_ context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &agent.RunResult{Text: "ack", Model: "test-model", InputTokens: 2, OutputTokens: 3}, nil
}

func (r *fakeRunner) calls() []agent.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.RunRequest(nil), r.reqs...)
}

type fakeProc struct {
	mu     sync.Mutex
	pid    int
	writes [][]byte
	killed bool
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, data)
	return nil
}

func (p *fakeProc) Resize(cols, rows uint16) error { return nil }

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
	specs []terminal.SpawnSpec
}

func (s *fakeSpawner) Spawn(spec terminal.SpawnSpec) (terminal.Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc := &fakeProc{pid: 4000 + len(s.procs)}
	s.procs = append(s.procs, proc)
	s.specs = append(s.specs, spec)
	return proc, nil
}

func (s *fakeSpawner) lastSpec() terminal.SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[len(s.specs)-1]
}

type testEnv struct {
	server   *Server
	registry *tenancy.Registry
	runner   *fakeRunner
	spawner  *fakeSpawner
	stateDir string
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	stateDir := t.TempDir()
	registry := tenancy.NewRegistry(stateDir)
	ledger := usage.NewLedger(stateDir)
	runner := &fakeRunner{}
	spawner := &fakeSpawner{}
	clients := NewClientRegistry()
	terminals := terminal.NewManager(spawner, clients, ledger)
	sup := scheduler.NewSupervisor(registry, scheduler.Deps{
		Runner: runner, Events: clients, Ledger: ledger, DefaultAgent: "main",
	}, false)
	t.Cleanup(sup.StopAll)

	srv := NewServer(Options{
		Config: config.Config{
			HTTPAddr:          "127.0.0.1:0",
			StateDir:          stateDir,
			ControlPlaneToken: testControlPlaneToken,
			DefaultAgentID:    "main",
		},
		Registry:  registry,
		Ledger:    ledger,
		Terminals: terminals,
		Scheduler: sup,
		Runner:    runner,
		Clients:   clients,
	})
	return &testEnv{
		server:   srv,
		registry: registry,
		runner:   runner,
		spawner:  spawner,
		stateDir: stateDir,
	}
}

// createTenant provisions a tenant and returns its plaintext token.
func (env *testEnv) createTenant(t *testing.T, tenantID string) string {
	t.Helper()
	token, _, err := env.registry.Create(tenantID, "")
	if err != nil {
		t.Fatalf("create tenant %s: %v", tenantID, err)
	}
	return token
}

// tenantClient builds the connection identity a tenant token produces.
func tenantClient(tenantID string) *Client {
	return NewClient(tenantID, "127.0.0.1", RoleOperator, []string{ScopeRead, ScopeWrite})
}

// adminClient builds a control-plane connection identity.
func adminClient() *Client {
	return NewClient("", "127.0.0.1", RoleOperator, []string{
		ScopeRead, ScopeWrite, ScopeAdmin, ScopeApprovals, ScopePairing,
	})
}

// dispatch runs one RPC through the full dispatcher path.
func (env *testEnv) dispatch(t *testing.T, c *Client, method, params string) *Response {
	t.Helper()
	req := &Request{ID: "req-1", Method: method}
	if params != "" {
		req.Params = []byte(params)
	}
	return env.server.Dispatcher().Dispatch(context.Background(), c, req)
}

// wsDial opens a live WS connection against an httptest server.
func wsDial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := map[string][]string{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
