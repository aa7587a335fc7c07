package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/core/agent"
	"github.com/openclaw/openclaw/core/backup"
	"github.com/openclaw/openclaw/core/controlplane/scheduler"
	"github.com/openclaw/openclaw/core/infra/config"
	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/infra/metrics"
	"github.com/openclaw/openclaw/core/tenancy"
	"github.com/openclaw/openclaw/core/terminal"
	"github.com/openclaw/openclaw/core/usage"
)

// wsAuthProtocol carries the token during the WS handshake for clients
// that cannot set headers.
const wsAuthProtocol = "openclaw.auth"

// Options wires the server's collaborators. Backups may be nil when no
// object store is configured.
type Options struct {
	Config    config.Config
	Registry  *tenancy.Registry
	Ledger    *usage.Ledger
	Terminals *terminal.Manager
	Scheduler *scheduler.Supervisor
	Backups   *backup.Orchestrator
	Runner    agent.Runner
	Metrics   metrics.GatewayMetrics
	Collector *metrics.Collector
	// Clients is shared with the terminal manager's event sink; created
	// when nil.
	Clients *ClientRegistry
}

// Server is the gateway process: WS RPC, HTTP compat surfaces and the
// internal control-plane API.
type Server struct {
	cfg        config.Config
	registry   *tenancy.Registry
	ledger     *usage.Ledger
	terminals  *terminal.Manager
	scheds     *scheduler.Supervisor
	backups    *backup.Orchestrator
	runner     agent.Runner
	metrics    metrics.GatewayMetrics
	collector  *metrics.Collector
	clients    *ClientRegistry
	dispatcher *Dispatcher
	startedAt  time.Time
	upgrader   websocket.Upgrader
}

func NewServer(opts Options) *Server {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	clients := opts.Clients
	if clients == nil {
		clients = NewClientRegistry()
	}
	s := &Server{
		cfg:       opts.Config,
		registry:  opts.Registry,
		ledger:    opts.Ledger,
		terminals: opts.Terminals,
		scheds:    opts.Scheduler,
		backups:   opts.Backups,
		runner:    opts.Runner,
		metrics:   m,
		collector: opts.Collector,
		clients:   clients,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(*http.Request) bool { return true },
			Subprotocols: []string{wsAuthProtocol},
		},
	}
	s.dispatcher = NewDispatcher(opts.Registry, opts.Ledger, m)
	s.registerMethods()

	// Disabling or removing a tenant evicts its connections and PTYs.
	opts.Registry.OnChange(func(evt tenancy.Event) {
		switch evt.Type {
		case tenancy.EventDisabled, tenancy.EventRemoved:
			closed := s.clients.CloseTenant(evt.TenantID)
			killed := s.terminals.CloseAllTenant(evt.TenantID)
			logging.Info("gateway", "tenant evicted",
				"tenant", evt.TenantID, "connections", closed, "terminals", killed)
		}
	})
	return s
}

// Clients exposes the connection registry (terminal events, tests).
func (s *Server) Clients() *ClientRegistry { return s.clients }

// Dispatcher exposes the method router for the HTTP adapters and tests.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// tokenEqual is a constant-time comparison that treats an empty configured
// secret as "deny all".
func tokenEqual(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// bearerToken pulls the credential from Authorization, X-API-Key, the WS
// subprotocol list, or the token query parameter, in that order.
func bearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
		return h
	}
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	for i, proto := range websocket.Subprotocols(r) {
		if strings.EqualFold(proto, wsAuthProtocol) && i+1 < len(websocket.Subprotocols(r)) {
			return decodeWSToken(websocket.Subprotocols(r)[i+1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func decodeWSToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate resolves the request credential to a connection identity.
func (s *Server) authenticate(r *http.Request) (*Client, *Error) {
	token := bearerToken(r)
	if token == "" {
		return nil, Errf(CodeUnauthorized, "missing credentials")
	}
	if tokenEqual(s.cfg.ControlPlaneToken, token) {
		return NewClient("", remoteIP(r), RoleOperator, []string{
			ScopeRead, ScopeWrite, ScopeAdmin, ScopeApprovals, ScopePairing,
		}), nil
	}
	if tctx, ok := s.registry.ValidateToken(token); ok {
		return NewClient(tctx.TenantID, remoteIP(r), RoleOperator, []string{
			ScopeRead, ScopeWrite,
		}), nil
	}
	// Paired nodes present their approved pairing id as the credential.
	if nodeID, ok := s.nodeFromToken(token); ok {
		c := NewClient("", remoteIP(r), RoleNode, nil)
		logging.Info("gateway", "node connected", "node", nodeID)
		return c, nil
	}
	return nil, Errf(CodeUnauthorized, "invalid token")
}

// nodeFromToken accepts "node:{pairRequestId}" for approved node pairings
// in the global pairing store.
func (s *Server) nodeFromToken(token string) (string, bool) {
	const prefix = "node:"
	if !strings.HasPrefix(token, prefix) {
		return "", false
	}
	requestID := token[len(prefix):]
	store := newStateStore(s.registry.StateDir())
	reqs, err := store.PairRequests("node")
	if err != nil {
		return "", false
	}
	for _, req := range reqs {
		if req.Approved && subtle.ConstantTimeCompare([]byte(req.ID), []byte(requestID)) == 1 {
			return req.SubjectID, true
		}
	}
	return "", false
}

// handleWS upgrades the connection and pumps frames until either side
// closes. Requests on one connection dispatch serially; responses and
// events flow through the bounded outbound queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	client, authErr := s.authenticate(r)
	if authErr != nil {
		http.Error(w, authErr.Message, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	s.clients.Add(client)
	defer s.clients.Remove(client.ID)
	logging.Info("gateway", "ws connected",
		"conn", client.ID, "tenant", client.TenantID, "remote", r.RemoteAddr)

	// Writer: drain the outbound queue onto the socket.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case data := <-client.outbound:
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					client.Close()
					return
				}
			case <-client.Done():
				// Eviction: tell the peer and tear the socket down so the
				// read loop unblocks.
				deadline := time.Now().Add(time.Second)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection closed"), deadline)
				ws.Close()
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.respond(client, errResponse("", Errf(CodeInvalidRequest, "malformed frame: %v", err)))
			continue
		}
		s.respond(client, s.dispatcher.Dispatch(r.Context(), client, &req))
	}
	client.Close()
	<-writerDone
	logging.Info("gateway", "ws disconnected", "conn", client.ID)
}

// respond enqueues a response frame. Responses are never droppable; a
// stuck consumer is evicted instead.
func (s *Server) respond(c *Client, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error("gateway", "response encode failed", "error", err)
		return
	}
	if !c.send(data, false) {
		s.clients.Remove(c.ID)
	}
}

// Handler assembles the public HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/v1/chat/completions", s.instrument("/v1/chat/completions", s.handleChatCompletions))
	mux.HandleFunc("/v1/responses", s.instrument("/v1/responses", s.handleResponses))
	mux.HandleFunc("/v1/tools/invoke", s.instrument("/v1/tools/invoke", s.handleToolsInvoke))
	mux.HandleFunc("/internal/v1/", s.instrument("/internal/v1", s.handleInternal))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	return mux
}

// instrument records request metrics per route.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.ObserveRequest(r.Method, route, http.StatusText(rec.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("gateway", "response write failed", "error", err)
	}
}

// Run serves until the context is cancelled. The metrics listener is
// separate from the API listener.
func (s *Server) Run(ctx context.Context) error {
	if s.collector != nil {
		s.collector.Start(time.Minute)
		defer s.collector.Stop()
	}
	if s.scheds != nil {
		s.scheds.StartAll()
		defer s.scheds.StopAll()
	}

	api := &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.Handler()}
	errCh := make(chan error, 2)
	go func() {
		logging.Info("gateway", "listening", "addr", s.cfg.HTTPAddr)
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			logging.Info("gateway", "metrics listening", "addr", s.cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return api.Shutdown(shutdownCtx)
}
