package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/infra/metrics"
	"github.com/openclaw/openclaw/core/tenancy"
	"github.com/openclaw/openclaw/core/usage"
)

// Call is the per-request view a handler receives. Tenant is nil for
// control-plane connections.
type Call struct {
	Client *Client
	Tenant *tenancy.Context
	Params json.RawMessage
}

// HandlerFunc implements one RPC method.
type HandlerFunc func(ctx context.Context, call *Call) (any, *Error)

type methodEntry struct {
	handler    HandlerFunc
	chargeable bool
}

// Dispatcher routes frames through authorize, quota pre-check and schema
// validation into handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	methods  map[string]*methodEntry
	registry *tenancy.Registry
	ledger   *usage.Ledger
	metrics  metrics.GatewayMetrics
}

func NewDispatcher(registry *tenancy.Registry, ledger *usage.Ledger, m metrics.GatewayMetrics) *Dispatcher {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		methods:  map[string]*methodEntry{},
		registry: registry,
		ledger:   ledger,
		metrics:  m,
	}
}

// Register installs a handler. Chargeable methods go through the quota
// pre-check when invoked by a tenant connection.
func (d *Dispatcher) Register(method string, chargeable bool, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[method] = &methodEntry{handler: handler, chargeable: chargeable}
}

func (d *Dispatcher) lookup(method string) (*methodEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.methods[method]
	return entry, ok
}

// tenantContext resolves the connection's tenant identity at call time so
// quota and disable changes apply to live connections.
func (d *Dispatcher) tenantContext(c *Client) (*tenancy.Context, *Error) {
	if c.TenantID == "" {
		return nil, nil
	}
	tenant, ok := d.registry.Get(c.TenantID)
	if !ok {
		return nil, Errf(CodeUnauthorized, "tenant %s no longer exists", c.TenantID)
	}
	if tenant.Disabled {
		return nil, Errf(CodeUnauthorized, "tenant %s is disabled", c.TenantID)
	}
	return &tenancy.Context{
		TenantID:    tenant.ID,
		DisplayName: tenant.DisplayName,
		StateDir:    d.registry.TenantDir(tenant.ID),
		Quotas:      tenant.Quotas,
	}, nil
}

// quotaError converts a denial decision into the wire error shape.
func quotaError(dec usage.Decision) *Error {
	err := &Error{
		Code:    CodeInvalidRequest,
		Message: dec.Message,
		Details: map[string]any{"reason": dec.Reason},
	}
	if dec.Reason == usage.ReasonRateLimited {
		err.Retryable = true
		err.RetryAfterMs = dec.RetryAfterMs
	}
	return err
}

// Dispatch runs one frame to completion and returns the response.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, req *Request) *Response {
	if req.ID == "" || req.Method == "" {
		return errResponse(req.ID, Errf(CodeInvalidRequest, "frame requires id and method"))
	}

	resp := d.dispatch(ctx, c, req)
	status := "ok"
	if !resp.OK {
		status = resp.Error.Code
	}
	d.metrics.IncRPC(req.Method, status)
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, c *Client, req *Request) *Response {
	if authErr := Authorize(req.Method, c); authErr != nil {
		return errResponse(req.ID, authErr)
	}

	entry, ok := d.lookup(req.Method)
	if !ok {
		return errResponse(req.ID, Errf(CodeNotFound, "unknown method: %s", req.Method))
	}

	tenant, tenantErr := d.tenantContext(c)
	if tenantErr != nil {
		return errResponse(req.ID, tenantErr)
	}

	var warning string
	if entry.chargeable && tenant != nil {
		dec, err := d.ledger.CheckQuotaBeforeRequest(tenant.TenantID, tenant.Quotas)
		if err != nil {
			return errResponse(req.ID, Errf(CodeUnavailable, "quota check failed: %v", err))
		}
		if !dec.Allowed {
			return errResponse(req.ID, quotaError(dec))
		}
		warning = dec.Warning
	}

	if s, found := methodSchemas[req.Method]; found {
		if err := s.Validate(req.Params); err != nil {
			return errResponse(req.ID, Errf(CodeInvalidRequest, "%v", err))
		}
	}

	payload, handlerErr := d.run(ctx, entry.handler, &Call{Client: c, Tenant: tenant, Params: req.Params})
	if handlerErr != nil {
		if handlerErr.Code == CodeUnavailable {
			logging.Error("gateway", "method failed", "method", req.Method, "error", handlerErr.Message)
		}
		return errResponse(req.ID, handlerErr)
	}
	resp := okResponse(req.ID, payload)
	if warning != "" {
		resp.Payload = map[string]any{"result": payload, "warning": warning}
	}
	return resp
}

// run invokes the handler with panic containment; a panic becomes
// UNAVAILABLE rather than tearing the connection down.
func (d *Dispatcher) run(ctx context.Context, handler HandlerFunc, call *Call) (payload any, herr *Error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("gateway", "handler panic", "panic", fmt.Sprint(r))
			payload = nil
			herr = Errf(CodeUnavailable, "internal error: %v", r)
		}
	}()
	return handler(ctx, call)
}
