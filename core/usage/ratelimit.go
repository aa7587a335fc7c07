package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/openclaw/openclaw/core/tenancy"
)

// rateState holds the two bounded sliding windows of request timestamps.
// Timestamps are unix milliseconds; stale entries are dropped on every access
// before any check.
type rateState struct {
	Minute []int64 `json:"minute"`
	Hour   []int64 `json:"hour"`
}

func (l *Ledger) ratePath(tenantID string) string {
	return filepath.Join(l.usageDir(tenantID), "rate-limits.json")
}

func (l *Ledger) loadRateState(tenantID string) *rateState {
	state := &rateState{}
	data, err := os.ReadFile(l.ratePath(tenantID))
	if err != nil {
		return state
	}
	_ = json.Unmarshal(data, state)
	return state
}

func pruneWindow(window []int64, cutoff int64) []int64 {
	out := window[:0]
	for _, ts := range window {
		if ts > cutoff {
			out = append(out, ts)
		}
	}
	return out
}

// RateDecision is the outcome of a rate-window check.
type RateDecision struct {
	Allowed      bool
	Reason       string
	RetryAfterMs int64
}

// CheckAndRecordRequest prunes both windows, denies when either configured
// window is full, and otherwise records the request in the windows and the
// usage snapshot.
func (l *Ledger) CheckAndRecordRequest(tenantID string, quotas *tenancy.Quotas) (RateDecision, error) {
	m := l.lock(tenantID)
	m.Lock()
	defer m.Unlock()

	now := l.now()
	nowMs := now.UnixMilli()
	state := l.loadRateState(tenantID)
	state.Minute = pruneWindow(state.Minute, nowMs-time.Minute.Milliseconds())
	state.Hour = pruneWindow(state.Hour, nowMs-time.Hour.Milliseconds())

	if quotas != nil {
		if quotas.RequestsPerMinute != nil && len(state.Minute) >= *quotas.RequestsPerMinute {
			return RateDecision{
				Reason:       ReasonRateLimited,
				RetryAfterMs: retryAfter(state.Minute, nowMs, time.Minute.Milliseconds()),
			}, nil
		}
		if quotas.RequestsPerHour != nil && len(state.Hour) >= *quotas.RequestsPerHour {
			return RateDecision{
				Reason:       ReasonRateLimited,
				RetryAfterMs: retryAfter(state.Hour, nowMs, time.Hour.Milliseconds()),
			}, nil
		}
	}

	state.Minute = append(state.Minute, nowMs)
	state.Hour = append(state.Hour, nowMs)
	if err := l.writeFile(l.ratePath(tenantID), state); err != nil {
		return RateDecision{}, err
	}

	snap, err := l.loadLocked(tenantID)
	if err != nil {
		return RateDecision{}, err
	}
	snap.RequestsTotal++
	snap.RequestsThisMinute = len(state.Minute)
	snap.RequestsThisHour = len(state.Hour)
	snap.UpdatedAt = now.UTC()
	if err := l.writeFile(l.currentPath(tenantID), snap); err != nil {
		return RateDecision{}, err
	}
	return RateDecision{Allowed: true}, nil
}

// retryAfter estimates when the oldest in-window timestamp ages out.
func retryAfter(window []int64, nowMs, spanMs int64) int64 {
	if len(window) == 0 {
		return spanMs
	}
	oldest := window[0]
	for _, ts := range window {
		if ts < oldest {
			oldest = ts
		}
	}
	wait := oldest + spanMs - nowMs
	if wait < 0 {
		wait = 0
	}
	return wait
}
