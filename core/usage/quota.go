package usage

import (
	"fmt"

	"github.com/openclaw/openclaw/core/tenancy"
)

// Denial reasons surfaced to callers and wire errors.
const (
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonRateLimited      = "rate_limited"
	ReasonDiskFull         = "disk_full"
	ReasonSessionsExceeded = "sessions_exceeded"
)

// Decision is the outcome of a pre-request quota check.
type Decision struct {
	Allowed      bool
	Reason       string
	Message      string
	Warning      string
	RetryAfterMs int64
}

// CheckQuotaBeforeRequest runs the rate check first, then the cumulative caps
// in priority order: tokens, cost, disk, concurrent sessions. Soft limits
// attach a warning to an allowed result. Disk usage is read from the last
// computed snapshot value; this path never walks the filesystem.
func (l *Ledger) CheckQuotaBeforeRequest(tenantID string, quotas *tenancy.Quotas) (Decision, error) {
	rate, err := l.CheckAndRecordRequest(tenantID, quotas)
	if err != nil {
		return Decision{}, err
	}
	if !rate.Allowed {
		return Decision{
			Reason:       ReasonRateLimited,
			Message:      "request rate limit reached",
			RetryAfterMs: rate.RetryAfterMs,
		}, nil
	}

	snap, err := l.LoadUsage(tenantID)
	if err != nil {
		return Decision{}, err
	}
	if quotas == nil {
		return Decision{Allowed: true}, nil
	}

	if quotas.MonthlyTokens != nil && snap.TotalTokens >= *quotas.MonthlyTokens {
		return Decision{
			Reason:  ReasonQuotaExceeded,
			Message: fmt.Sprintf("monthly token quota exhausted (%d/%d)", snap.TotalTokens, *quotas.MonthlyTokens),
		}, nil
	}
	if quotas.MonthlyCostCents != nil && snap.CostCents >= *quotas.MonthlyCostCents {
		return Decision{
			Reason:  ReasonQuotaExceeded,
			Message: fmt.Sprintf("monthly cost quota exhausted (%d/%d cents)", snap.CostCents, *quotas.MonthlyCostCents),
		}, nil
	}
	if quotas.DiskBytes != nil && snap.DiskBytes >= *quotas.DiskBytes {
		return Decision{
			Reason:  ReasonDiskFull,
			Message: fmt.Sprintf("disk quota exhausted (%d/%d bytes)", snap.DiskBytes, *quotas.DiskBytes),
		}, nil
	}
	if quotas.ConcurrentSessions != nil && snap.ActiveSessions >= *quotas.ConcurrentSessions {
		return Decision{
			Reason:  ReasonSessionsExceeded,
			Message: fmt.Sprintf("concurrent session limit reached (%d)", *quotas.ConcurrentSessions),
		}, nil
	}

	decision := Decision{Allowed: true}
	if quotas.MonthlyTokensSoft != nil && snap.TotalTokens >= *quotas.MonthlyTokensSoft {
		decision.Warning = fmt.Sprintf("approaching monthly token quota: %d of %d used", snap.TotalTokens, softOrHard(quotas.MonthlyTokens, quotas.MonthlyTokensSoft))
	} else if quotas.MonthlyCostCentsSoft != nil && snap.CostCents >= *quotas.MonthlyCostCentsSoft {
		decision.Warning = fmt.Sprintf("approaching monthly cost quota: %d of %d cents used", snap.CostCents, softOrHard(quotas.MonthlyCostCents, quotas.MonthlyCostCentsSoft))
	}
	return decision, nil
}

func softOrHard(hard, soft *int64) int64 {
	if hard != nil {
		return *hard
	}
	return *soft
}
