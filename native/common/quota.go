package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaPoliciesExceeded = errors.New("quota policies exceeded")
	ErrQuotaNotionalExceeded = errors.New("quota notional cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a principal within
// one epoch window.
type QuotaNow struct {
	Policies      uint32
	NotionalWhole uint64
	EpochID       uint64
}

// Quota defines per-principal limits on policy creation. NotionalWhole caps
// are expressed in whole tokens so the counter fits a uint64.
type Quota struct {
	MaxPoliciesPerEpoch uint32
	MaxNotionalWhole    uint64
	EpochSeconds        uint32
}

// CheckQuota verifies whether an additional policy with the given whole-token
// notional fits within the configured quota. The returned QuotaNow reflects
// the updated counters when the quota is not exceeded; on denial the previous
// counters are returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addPolicies uint32, addNotionalWhole uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addPolicies > 0 {
		if next.Policies > math.MaxUint32-addPolicies {
			return prev, ErrQuotaCounterOverflow
		}
		next.Policies += addPolicies
	}
	if q.MaxPoliciesPerEpoch > 0 && next.Policies > q.MaxPoliciesPerEpoch {
		return prev, ErrQuotaPoliciesExceeded
	}

	if addNotionalWhole > 0 {
		if next.NotionalWhole > math.MaxUint64-addNotionalWhole {
			return prev, ErrQuotaCounterOverflow
		}
		next.NotionalWhole += addNotionalWhole
	}
	if q.MaxNotionalWhole > 0 && next.NotionalWhole > q.MaxNotionalWhole {
		return prev, ErrQuotaNotionalExceeded
	}

	return next, nil
}
