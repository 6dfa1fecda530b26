package common

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaActionsExceeded  = errors.New("quota actions exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an account.
type QuotaNow struct {
	ReqCount    uint32
	ActionCount uint64
	EpochID     uint64
}

// Quota defines the limits enforced per account within one epoch. A zero
// limit disables the corresponding check.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxActionsPerEpoch  uint64
	EpochSeconds        uint32
}

// CheckQuota verifies whether the additional requests and actions fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addActions uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addActions > 0 {
		if next.ActionCount > math.MaxUint64-addActions {
			return prev, ErrQuotaCounterOverflow
		}
		next.ActionCount += addActions
	}
	if q.MaxActionsPerEpoch > 0 && next.ActionCount > q.MaxActionsPerEpoch {
		return prev, ErrQuotaActionsExceeded
	}

	return next, nil
}

// QuotaTracker applies a Quota to many accounts.
type QuotaTracker struct {
	mu       sync.Mutex
	quota    Quota
	counters map[string]QuotaNow
	now      func() time.Time
}

// NewQuotaTracker builds a tracker. An EpochSeconds of zero defaults to 60.
func NewQuotaTracker(q Quota) *QuotaTracker {
	if q.EpochSeconds == 0 {
		q.EpochSeconds = 60
	}
	return &QuotaTracker{quota: q, counters: make(map[string]QuotaNow), now: time.Now}
}

// SetClock overrides the tracker's time source.
func (t *QuotaTracker) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Charge records one request carrying actions for account. Counters are left
// untouched when the quota would be exceeded.
func (t *QuotaTracker) Charge(account string, actions uint64) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	epoch := uint64(t.now().Unix()) / uint64(t.quota.EpochSeconds)
	next, err := CheckQuota(t.quota, epoch, t.counters[account], 1, actions)
	if err != nil {
		return err
	}
	for id, counter := range t.counters {
		if counter.EpochID != epoch {
			delete(t.counters, id)
		}
	}
	t.counters[account] = next
	return nil
}
