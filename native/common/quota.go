package common

import (
	"errors"
	"math"
	"sync"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a key.
type QuotaNow struct {
	ReqCount   uint32
	AmountUsed uint64
	EpochID    uint64
}

// Quota defines the limits enforced per key and epoch. Zero limits are
// disabled.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxAmountPerEpoch   uint64
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || q.MaxAmountPerEpoch > 0
}

// Epoch maps a unix timestamp onto the quota epoch.
func (q Quota) Epoch(unix int64) uint64 {
	if unix <= 0 {
		return 0
	}
	seconds := q.EpochSeconds
	if seconds == 0 {
		seconds = 60
	}
	return uint64(unix) / uint64(seconds)
}

// CheckQuota verifies whether the additional request and amount fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addAmount uint64) (QuotaNow, error) {
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

	if addAmount > 0 {
		if next.AmountUsed > math.MaxUint64-addAmount {
			return prev, ErrQuotaCounterOverflow
		}
		next.AmountUsed += addAmount
	}
	if q.MaxAmountPerEpoch > 0 && next.AmountUsed > q.MaxAmountPerEpoch {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}

// QuotaTracker keeps usage counters per key in memory.
type QuotaTracker struct {
	mu    sync.Mutex
	quota Quota
	usage map[string]QuotaNow
}

// NewQuotaTracker constructs a tracker enforcing q.
func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[string]QuotaNow)}
}

// Consume charges one request and amount against key. Counters are left
// unchanged when the quota would be exceeded.
func (t *QuotaTracker) Consume(key string, unix int64, amount uint64) error {
	if t == nil || !t.quota.Enabled() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	epoch := t.quota.Epoch(unix)
	next, err := CheckQuota(t.quota, epoch, t.usage[key], 1, amount)
	if err != nil {
		return err
	}
	t.usage[key] = next
	return nil
}

// Usage returns the counters recorded for key.
func (t *QuotaTracker) Usage(key string) QuotaNow {
	if t == nil {
		return QuotaNow{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage[key]
}

// Refund reverses a Consume of amount made at unix. Charges from an earlier
// epoch have already been reset and are ignored.
func (t *QuotaTracker) Refund(key string, unix int64, amount uint64) {
	if t == nil || !t.quota.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	usage, ok := t.usage[key]
	if !ok || usage.EpochID != t.quota.Epoch(unix) {
		return
	}
	if usage.ReqCount > 0 {
		usage.ReqCount--
	}
	if usage.AmountUsed >= amount {
		usage.AmountUsed -= amount
	} else {
		usage.AmountUsed = 0
	}
	if usage.ReqCount == 0 && usage.AmountUsed == 0 {
		delete(t.usage, key)
		return
	}
	t.usage[key] = usage
}
