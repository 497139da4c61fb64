package executor

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/quantsignals/signalforge/internal/signal"
)

// lockBuckets is the number of symbol hash buckets. Requests for the
// same symbol serialize on one bucket; unrelated symbols proceed in
// parallel.
const lockBuckets = 64

// position is one open holding tracked by the executor.
type position struct {
	Symbol   string
	Action   signal.Action
	Quantity float64
	OpenedAt time.Time
	OrderID  string
}

// riskState is the executor's mutable account state. It is guarded by
// its own mutex; the symbol locks serialize order flow per symbol.
type riskState struct {
	mu sync.Mutex

	positions map[string]position

	day            time.Time // UTC midnight of the current trading day
	dayStartEquity float64
	dailyTripped   bool

	peakEquity      float64
	drawdownTripped bool
}

func newRiskState() *riskState {
	return &riskState{positions: make(map[string]position)}
}

// rollover resets the daily-loss state at the UTC day boundary. The
// drawdown trip is terminal and never resets here.
func (s *riskState) rollover(now time.Time, equity float64) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(s.day) {
		s.day = day
		s.dayStartEquity = equity
		s.dailyTripped = false
	}
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
}

// symbolLocks is a fixed array of mutexes indexed by symbol hash.
type symbolLocks [lockBuckets]sync.Mutex

func (l *symbolLocks) bucket(symbol string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return &l[h.Sum32()%lockBuckets]
}

// idempotencyCache remembers responses by Idempotency-Key so replays
// return the original outcome without a second broker call.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	ttl     time.Duration
}

type cachedResponse struct {
	response signal.ExecutorResponse
	storedAt time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &idempotencyCache{entries: make(map[string]cachedResponse), ttl: ttl}
}

func (c *idempotencyCache) get(key string) (signal.ExecutorResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.storedAt) > c.ttl {
		return signal.ExecutorResponse{}, false
	}
	return e.response, true
}

func (c *idempotencyCache) put(key string, resp signal.ExecutorResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 8192 {
		cutoff := time.Now().Add(-c.ttl)
		for k, e := range c.entries {
			if e.storedAt.Before(cutoff) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cachedResponse{response: resp, storedAt: time.Now()}
}
