// Package health implements spec.md section 4.5's upstream health tracker:
// per-upstream success/failure counts, an exponentially-weighted mean RTT,
// and consecutive-failure backoff that doubles from a 5s floor to a 60s
// cap. It generalizes the teacher's forwarding resolver, which is not
// present in this pack — the closest analogue is
// jroosing-HydraDNS/internal/resolvers/forwarding_resolver.go's
// canTryUpstream/markFailed/markHealthy cooldown pattern, extended here
// from a single fixed recovery duration into the EMA-RTT-ordered,
// doubling-backoff tracker the specification requires.
package health

import (
	"sort"
	"sync"
	"time"
)

const (
	// emaAlpha weights new RTT samples against the running average.
	emaAlpha = 0.25

	// backoffFloor is the initial retry delay after the first failure past
	// the consecutive-failure threshold.
	backoffFloor = 5 * time.Second
	// backoffCap bounds how long a server can be excluded for.
	backoffCap = 60 * time.Second

	// defaultThreshold is how many consecutive failures mark a server
	// unhealthy.
	defaultThreshold = 3
)

// Record is a point-in-time view of one upstream's health.
type Record struct {
	Address             string
	SuccessCount        uint64
	FailureCount        uint64
	ConsecutiveFailures int
	NextRetryAt         time.Time
	EMARTT              time.Duration
	Healthy             bool
}

type entry struct {
	mu sync.Mutex

	successCount        uint64
	failureCount        uint64
	consecutiveFailures int
	nextRetryAt         time.Time
	emaRTT              time.Duration
	haveRTT             bool
}

// Tracker tracks health for a fixed set of upstream addresses.
type Tracker struct {
	threshold int

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewTracker constructs a Tracker. threshold is the number of consecutive
// failures after which a server is considered unhealthy; 0 uses the
// default of 3.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Tracker{
		threshold: threshold,
		entries:   make(map[string]*entry),
	}
}

func (t *Tracker) entryFor(addr string) *entry {
	t.mu.RLock()
	e, ok := t.entries[addr]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[addr]; ok {
		return e
	}
	e = &entry{}
	t.entries[addr] = e
	return e
}

// RecordSuccess resets consecutive_failures and folds rtt into the
// exponentially-weighted mean.
func (t *Tracker) RecordSuccess(addr string, rtt time.Duration) {
	e := t.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.successCount++
	e.consecutiveFailures = 0
	e.nextRetryAt = time.Time{}

	if !e.haveRTT {
		e.emaRTT = rtt
		e.haveRTT = true
		return
	}
	e.emaRTT = time.Duration(emaAlpha*float64(rtt) + (1-emaAlpha)*float64(e.emaRTT))
}

// RecordFailure increments consecutive_failures and, once the threshold is
// crossed, sets next_retry_at using doubling backoff from backoffFloor up
// to backoffCap.
func (t *Tracker) RecordFailure(addr string) {
	e := t.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failureCount++
	e.consecutiveFailures++

	if e.consecutiveFailures < t.threshold {
		return
	}

	overage := e.consecutiveFailures - t.threshold
	backoff := backoffFloor << overage // doubles per failure past threshold
	if backoff > backoffCap || backoff <= 0 {
		backoff = backoffCap
	}
	e.nextRetryAt = time.Now().Add(backoff)
}

// IsHealthy reports whether addr is currently eligible for selection: its
// consecutive failures are below threshold, or its backoff window has
// elapsed.
func (t *Tracker) IsHealthy(addr string) bool {
	e := t.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.isHealthyLocked(e)
}

func (t *Tracker) isHealthyLocked(e *entry) bool {
	if e.consecutiveFailures < t.threshold {
		return true
	}
	return !time.Now().Before(e.nextRetryAt)
}

// Get returns a snapshot Record for addr.
func (t *Tracker) Get(addr string) Record {
	e := t.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Record{
		Address:             addr,
		SuccessCount:        e.successCount,
		FailureCount:        e.failureCount,
		ConsecutiveFailures: e.consecutiveFailures,
		NextRetryAt:         e.nextRetryAt,
		EMARTT:              e.emaRTT,
		Healthy:             t.isHealthyLocked(e),
	}
}

// Order returns addrs sorted per spec.md section 4.7's failover ordering:
// healthy servers first, ascending by EMA RTT (servers with no RTT sample
// yet sort last among healthy servers); unhealthy servers follow, ordered
// by how soon their backoff expires.
func (t *Tracker) Order(addrs []string) []string {
	out := make([]string, len(addrs))
	copy(out, addrs)

	records := make(map[string]Record, len(out))
	for _, a := range out {
		records[a] = t.Get(a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := records[out[i]], records[out[j]]
		if ri.Healthy != rj.Healthy {
			return ri.Healthy
		}
		if ri.Healthy {
			if ri.EMARTT == 0 || rj.EMARTT == 0 {
				return ri.EMARTT != 0
			}
			return ri.EMARTT < rj.EMARTT
		}
		return ri.NextRetryAt.Before(rj.NextRetryAt)
	})
	return out
}
