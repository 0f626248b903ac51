// Package ratelimit implements spec.md section 4.9: per-client-IP and
// global token buckets, with separate buckets for general queries, error
// responses and NXDOMAIN responses. It merges the teacher's two rate
// limiters into one component: internal/engine/ratelimiter.go's
// golang.org/x/time/rate-based global/per-IP bucket supplies the "general
// queries" tier, and internal/rrl/limiter.go's hand-rolled atomic token
// bucket (BIND-style Response Rate Limiting) supplies the per-category
// tiers that need slip/TC behavior instead of a hard accept/reject.
package ratelimit

import (
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Category identifies which rate-limit tier a decision applies to.
type Category int

const (
	CategoryGeneral Category = iota
	CategoryError
	CategoryNXDomain
	CategoryReferral
	CategoryNodata
)

func (c Category) String() string {
	switch c {
	case CategoryGeneral:
		return "general"
	case CategoryError:
		return "error"
	case CategoryNXDomain:
		return "nxdomain"
	case CategoryReferral:
		return "referral"
	case CategoryNodata:
		return "nodata"
	default:
		return "unknown"
	}
}

// Action is the decision the pipeline must act on.
type Action int

const (
	// ActionAllow lets the response proceed normally.
	ActionAllow Action = iota
	// ActionRefuse applies only to CategoryGeneral: the resolver pipeline
	// returns REFUSED so the client can back off (spec.md section 9, Open
	// Question: general-query limits answer with REFUSED, not a drop).
	ActionRefuse
	// ActionDrop silently discards the response. Used for error/NXDOMAIN
	// flood limits, to avoid ever amplifying toward a spoofed source.
	ActionDrop
	// ActionSlip sets TC on the response instead of dropping it, for 1-in-N
	// limited responses (BIND RRL's "slip" tunable).
	ActionSlip
)

// Config configures a Limiter.
type Config struct {
	Enabled bool

	// Global and per-IP "general query" limits (golang.org/x/time/rate).
	QueriesPerSecondPerIP float64
	BurstPerIP            int
	GlobalQueriesPerSec   float64
	GlobalBurst           int

	// Per-category error/NXDOMAIN/referral/nodata limits (queries per
	// second, BIND RRL-style token bucket keyed by client prefix + qname +
	// qtype).
	ErrorQPS    int
	NXDomainQPS int
	ReferralQPS int
	NodataQPS   int
	Window      int // seconds of tokens a bucket holds: capacity is QPS*Window
	Slip        int // 1-in-N limited category responses get TC instead of drop

	IPv4PrefixLen int
	IPv6PrefixLen int

	ExemptNets []*net.IPNet

	CleanupInterval time.Duration
	IdleThreshold   time.Duration
}

// DefaultConfig mirrors the teacher's DefaultRateLimiterConfig /
// rrl.DefaultConfig combined defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		QueriesPerSecondPerIP: 100,
		BurstPerIP:            200,
		GlobalQueriesPerSec:   10_000,
		GlobalBurst:           20_000,
		ErrorQPS:              5,
		NXDomainQPS:           5,
		ReferralQPS:           5,
		NodataQPS:             5,
		Window:                15,
		Slip:                  2,
		IPv4PrefixLen:         24,
		IPv6PrefixLen:         56,
		CleanupInterval:       5 * time.Minute,
		IdleThreshold:         10 * time.Minute,
	}
}

// categoryBucket is a manually-managed token bucket, refilled lazily on
// each Check call so decisions stay O(1) amortized without a background
// ticker per bucket.
type categoryBucket struct {
	tokens     int32
	lastRefill int64 // unix seconds
	lastSeen   int64 // unix seconds, for idle eviction
}

// Limiter is Heimdall's merged rate limiter.
type Limiter struct {
	cfg Config

	mu             sync.RWMutex
	generalByIP    map[string]*rate.Limiter
	globalGeneral  *rate.Limiter
	lastGeneralGC  time.Time

	categoryBuckets sync.Map // hash(uint64) -> *categoryBucket

	allowed atomic.Uint64
	refused atomic.Uint64
	dropped atomic.Uint64
	slipped atomic.Uint64

	stopCleanup chan struct{}
	cleanupDone sync.WaitGroup
}

// New constructs a Limiter and starts its idle-bucket sweep.
func New(cfg Config) *Limiter {
	if cfg.Window == 0 {
		cfg.Window = 15
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = 10 * time.Minute
	}

	l := &Limiter{
		cfg:           cfg,
		generalByIP:   make(map[string]*rate.Limiter),
		globalGeneral: rate.NewLimiter(rate.Limit(cfg.GlobalQueriesPerSec), cfg.GlobalBurst),
		lastGeneralGC: time.Now(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupDone.Add(1)
	go l.cleanupLoop()

	return l
}

// AllowGeneral checks the per-IP and global general-query buckets. This is
// the resolver pipeline's step 2 (spec.md section 4.7): an excess general
// query returns REFUSED.
func (l *Limiter) AllowGeneral(ip net.IP) Action {
	if !l.cfg.Enabled {
		l.allowed.Add(1)
		return ActionAllow
	}
	if l.isExempt(ip) {
		l.allowed.Add(1)
		return ActionAllow
	}

	if !l.globalGeneral.Allow() {
		l.refused.Add(1)
		return ActionRefuse
	}

	limiter := l.perIPLimiter(ip)
	if !limiter.Allow() {
		l.refused.Add(1)
		return ActionRefuse
	}

	l.allowed.Add(1)
	return ActionAllow
}

func (l *Limiter) perIPLimiter(ip net.IP) *rate.Limiter {
	key := ip.String()

	l.mu.RLock()
	limiter, ok := l.generalByIP[key]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.generalByIP[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.cfg.QueriesPerSecondPerIP), l.cfg.BurstPerIP)
	l.generalByIP[key] = limiter
	return limiter
}

// CheckCategory applies the BIND RRL-style per-category bucket for
// error/NXDOMAIN/referral/nodata responses. Unlike AllowGeneral, excess
// traffic here is dropped or slipped, never REFUSED, since these
// categories are exactly the ones an attacker would abuse to amplify
// traffic toward a spoofed victim.
func (l *Limiter) CheckCategory(clientIP net.IP, qname string, qtype uint16, category Category) Action {
	if !l.cfg.Enabled || category == CategoryGeneral {
		l.allowed.Add(1)
		return ActionAllow
	}
	if l.isExempt(clientIP) {
		l.allowed.Add(1)
		return ActionAllow
	}

	limit := l.limitForCategory(category)
	if limit == 0 {
		l.allowed.Add(1)
		return ActionAllow
	}

	hash := l.bucketHash(clientIP, qname, qtype, category)
	now := time.Now().Unix()

	v, _ := l.categoryBuckets.LoadOrStore(hash, &categoryBucket{
		tokens:     int32(limit * l.cfg.Window),
		lastRefill: now,
		lastSeen:   now,
	})
	b := v.(*categoryBucket)
	atomic.StoreInt64(&b.lastSeen, now)

	last := atomic.LoadInt64(&b.lastRefill)
	if elapsed := now - last; elapsed > 0 {
		maxTokens := int32(limit * l.cfg.Window)
		refill := int32(elapsed * int64(limit))
		for {
			cur := atomic.LoadInt32(&b.tokens)
			next := cur + refill
			if next > maxTokens {
				next = maxTokens
			}
			if atomic.CompareAndSwapInt32(&b.tokens, cur, next) {
				break
			}
		}
		atomic.StoreInt64(&b.lastRefill, now)
	}

	if atomic.AddInt32(&b.tokens, -1) >= 0 {
		l.allowed.Add(1)
		return ActionAllow
	}
	atomic.AddInt32(&b.tokens, 1) // refund the token we failed to spend

	limited := l.slipped.Load() + l.dropped.Load() + 1
	if l.cfg.Slip > 0 && limited%uint64(l.cfg.Slip) == 0 {
		l.slipped.Add(1)
		return ActionSlip
	}
	l.dropped.Add(1)
	return ActionDrop
}

func (l *Limiter) limitForCategory(c Category) int {
	switch c {
	case CategoryError:
		return l.cfg.ErrorQPS
	case CategoryNXDomain:
		return l.cfg.NXDomainQPS
	case CategoryReferral:
		return l.cfg.ReferralQPS
	case CategoryNodata:
		return l.cfg.NodataQPS
	default:
		return 0
	}
}

func (l *Limiter) bucketHash(ip net.IP, qname string, qtype uint16, category Category) uint64 {
	h := fnv.New64a()
	h.Write(l.prefix(ip))
	h.Write([]byte(qname))
	var buf [3]byte
	buf[0] = byte(qtype >> 8)
	buf[1] = byte(qtype)
	buf[2] = byte(category)
	h.Write(buf[:])
	return h.Sum64()
}

func (l *Limiter) prefix(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		prefixLen := l.cfg.IPv4PrefixLen
		if prefixLen == 0 {
			prefixLen = 24
		}
		return v4.Mask(net.CIDRMask(prefixLen, 32))
	}
	v6 := ip.To16()
	prefixLen := l.cfg.IPv6PrefixLen
	if prefixLen == 0 {
		prefixLen = 56
	}
	return v6.Mask(net.CIDRMask(prefixLen, 128))
}

func (l *Limiter) isExempt(ip net.IP) bool {
	for _, n := range l.cfg.ExemptNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *Limiter) cleanupLoop() {
	defer l.cleanupDone.Done()
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-l.cfg.IdleThreshold).Unix()
	l.categoryBuckets.Range(func(key, value any) bool {
		b := value.(*categoryBucket)
		if atomic.LoadInt64(&b.lastSeen) < cutoff {
			l.categoryBuckets.Delete(key)
		}
		return true
	})

	l.mu.Lock()
	if time.Since(l.lastGeneralGC) > l.cfg.IdleThreshold {
		l.generalByIP = make(map[string]*rate.Limiter)
		l.lastGeneralGC = time.Now()
	}
	l.mu.Unlock()
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stopCleanup)
	l.cleanupDone.Wait()
}

// Stats is a snapshot of rate limiter counters.
type Stats struct {
	Allowed  uint64
	Refused  uint64
	Dropped  uint64
	Slipped  uint64
	DropRate float64
}

// GetStats returns current counters.
func (l *Limiter) GetStats() Stats {
	allowed := l.allowed.Load()
	refused := l.refused.Load()
	dropped := l.dropped.Load()
	slipped := l.slipped.Load()
	total := allowed + refused + dropped + slipped

	var dropRate float64
	if total > 0 {
		dropRate = float64(dropped) / float64(total)
	}
	return Stats{Allowed: allowed, Refused: refused, Dropped: dropped, Slipped: slipped, DropRate: dropRate}
}

// CategorizeResponse maps an rcode and answer/authority shape to the RRL
// category it belongs to, the way rrl.CategorizeResponse did.
func CategorizeResponse(rcode uint16, answerCount, authorityCount int) Category {
	switch rcode {
	case 0:
		if answerCount > 0 {
			return CategoryGeneral
		}
		if authorityCount > 0 {
			return CategoryReferral
		}
		return CategoryNodata
	case 3:
		return CategoryNXDomain
	default:
		return CategoryError
	}
}
