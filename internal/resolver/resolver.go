// Package resolver implements spec.md section 4.7's resolution pipeline:
// cache lookup, in-flight deduplication, health-tracked upstream
// selection (sequential failover or parallel fan-out), UDP-truncated-to-
// TCP retry, negative-cache extraction, optional DNSSEC validation, an
// optional bounded referral-following iterative mode, and background
// stale-cache refresh. It is the glue between internal/cache,
// internal/health, internal/connpool, internal/security, internal/cookie,
// internal/dnssec, internal/blocking and internal/worker — none of those
// packages know about each other, this one wires them into one query path.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dnsscience/heimdall/internal/blocking"
	"github.com/dnsscience/heimdall/internal/cache"
	"github.com/dnsscience/heimdall/internal/connpool"
	"github.com/dnsscience/heimdall/internal/cookie"
	"github.com/dnsscience/heimdall/internal/dnssec"
	"github.com/dnsscience/heimdall/internal/eventbus"
	"github.com/dnsscience/heimdall/internal/health"
	"github.com/dnsscience/heimdall/internal/random"
	"github.com/dnsscience/heimdall/internal/security"
	"github.com/dnsscience/heimdall/internal/wire"
	"github.com/dnsscience/heimdall/internal/worker"
)

// ErrDrop is returned when the query should receive no response at all —
// an ActionDrop blocking verdict, or (in a future extension) a transport-
// level policy decision. Transport adapters must treat this distinctly
// from every other error: no SERVFAIL, no bytes on the wire.
var ErrDrop = errors.New("resolver: query dropped, no response")

// ErrNoUpstreams is returned when every configured upstream is unhealthy
// or every attempt failed.
var ErrNoUpstreams = errors.New("resolver: no upstream produced a response")

// Mode selects how Config.Upstreams are queried.
type Mode int

const (
	// ModeSequential tries upstreams one at a time in health.Tracker's
	// order, stopping at the first success.
	ModeSequential Mode = iota
	// ModeParallelFanout races FanoutCount upstreams concurrently and
	// takes the first valid response, per spec.md section 4.7.
	ModeParallelFanout
)

// Config configures a Resolver.
type Config struct {
	Upstreams  []string
	Mode       Mode
	FanoutCount int
	MaxRetries int
	Timeout    time.Duration

	MinTTL, MaxTTL                       time.Duration
	NegativeTTLFloor, NegativeTTLCeiling time.Duration

	Enable0x20      bool
	EnableCookies   bool
	CookiesRequired bool
	EnableScrubbing bool

	// EnableIterative turns on the bounded referral-following mode
	// instead of forwarding to Upstreams; spec.md section 4.7 default is
	// off.
	EnableIterative bool
	MaxIterations   int
	RootHints       []string

	UDPPayloadSize uint16
}

// DefaultConfig mirrors internal/config.Default's resolver-relevant
// fields.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeSequential,
		FanoutCount:    2,
		MaxRetries:     2,
		Timeout:        2 * time.Second,
		MaxTTL:         24 * time.Hour,
		UDPPayloadSize: 4096,
	}
}

// Resolver is the assembled query pipeline. Construct with New and share
// across every transport listener.
type Resolver struct {
	cfg Config

	cache   *cache.Cache
	health  *health.Tracker
	pool    *connpool.Pool
	cookies *cookie.Manager
	dnssec  *dnssec.Validator
	blocker *blocking.Engine

	// refresh runs background re-resolution for stale cache hits (see
	// triggerRefresh). Nil disables stale-while-revalidate: Resolve still
	// serves a stale entry cache.Cache agreed to hand back, it just never
	// gets refreshed in the background.
	refresh *worker.Pool

	// events publishes CacheEvent/DNSSECEvent occurrences for subscribers
	// outside the query path. Nil disables publishing; Resolve's own
	// behavior never depends on whether anyone is listening.
	events *eventbus.Bus

	serverIP net.IP

	mu       sync.Mutex
	inflight map[cache.Key]*call

	refreshingMu sync.Mutex
	refreshing   map[cache.Key]struct{}
}

// call is one in-progress resolution that other callers for the same key
// wait on instead of issuing a duplicate upstream query.
type call struct {
	done chan struct{}
	resp *wire.Message
	err  error
}

// New constructs a Resolver. dnssecValidator and blocker are optional (nil
// disables DNSSEC validation / blocking respectively), as are refresh (nil
// disables background stale-cache refresh; see triggerRefresh) and events
// (nil disables eventbus publishing entirely).
func New(cfg Config, c *cache.Cache, h *health.Tracker, pool *connpool.Pool, cookies *cookie.Manager, validator *dnssec.Validator, blocker *blocking.Engine, refresh *worker.Pool, events *eventbus.Bus, serverIP net.IP) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.UDPPayloadSize == 0 {
		cfg.UDPPayloadSize = DefaultConfig().UDPPayloadSize
	}
	if cfg.FanoutCount <= 0 {
		cfg.FanoutCount = DefaultConfig().FanoutCount
	}
	return &Resolver{
		cfg:        cfg,
		cache:      c,
		health:     h,
		pool:       pool,
		cookies:    cookies,
		dnssec:     validator,
		blocker:    blocker,
		refresh:    refresh,
		events:     events,
		serverIP:   serverIP,
		inflight:   make(map[cache.Key]*call),
		refreshing: make(map[cache.Key]struct{}),
	}
}

// publish is a nil-safe wrapper around events.Publish so call sites don't
// each need their own nil check.
func (r *Resolver) publish(ctx context.Context, topic eventbus.Topic, data interface{}) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, topic, data)
}

// Resolve answers query on behalf of a client at clientIP, running the
// full pipeline. query must already have passed internal/validate and
// internal/ratelimit. The returned message carries query's ID, question
// and — if the client's OPT record signalled DO — an AD bit that
// reflects the DNSSEC validation result.
func (r *Resolver) Resolve(ctx context.Context, query *wire.Message, clientIP net.IP) (*wire.Message, error) {
	if len(query.Question) == 0 {
		return nil, fmt.Errorf("resolver: query has no question")
	}
	q := query.Question[0]

	if r.blocker != nil {
		verdict := r.blocker.Lookup(q.Name)
		switch verdict.Action {
		case blocking.ActionDrop:
			return nil, ErrDrop
		case blocking.ActionPassthru, blocking.ActionNone:
			// fall through to normal resolution
		default:
			resp := synthesizeBase(query)
			blocking.Apply(verdict, q.Name, q.Type, resp)
			return resp, nil
		}
	}

	key := cache.NewKey(q.Name.String(), q.Type, q.Class)

	if r.cache != nil {
		if entry, ok := r.cache.Get(key); ok {
			// cache.Cache.Get already decided whether a stale entry is
			// within the serve-stale window; trust that decision instead
			// of re-filtering by IsExpired here. A stale hit still
			// answers the client immediately, but kicks off a background
			// refresh so the next query finds a fresh entry.
			stale := entry.IsExpired()
			resp, err := r.respondFromCache(query, entry)
			if err == nil && stale {
				r.publish(ctx, eventbus.TopicCache, eventbus.CacheEvent{Name: key.Name, Type: key.Type, Op: "stale-hit"})
				r.triggerRefresh(key, query, q, clientIP)
			}
			return resp, err
		}
	}

	resp, err := r.resolveDeduped(ctx, key, query, q, clientIP)
	if err != nil {
		return nil, err
	}
	return r.finishResponse(query, resp), nil
}

// resolveDeduped performs the in-flight dedup described by spec.md
// section 4.7: concurrent callers for the same CacheKey share one
// upstream attempt instead of each issuing their own.
func (r *Resolver) resolveDeduped(ctx context.Context, key cache.Key, query *wire.Message, q wire.Question, clientIP net.IP) (*wire.Message, error) {
	r.mu.Lock()
	if existing, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		<-existing.done
		if existing.err != nil {
			return nil, existing.err
		}
		return cloneMessage(existing.resp), nil
	}

	c := &call{done: make(chan struct{})}
	r.inflight[key] = c
	r.mu.Unlock()

	resp, err := r.resolveUpstream(ctx, query, q, clientIP)

	c.resp, c.err = resp, err
	close(c.done)

	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	r.storeInCache(key, resp)
	return cloneMessage(resp), nil
}

// resolveUpstream dispatches query to upstream servers (iteratively, if
// configured, otherwise by forwarding), applying 0x20 and cookie
// hardening, and returns the first accepted response.
func (r *Resolver) resolveUpstream(ctx context.Context, query *wire.Message, q wire.Question, clientIP net.IP) (*wire.Message, error) {
	if r.cfg.EnableIterative {
		return r.resolveIterative(ctx, q.Name, q.Type, q.Class)
	}

	wantDO := query.DO()
	outQuery, queryName := r.buildOutboundQuery(q.Name, q.Type, q.Class, wantDO, clientIP)

	resp, err := r.attemptUpstreams(ctx, r.cfg.Upstreams, outQuery, queryName)
	if err != nil {
		return nil, err
	}

	if r.dnssec != nil && wantDO {
		result := r.dnssec.Validate(resp, r.keyProviderFor(ctx), time.Now())
		resp.Header.AD = result == dnssec.Secure
		if result == dnssec.Bogus && r.dnssec.Mode() == dnssec.ModeStrict {
			resp.Header.Rcode = wire.RcodeServerFailure
			resp.Answer, resp.Authority = nil, nil
		}
		r.publish(ctx, eventbus.TopicDNSSEC, eventbus.DNSSECEvent{Zone: q.Name.String(), Result: result.String()})
	}

	return resp, nil
}

// buildOutboundQuery constructs the message sent to an upstream: a fresh
// transaction ID, RD set, the 0x20-randomized qname (if enabled) and an
// EDNS OPT record carrying DO (when requested) and a client cookie (when
// enabled).
func (r *Resolver) buildOutboundQuery(name wire.Name, qtype, qclass uint16, do bool, clientIP net.IP) (*wire.Message, wire.Name) {
	queryName := name
	if r.cfg.Enable0x20 {
		queryName = security.Apply0x20(name)
	}

	msg := &wire.Message{
		Header:   wire.Header{ID: transactionID(), RD: true, QDCount: 1},
		Question: []wire.Question{{Name: queryName, Type: qtype, Class: qclass}},
	}

	optRaw := r.buildOptions(clientIP)
	var optTTL uint32
	if do {
		optTTL |= 0x00008000
	}
	msg.Additional = []wire.ResourceRecord{{
		Name:   wire.RootName,
		Type:   wire.TypeOPT,
		Class:  r.cfg.UDPPayloadSize,
		TTL:    optTTL,
		Parsed: wire.RDataOPT{Raw: optRaw},
	}}
	msg.Header.ARCount = 1
	return msg, queryName
}

func (r *Resolver) buildOptions(clientIP net.IP) []byte {
	if !r.cfg.EnableCookies || r.cookies == nil {
		return nil
	}
	var serverIP []byte
	if r.serverIP != nil {
		serverIP = r.serverIP
	}
	client := cookie.GenerateClientCookie(clientIP, serverIP)
	payload := cookie.FormatCookie(client, nil)

	option := make([]byte, 4+len(payload))
	option[1] = 10 // EDNS0 COOKIE option code
	option[2] = byte(len(payload) >> 8)
	option[3] = byte(len(payload))
	copy(option[4:], payload)
	return option
}

// attemptUpstreams dispatches outQuery to candidates per cfg.Mode,
// returning the first response that survives response validation
// (transaction ID, question-name match, and an exact-case 0x20 echo when
// 0x20 is enabled).
func (r *Resolver) attemptUpstreams(ctx context.Context, candidates []string, outQuery *wire.Message, queryName wire.Name) (*wire.Message, error) {
	if len(candidates) == 0 {
		return nil, ErrNoUpstreams
	}
	ordered := candidates
	if r.health != nil {
		ordered = r.health.Order(candidates)
	}

	if r.cfg.Mode == ModeParallelFanout {
		return r.fanout(ctx, ordered, outQuery, queryName)
	}
	return r.sequential(ctx, ordered, outQuery, queryName)
}

func (r *Resolver) sequential(ctx context.Context, ordered []string, outQuery *wire.Message, queryName wire.Name) (*wire.Message, error) {
	retries := r.cfg.MaxRetries
	if retries <= 0 {
		retries = len(ordered)
	}
	if retries > len(ordered) {
		retries = len(ordered)
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		resp, err := r.exchange(ctx, ordered[i], outQuery, queryName)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoUpstreams
	}
	return nil, lastErr
}

func (r *Resolver) fanout(ctx context.Context, ordered []string, outQuery *wire.Message, queryName wire.Name) (*wire.Message, error) {
	n := r.cfg.FanoutCount
	if n > len(ordered) {
		n = len(ordered)
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *wire.Message
		err  error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		addr := ordered[i]
		go func() {
			resp, err := r.exchange(fctx, addr, outQuery, queryName)
			results <- result{resp, err}
		}()
	}

	var lastErr error
	for i := 0; i < n; i++ {
		res := <-results
		if res.err == nil {
			return res.resp, nil
		}
		lastErr = res.err
	}
	if lastErr == nil {
		lastErr = ErrNoUpstreams
	}
	return nil, lastErr
}

// exchange sends outQuery to addr over UDP, retrying over TCP if the
// response sets TC, and records the outcome in the health tracker.
func (r *Resolver) exchange(ctx context.Context, addr string, outQuery *wire.Message, queryName wire.Name) (*wire.Message, error) {
	start := time.Now()
	resp, err := r.exchangeUDP(ctx, addr, outQuery)
	if err != nil {
		if r.health != nil {
			r.health.RecordFailure(addr)
		}
		return nil, err
	}

	if resp.Header.TC {
		resp, err = r.exchangeTCP(ctx, addr, outQuery)
		if err != nil {
			if r.health != nil {
				r.health.RecordFailure(addr)
			}
			return nil, err
		}
	}

	qid := random.QueryID{TxID: outQuery.Header.ID}
	if !qid.ValidateResponse(resp.Header.ID, nil) {
		if r.health != nil {
			r.health.RecordFailure(addr)
		}
		return nil, fmt.Errorf("resolver: transaction id mismatch from %s (qid=%x)", addr, qid.Hash())
	}
	if r.cfg.Enable0x20 && len(resp.Question) > 0 && !security.Validate0x20Response(queryName, resp.Question[0].Name) {
		if r.health != nil {
			r.health.RecordFailure(addr)
		}
		return nil, fmt.Errorf("resolver: 0x20 case mismatch from %s", addr)
	}
	if len(resp.Question) > 0 && !resp.Question[0].Name.Equal(queryName) {
		if r.health != nil {
			r.health.RecordFailure(addr)
		}
		return nil, fmt.Errorf("resolver: question name mismatch from %s", addr)
	}

	if r.health != nil {
		r.health.RecordSuccess(addr, time.Since(start))
	}
	if r.cfg.EnableScrubbing && len(resp.Question) > 0 {
		security.ScrubResponse(resp, resp.Question[0].Name.Parent())
	}
	return resp, nil
}

func (r *Resolver) exchangeUDP(ctx context.Context, addr string, outQuery *wire.Message) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	conn, err := r.pool.AcquireUDP(ctx, addr)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() { r.pool.ReleaseUDP(addr, conn, !ok) }()

	if deadline, set := ctx.Deadline(); set {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(wire.Marshal(outQuery)); err != nil {
		return nil, err
	}

	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	resp, err := wire.Parse(buf[:n])
	if err != nil {
		return nil, err
	}
	ok = true
	return resp, nil
}

func (r *Resolver) exchangeTCP(ctx context.Context, addr string, outQuery *wire.Message) (*wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	conn, err := r.pool.AcquireTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() { r.pool.ReleaseTCP(addr, conn, !ok) }()

	if deadline, set := ctx.Deadline(); set {
		_ = conn.SetDeadline(deadline)
	}

	payload := wire.Marshal(outQuery)
	framed := make([]byte, 2+len(payload))
	framed[0] = byte(len(payload) >> 8)
	framed[1] = byte(len(payload))
	copy(framed[2:], payload)
	if _, err := conn.Write(framed); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	respLen := int(lenBuf[0])<<8 | int(lenBuf[1])
	respBuf := make([]byte, respLen)
	if _, err := readFull(conn, respBuf); err != nil {
		return nil, err
	}
	resp, err := wire.Parse(respBuf)
	if err != nil {
		return nil, err
	}
	ok = true
	return resp, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// storeInCache computes the cache entry's TTL/negative-kind per spec.md
// section 4.4 and inserts it.
func (r *Resolver) storeInCache(key cache.Key, resp *wire.Message) {
	if r.cache == nil {
		return
	}
	kind, ttl := classifyForCache(resp, r.cfg.MinTTL, r.cfg.MaxTTL, r.cfg.NegativeTTLFloor, r.cfg.NegativeTTLCeiling)
	if ttl <= 0 {
		return
	}
	entry := &cache.Entry{
		Data:      wire.Marshal(resp),
		ExpiresAt: time.Now().Add(ttl),
		OrigTTL:   uint32(ttl.Seconds()),
		Kind:      kind,
		DNSSECValidated: resp.Header.AD,
		QName:     key.Name,
		QType:     key.Type,
		QClass:    key.Class,
	}
	r.cache.Put(key, entry)
	r.publish(context.Background(), eventbus.TopicCache, eventbus.CacheEvent{Name: key.Name, Type: key.Type, Op: "store"})
}

// triggerRefresh submits a background re-resolution of key to the refresh
// pool, deduplicated per key so a burst of clients hitting the same stale
// entry spawns at most one in-flight refresh. No-op if refresh is nil
// (stale-while-revalidate disabled) or a refresh for key is already running.
func (r *Resolver) triggerRefresh(key cache.Key, query *wire.Message, q wire.Question, clientIP net.IP) {
	if r.refresh == nil {
		return
	}

	r.refreshingMu.Lock()
	if _, inProgress := r.refreshing[key]; inProgress {
		r.refreshingMu.Unlock()
		return
	}
	r.refreshing[key] = struct{}{}
	r.refreshingMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	job := worker.JobFunc(func(jobCtx context.Context) error {
		defer cancel()
		defer func() {
			r.refreshingMu.Lock()
			delete(r.refreshing, key)
			r.refreshingMu.Unlock()
		}()

		resp, err := r.resolveUpstream(jobCtx, query, q, clientIP)
		if err != nil {
			return err
		}
		r.storeInCache(key, resp)
		r.publish(jobCtx, eventbus.TopicCache, eventbus.CacheEvent{Name: key.Name, Type: key.Type, Op: "refreshed"})
		return nil
	})

	if err := r.refresh.SubmitAsync(ctx, job); err != nil {
		cancel()
		r.refreshingMu.Lock()
		delete(r.refreshing, key)
		r.refreshingMu.Unlock()
	}
}

func classifyForCache(resp *wire.Message, minTTL, maxTTL, negFloor, negCeiling time.Duration) (cache.NegativeKind, time.Duration) {
	if resp.Header.Rcode == wire.RcodeNameError {
		soaTTL, soaMin, ok := findSOA(resp.Authority)
		if !ok {
			return cache.NegativeNXDomain, negFloor
		}
		return cache.NegativeNXDomain, cache.NegativeTTL(soaTTL, soaMin, negFloor, negCeiling)
	}
	if resp.Header.Rcode == wire.RcodeSuccess && len(resp.Answer) == 0 {
		soaTTL, soaMin, ok := findSOA(resp.Authority)
		if !ok {
			return cache.NegativeNoData, negFloor
		}
		return cache.NegativeNoData, cache.NegativeTTL(soaTTL, soaMin, negFloor, negCeiling)
	}

	ttl := minTTLAcross(resp.Answer, resp.Authority)
	d := time.Duration(ttl) * time.Second
	if minTTL > 0 && d < minTTL {
		d = minTTL
	}
	if maxTTL > 0 && d > maxTTL {
		d = maxTTL
	}
	return cache.NegativeNone, d
}

func findSOA(rrs []wire.ResourceRecord) (ttl, minimum uint32, ok bool) {
	for _, rr := range rrs {
		if rr.Type != wire.TypeSOA {
			continue
		}
		if soa, isSOA := rr.Parsed.(wire.RDataSOA); isSOA {
			return rr.TTL, soa.Minimum, true
		}
	}
	return 0, 0, false
}

func minTTLAcross(sections ...[]wire.ResourceRecord) uint32 {
	min := uint32(0)
	have := false
	for _, section := range sections {
		for _, rr := range section {
			if !have || rr.TTL < min {
				min = rr.TTL
				have = true
			}
		}
	}
	if !have {
		return 0
	}
	return min
}

// respondFromCache synthesizes a response from a cache hit: a copy of the
// cached message with the querying client's transaction ID, TTLs
// decremented by elapsed time, and RD carried over from the client's
// query.
func (r *Resolver) respondFromCache(query *wire.Message, entry *cache.Entry) (*wire.Message, error) {
	entry.AccessCount.Add(1)
	entry.Hits.Add(1)

	cached, err := wire.Parse(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("resolver: corrupt cache entry: %w", err)
	}

	remaining := uint32(0)
	if d := time.Until(entry.ExpiresAt); d > 0 {
		remaining = uint32(d.Seconds())
	}
	decrementTTLs(cached, remaining)

	resp := r.finishResponse(query, cached)
	if entry.DNSSECValidated {
		resp.Header.AD = true
	}
	return resp, nil
}

func decrementTTLs(msg *wire.Message, newTTL uint32) {
	for i := range msg.Answer {
		msg.Answer[i].TTL = newTTL
	}
	for i := range msg.Authority {
		msg.Authority[i].TTL = newTTL
	}
}

// finishResponse stamps resp with query's transaction ID and question,
// and the RD/QR/AA=false flags a forwarding response always carries.
func (r *Resolver) finishResponse(query *wire.Message, resp *wire.Message) *wire.Message {
	resp.Header.ID = query.Header.ID
	resp.Header.QR = true
	resp.Header.RD = query.Header.RD
	resp.Header.RA = true
	resp.Header.AA = false
	if len(query.Question) > 0 {
		resp.Question = []wire.Question{query.Question[0]}
	}
	resp.Header.QDCount = uint16(len(resp.Question))
	resp.Header.ANCount = uint16(len(resp.Answer))
	resp.Header.NSCount = uint16(len(resp.Authority))
	resp.Header.ARCount = uint16(len(resp.Additional))
	return resp
}

// synthesizeBase builds an empty NOERROR response shell for a blocking
// verdict to mutate, preserving the client's question.
func synthesizeBase(query *wire.Message) *wire.Message {
	resp := &wire.Message{
		Header: wire.Header{
			ID:  query.Header.ID,
			QR:  true,
			RD:  query.Header.RD,
			RA:  true,
		},
	}
	if len(query.Question) > 0 {
		resp.Question = []wire.Question{query.Question[0]}
		resp.Header.QDCount = 1
	}
	return resp
}

func cloneMessage(msg *wire.Message) *wire.Message {
	cp := *msg
	cp.Answer = append([]wire.ResourceRecord(nil), msg.Answer...)
	cp.Authority = append([]wire.ResourceRecord(nil), msg.Authority...)
	cp.Additional = append([]wire.ResourceRecord(nil), msg.Additional...)
	cp.Question = append([]wire.Question(nil), msg.Question...)
	return &cp
}

// transactionID generates the ID for an upstream query.
func transactionID() uint16 {
	return random.TransactionID()
}

// liveKeyProvider implements dnssec.KeyProvider by side-querying DNSKEY
// and DS records for a zone through the same upstream-attempt machinery
// as the main query path, caching results for the lifetime of one
// Resolve call so a response signed by several RRSIGs over the same zone
// triggers at most one DNSKEY and one DS query.
type liveKeyProvider struct {
	r   *Resolver
	ctx context.Context

	mu    sync.Mutex
	cache map[string]dnssec.ZoneMaterial
}

func (r *Resolver) keyProviderFor(ctx context.Context) *liveKeyProvider {
	return &liveKeyProvider{r: r, ctx: ctx, cache: make(map[string]dnssec.ZoneMaterial)}
}

// Lookup implements dnssec.KeyProvider.
func (kp *liveKeyProvider) Lookup(zone wire.Name) (dnssec.ZoneMaterial, bool) {
	key := zone.String()

	kp.mu.Lock()
	if material, ok := kp.cache[key]; ok {
		kp.mu.Unlock()
		return material, true
	}
	kp.mu.Unlock()

	dnskeyRRs, dnskeyOK := kp.sideQuery(zone, wire.TypeDNSKEY)
	dsRRs, dsOK := kp.sideQuery(zone, wire.TypeDS)
	if !dnskeyOK {
		return dnssec.ZoneMaterial{}, false
	}

	material := dnssec.ZoneMaterial{DNSKEY: dnskeyRRs}
	if dsOK {
		material.DS = dsRRs
	}

	kp.mu.Lock()
	kp.cache[key] = material
	kp.mu.Unlock()
	return material, true
}

func (kp *liveKeyProvider) sideQuery(zone wire.Name, qtype uint16) ([]wire.ResourceRecord, bool) {
	r := kp.r
	outQuery, queryName := r.buildOutboundQuery(zone, qtype, wire.ClassIN, false, nil)
	resp, err := r.attemptUpstreams(kp.ctx, r.cfg.Upstreams, outQuery, queryName)
	if err != nil || resp.Header.Rcode != wire.RcodeSuccess {
		return nil, false
	}
	return resp.Answer, true
}
