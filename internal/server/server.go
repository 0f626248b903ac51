// Package server assembles Heimdall's components — validation, access
// control, rate limiting, blocking, caching and resolution — into one
// query pipeline (spec.md section 4.7's handler, "every inbound query
// receives exactly one response or is dropped explicitly") and exposes
// it as a transport.Handler so every listener in internal/transport
// shares identical policy. It owns the component lifecycle: construction
// from a config.Snapshot, starting/stopping the configured listeners, and
// graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dnsscience/heimdall/internal/acl"
	"github.com/dnsscience/heimdall/internal/blocking"
	"github.com/dnsscience/heimdall/internal/cache"
	"github.com/dnsscience/heimdall/internal/config"
	"github.com/dnsscience/heimdall/internal/connpool"
	"github.com/dnsscience/heimdall/internal/cookie"
	"github.com/dnsscience/heimdall/internal/dnssec"
	"github.com/dnsscience/heimdall/internal/eventbus"
	"github.com/dnsscience/heimdall/internal/health"
	"github.com/dnsscience/heimdall/internal/random"
	"github.com/dnsscience/heimdall/internal/ratelimit"
	"github.com/dnsscience/heimdall/internal/resolver"
	"github.com/dnsscience/heimdall/internal/telemetry"
	"github.com/dnsscience/heimdall/internal/transport"
	"github.com/dnsscience/heimdall/internal/validate"
	"github.com/dnsscience/heimdall/internal/wire"
	"github.com/dnsscience/heimdall/internal/worker"
)

// Server wires the pipeline and owns every listener configured in its
// config.Snapshot.
type Server struct {
	cfg config.Snapshot

	policy    validate.Policy
	acl       *acl.ACL
	limiter   *ratelimit.Limiter
	blocker   *blocking.Engine
	resolver  *resolver.Resolver
	cache     *cache.Cache
	cookies   *cookie.Manager
	events    *eventbus.Bus
	refresh   *worker.Pool

	udp *transport.UDPListener
	tcp *transport.TCPListener
	dot *transport.DoTListener
	doh *transport.DoHListener

	queries  atomic.Uint64
	answers  atomic.Uint64
	errors   atomic.Uint64
	nxdomain atomic.Uint64
	refused  atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.Mutex
	running bool
}

// New assembles a Server from cfg. blocker and validator may be nil
// (disables blocklist enforcement and DNSSEC validation respectively);
// callers build them separately since both need data (zone files, trust
// anchors) this package has no opinion on loading.
func New(cfg config.Snapshot, blocker *blocking.Engine, validator *dnssec.Validator) (*Server, error) {
	telemetry.SpoofingResistanceBits.Set(random.Entropy())

	c := cache.New(cache.Options{
		Main: cache.Config{
			MaxEntries:     cfg.MaxCacheSize,
			ValidationMode: validationModeFor(cfg),
			ServeStale:     cfg.EnableStaleCache,
			MaxStaleTTL:    cfg.MaxStaleTTL,
			StaleRefresh:   cfg.EnableStaleCache,
		},
	})

	var refreshPool *worker.Pool
	if cfg.EnableStaleCache {
		refreshPool = worker.NewPool(worker.Config{
			Name:    "resolver-stale-refresh",
			Workers: cfg.WorkerThreads,
		})
	}

	var cookies *cookie.Manager
	if cfg.EnableCookies {
		var err error
		cookies, err = cookie.NewManager(cookie.Config{
			Enabled:       true,
			RequireValid:  cfg.CookiesRequired,
			ClusterSecret: []byte(cfg.ClusterSecret),
		})
		if err != nil {
			return nil, fmt.Errorf("server: init cookies: %w", err)
		}
	}

	mode := resolver.ModeSequential
	if cfg.EnableParallelQueries {
		mode = resolver.ModeParallelFanout
	}

	events := eventbus.New(64)

	res := resolver.New(resolver.Config{
		Upstreams:           cfg.UpstreamServers,
		Mode:                mode,
		FanoutCount:         cfg.ParallelFanout,
		MaxRetries:          cfg.MaxRetries,
		Timeout:             cfg.UpstreamTimeout,
		MinTTL:              cfg.MinTTL,
		MaxTTL:              cfg.MaxTTL,
		NegativeTTLFloor:    cfg.NegativeTTLFloor,
		NegativeTTLCeiling:  cfg.NegativeTTLCeiling,
		Enable0x20:          cfg.Enable0x20,
		EnableCookies:       cfg.EnableCookies,
		CookiesRequired:     cfg.CookiesRequired,
		EnableScrubbing:     cfg.EnableScrubbing,
		EnableIterative:     cfg.EnableIterative,
		MaxIterations:       cfg.MaxIterations,
	}, c, health.NewTracker(3), connpool.New(connpool.DefaultConfig()), cookies, validator, blocker, refreshPool, events, nil)

	a := acl.New(cfg.DefaultAllow)
	for _, n := range cfg.AllowedNets {
		if err := a.AllowNet(n); err != nil {
			return nil, fmt.Errorf("server: allowed_nets %q: %w", n, err)
		}
	}
	for _, n := range cfg.DeniedNets {
		if err := a.DenyNet(n); err != nil {
			return nil, fmt.Errorf("server: denied_nets %q: %w", n, err)
		}
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.Enabled = cfg.EnableRateLimiting
	rlCfg.QueriesPerSecondPerIP = cfg.QueriesPerSecondPerIP
	rlCfg.BurstPerIP = int(cfg.QueriesPerSecondPerIP * 2)
	rlCfg.GlobalQueriesPerSec = cfg.GlobalQueriesPerSec
	rlCfg.GlobalBurst = int(cfg.GlobalQueriesPerSec * 2)
	rlCfg.ErrorQPS = int(cfg.ErrorQPS)
	rlCfg.NXDomainQPS = int(cfg.NXDomainQPS)
	rlCfg.ReferralQPS = int(cfg.NXDomainQPS)
	rlCfg.NodataQPS = int(cfg.NXDomainQPS)
	limiter := ratelimit.New(rlCfg)

	s := &Server{
		cfg: cfg,
		policy: validate.Policy{
			RefuseZoneTransfer: cfg.RefuseAXFR,
			RefuseANY:          cfg.RefuseAny,
		},
		acl:      a,
		limiter:  limiter,
		blocker:  blocker,
		resolver: res,
		cache:    c,
		cookies:  cookies,
		events:   events,
		refresh:  refreshPool,
	}

	s.udp = transport.NewUDPListener(transport.UDPConfig{Address: cfg.BindAddr}, transport.HandlerFunc(s.HandleDNS))
	s.tcp = transport.NewTCPListener(transport.TCPConfig{Address: cfg.BindAddr}, transport.HandlerFunc(s.HandleDNS))

	if cfg.DoTBindAddr != "" {
		dot, err := transport.NewDoTListener(transport.DoTConfig{
			Address:  cfg.DoTBindAddr,
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		}, transport.HandlerFunc(s.HandleDNS))
		if err != nil {
			return nil, fmt.Errorf("server: init dot listener: %w", err)
		}
		s.dot = dot
	}

	if cfg.DoHBindAddr != "" {
		doh, err := transport.NewDoHListener(transport.DoHConfig{
			Address:  cfg.DoHBindAddr,
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		}, transport.HandlerFunc(s.HandleDNS))
		if err != nil {
			return nil, fmt.Errorf("server: init doh listener: %w", err)
		}
		s.doh = doh
	}

	return s, nil
}

func validationModeFor(cfg config.Snapshot) cache.ValidationMode {
	switch {
	case !cfg.DNSSECEnabled:
		return cache.ValidationModePass
	case cfg.DNSSECStrict:
		return cache.ValidationModeEnforced
	default:
		return cache.ValidationModeLogOnly
	}
}

// Start brings up every configured listener. UDP and TCP always start;
// DoT/DoH only if their bind addresses were set.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server: already running")
	}

	if err := s.udp.Start(); err != nil {
		return fmt.Errorf("server: start udp: %w", err)
	}
	if err := s.tcp.Start(); err != nil {
		s.udp.Stop()
		return fmt.Errorf("server: start tcp: %w", err)
	}
	if s.dot != nil {
		if err := s.dot.Start(); err != nil {
			s.udp.Stop()
			s.tcp.Stop()
			return fmt.Errorf("server: start dot: %w", err)
		}
	}
	if s.doh != nil {
		if err := s.doh.Start(); err != nil {
			s.udp.Stop()
			s.tcp.Stop()
			if s.dot != nil {
				s.dot.Stop()
			}
			return fmt.Errorf("server: start doh: %w", err)
		}
	}

	s.running = true
	s.events.Publish(context.Background(), eventbus.TopicServer, eventbus.ServerEvent{State: "started"})
	return nil
}

// Events returns the server's event bus, for subscribers (an admin
// surface, a health probe) that want to react to lifecycle and
// query-outcome events without polling GetStats.
func (s *Server) Events() *eventbus.Bus {
	return s.events
}

// Stop gracefully shuts down every listener and the rate limiter's
// background sweep.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.udp.Stop())
	record(s.tcp.Stop())
	if s.dot != nil {
		record(s.dot.Stop())
	}
	if s.doh != nil {
		record(s.doh.Stop())
	}

	s.limiter.Close()
	if s.refresh != nil {
		s.refresh.CloseTimeout(5 * time.Second)
	}
	s.running = false
	s.events.Publish(context.Background(), eventbus.TopicServer, eventbus.ServerEvent{State: "stopped"})
	return firstErr
}

// HandleDNS implements transport.Handler: access-control, validate,
// rate-limit, then resolve. This is the single pipeline every listener
// in internal/transport calls into.
func (s *Server) HandleDNS(ctx context.Context, query *wire.Message, clientIP net.IP, querySize int) (*wire.Message, error) {
	start := time.Now()
	protocol := transport.ProtocolFromContext(ctx)
	qtype := "unknown"
	if len(query.Question) > 0 {
		qtype = qtypeLabel(query.Question[0].Type)
	}
	defer func() {
		telemetry.QueryDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	}()
	recordQuery := func(rcode uint8) {
		telemetry.QueriesTotal.WithLabelValues(qtype, rcodeLabel(rcode), protocol).Inc()
	}

	s.queries.Add(1)

	if !s.acl.IsAllowed(clientIP) {
		s.refused.Add(1)
		recordQuery(wire.RcodeRefused)
		return refusal(query), nil
	}

	verdict := validate.Validate(query, s.policy, querySize)
	if !verdict.OK {
		s.errors.Add(1)
		recordQuery(verdict.Rcode)
		return rcodeResponse(query, verdict.Rcode), nil
	}

	switch s.limiter.AllowGeneral(clientIP) {
	case ratelimit.ActionRefuse:
		s.refused.Add(1)
		telemetry.RateLimitDecisions.WithLabelValues("general", "refuse").Inc()
		recordQuery(wire.RcodeRefused)
		return refusal(query), nil
	case ratelimit.ActionDrop:
		s.dropped.Add(1)
		telemetry.RateLimitDecisions.WithLabelValues("general", "drop").Inc()
		return nil, nil
	}

	resp, err := s.resolver.Resolve(ctx, query, clientIP)
	if err != nil {
		if errors.Is(err, resolver.ErrDrop) {
			s.dropped.Add(1)
			telemetry.BlockingActions.WithLabelValues("drop").Inc()
			s.events.Publish(ctx, eventbus.TopicZone, eventbus.ZoneEvent{Name: q0Name(query), Action: "drop"})
			return nil, nil
		}
		s.errors.Add(1)
		return nil, err
	}

	q := query.Question[0]
	category := ratelimit.CategorizeResponse(uint16(resp.Header.Rcode), len(resp.Answer), len(resp.Authority))
	switch s.limiter.CheckCategory(clientIP, q.Name.String(), q.Type, category) {
	case ratelimit.ActionDrop:
		s.dropped.Add(1)
		telemetry.RateLimitDecisions.WithLabelValues(category.String(), "drop").Inc()
		return nil, nil
	case ratelimit.ActionSlip:
		resp = truncate(query, resp)
		telemetry.RateLimitDecisions.WithLabelValues(category.String(), "slip").Inc()
		telemetry.TruncatedResponses.Inc()
	}

	s.answers.Add(1)
	if resp.Header.Rcode == wire.RcodeNameError {
		s.nxdomain.Add(1)
	}
	recordQuery(resp.Header.Rcode)
	return resp, nil
}

// qtypeNames/rcodeNames give metric labels readable names for the common
// cases; anything else falls back to its numeric value so a label never
// silently vanishes when a new type shows up.
var qtypeNames = map[uint16]string{
	wire.TypeA: "A", wire.TypeNS: "NS", wire.TypeCNAME: "CNAME", wire.TypeSOA: "SOA",
	wire.TypePTR: "PTR", wire.TypeMX: "MX", wire.TypeTXT: "TXT", wire.TypeAAAA: "AAAA",
	wire.TypeSRV: "SRV", wire.TypeNAPTR: "NAPTR", wire.TypeDS: "DS", wire.TypeSSHFP: "SSHFP",
	wire.TypeRRSIG: "RRSIG", wire.TypeNSEC: "NSEC", wire.TypeDNSKEY: "DNSKEY",
	wire.TypeNSEC3: "NSEC3", wire.TypeNSEC3PARAM: "NSEC3PARAM", wire.TypeTLSA: "TLSA",
	wire.TypeCAA: "CAA", wire.TypeAXFR: "AXFR", wire.TypeANY: "ANY",
}

func qtypeLabel(t uint16) string {
	if name, ok := qtypeNames[t]; ok {
		return name
	}
	return strconv.Itoa(int(t))
}

var rcodeNames = map[uint8]string{
	wire.RcodeSuccess: "NOERROR", wire.RcodeFormatError: "FORMERR",
	wire.RcodeServerFailure: "SERVFAIL", wire.RcodeNameError: "NXDOMAIN",
	wire.RcodeNotImplemented: "NOTIMP", wire.RcodeRefused: "REFUSED",
}

func rcodeLabel(r uint8) string {
	if name, ok := rcodeNames[r]; ok {
		return name
	}
	return strconv.Itoa(int(r))
}

// q0Name returns the queried name as a string, or "" if the query somehow
// carries no question (already rejected by validate.Validate by this
// point in the pipeline, but this helper is also reached from code paths
// that don't re-check).
func q0Name(query *wire.Message) string {
	if len(query.Question) == 0 {
		return ""
	}
	return query.Question[0].Name.String()
}

func refusal(query *wire.Message) *wire.Message {
	return rcodeResponse(query, wire.RcodeRefused)
}

func rcodeResponse(query *wire.Message, rcode uint8) *wire.Message {
	resp := &wire.Message{
		Header: wire.Header{
			ID:    query.Header.ID,
			QR:    true,
			RD:    query.Header.RD,
			RA:    true,
			Rcode: rcode,
		},
	}
	if len(query.Question) > 0 {
		resp.Question = []wire.Question{query.Question[0]}
		resp.Header.QDCount = 1
	}
	return resp
}

// truncate turns resp into a bare TC response for the ratelimit ActionSlip
// tunable: the client retries over TCP, at which point category limits no
// longer apply (spec.md's stream transports never set TC).
func truncate(query *wire.Message, resp *wire.Message) *wire.Message {
	out := rcodeResponse(query, resp.Header.Rcode)
	out.Header.TC = true
	return out
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Queries  uint64
	Answers  uint64
	Errors   uint64
	Refused  uint64
	Dropped  uint64
	NXDOMAIN uint64

	RateLimit ratelimit.Stats
}

// GetStats returns current counters.
func (s *Server) GetStats() Stats {
	return Stats{
		Queries:   s.queries.Load(),
		Answers:   s.answers.Load(),
		Errors:    s.errors.Load(),
		Refused:   s.refused.Load(),
		Dropped:   s.dropped.Load(),
		NXDOMAIN:  s.nxdomain.Load(),
		RateLimit: s.limiter.GetStats(),
	}
}
