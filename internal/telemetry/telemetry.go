// Package telemetry defines the internal Prometheus collectors Heimdall's
// components report through. No HTTP exposition is built here — spec.md
// section 1 places the metrics exporter and health endpoint out of scope
// as external collaborators; this package only gives those collaborators
// something real to scrape, the way the teacher's own `internal/pool`
// leaves a commented-out promauto import and poyrazK-cloudDNS's
// `internal/infrastructure/metrics` package wires promauto vectors
// directly into its request path.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts inbound queries by record type, response code and
	// transport protocol.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_queries_total",
		Help: "Total DNS queries handled, by qtype/rcode/protocol",
	}, []string{"qtype", "rcode", "protocol"})

	// QueryDuration measures end-to-end pipeline latency.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heimdall_query_duration_seconds",
		Help:    "Query processing duration from transport receipt to response",
		Buckets: prometheus.DefBuckets,
	}, []string{"protocol"})

	// CacheOperations counts cache hits/misses, split by L1/L2 and
	// positive/negative.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_cache_operations_total",
		Help: "Cache lookups, by tier and result",
	}, []string{"tier", "result"})

	// CacheSize reports the current number of live entries.
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_cache_entries",
		Help: "Number of entries currently held in the cache",
	})

	// NegativeCacheByKind counts negative cache insertions by kind
	// (NXDOMAIN/NODATA).
	NegativeCacheByKind = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_negative_cache_total",
		Help: "Negative cache entries created, by kind",
	}, []string{"kind"})

	// UpstreamRequests counts attempts per upstream server and outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_upstream_requests_total",
		Help: "Upstream query attempts, by server and outcome",
	}, []string{"server", "outcome"})

	// UpstreamRTT records observed round-trip time per upstream.
	UpstreamRTT = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heimdall_upstream_rtt_seconds",
		Help:    "Upstream round-trip time",
		Buckets: prometheus.DefBuckets,
	}, []string{"server"})

	// UpstreamHealthy reports 1 when an upstream is currently eligible for
	// selection, 0 otherwise.
	UpstreamHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "heimdall_upstream_healthy",
		Help: "1 if the upstream is healthy and selectable, 0 otherwise",
	}, []string{"server"})

	// RateLimitDecisions counts refuse/drop/slip outcomes by rate-limit
	// category (general, error, nxdomain, referral, nodata); allowed
	// queries are not counted.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_rate_limit_decisions_total",
		Help: "Rate limiter decisions, by category and action",
	}, []string{"category", "action"})

	// DNSSECOutcomes counts validation results.
	DNSSECOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_dnssec_outcomes_total",
		Help: "DNSSEC validation outcomes",
	}, []string{"result"})

	// InflightQueries reports the current number of deduplication slots
	// with at least one waiting subscriber.
	InflightQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_inflight_queries",
		Help: "Number of upstream queries currently deduplicated in flight",
	})

	// TruncatedResponses counts responses sent with TC=1: UDP responses
	// that exceeded the advertised size limit, and rate-limit slips.
	TruncatedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heimdall_truncated_responses_total",
		Help: "Responses sent with TC=1, for UDP size limits or rate-limit slip",
	})

	// BlockingActions counts RPZ/blocking-engine decisions by action.
	BlockingActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdall_blocking_actions_total",
		Help: "Blocking engine decisions, by action",
	}, []string{"action"})

	// SpoofingResistanceBits reports the combined transaction-ID and
	// source-port entropy outbound queries carry against off-path cache
	// poisoning (internal/random.Entropy). Set once at startup; it only
	// moves if the source port range changes.
	SpoofingResistanceBits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdall_spoofing_resistance_bits",
		Help: "Combined transaction ID and source port entropy bits against spoofed responses",
	})
)
