// Package config loads Heimdall's process-wide configuration into an
// immutable Snapshot and publishes it behind an atomic pointer, so the
// resolver pipeline can swap in a reloaded configuration without taking a
// lock on every query (spec.md section 5, "Configuration hot-reload").
package config

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is the complete, immutable configuration for one running
// instance. Once published, a Snapshot is never mutated in place — a
// reload builds a new Snapshot and swaps the pointer.
type Snapshot struct {
	// Listener addresses (spec.md section 6).
	BindAddr    string `yaml:"bind_addr"`
	DoTBindAddr string `yaml:"dot_bind_addr"`
	DoHBindAddr string `yaml:"doh_bind_addr"`

	// TLS material for DoT/DoH, required only when the respective bind
	// address is non-empty.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// Upstream resolution.
	UpstreamServers []string      `yaml:"upstream_servers"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	MaxTotalTime    time.Duration `yaml:"max_total_time"`

	// Caching.
	EnableCaching       bool          `yaml:"enable_caching"`
	MaxCacheSize        int           `yaml:"max_cache_size"`
	NegativeTTLFloor    time.Duration `yaml:"negative_ttl_floor"`
	NegativeTTLCeiling  time.Duration `yaml:"negative_ttl_ceiling"`
	MinTTL              time.Duration `yaml:"min_ttl"`
	MaxTTL              time.Duration `yaml:"max_ttl"`
	CacheFilePath       string        `yaml:"cache_file_path"`
	CacheSaveInterval   time.Duration `yaml:"cache_save_interval"`

	// Serve-stale (spec.md section 4.4): answer from an expired cache entry
	// while it is still within MaxStaleTTL of expiring, and refresh it in
	// the background via internal/worker rather than making the client
	// wait on a fresh upstream round trip.
	EnableStaleCache bool          `yaml:"enable_stale_cache"`
	MaxStaleTTL      time.Duration `yaml:"max_stale_ttl"`

	// Rate limiting.
	EnableRateLimiting    bool    `yaml:"enable_rate_limiting"`
	QueriesPerSecondPerIP float64 `yaml:"queries_per_second_per_ip"`
	GlobalQueriesPerSec   float64 `yaml:"global_queries_per_second"`
	ErrorQPS              float64 `yaml:"error_qps"`
	NXDomainQPS           float64 `yaml:"nxdomain_qps"`

	// Concurrency.
	WorkerThreads       int `yaml:"worker_threads"`
	BlockingThreads     int `yaml:"blocking_threads"`
	MaxConcurrentQuery  int `yaml:"max_concurrent_queries"`

	// Upstream fan-out.
	EnableParallelQueries bool `yaml:"enable_parallel_queries"`
	ParallelFanout        int  `yaml:"parallel_fanout"`

	// Iterative (referral-following) mode, disabled by default per spec.md
	// section 4.7.
	EnableIterative bool `yaml:"enable_iterative"`
	MaxIterations   int  `yaml:"max_iterations"`

	// DNSSEC.
	DNSSECEnabled bool `yaml:"dnssec_enabled"`
	DNSSECStrict  bool `yaml:"dnssec_strict"`

	// Query policy.
	RefuseAny            bool `yaml:"refuse_any"`
	RefuseAXFR           bool `yaml:"refuse_axfr"`
	RefuseUnknownOpcodes bool `yaml:"refuse_unknown_opcodes"`

	// Optional L2 cache backend (internal/cache.Backend).
	L2BackendURL string `yaml:"l2_backend_url"`

	// DNS Cookies (RFC 7873/9018), supplemented feature per SPEC_FULL.md C.
	Enable0x20        bool   `yaml:"enable_0x20"`
	EnableCookies     bool   `yaml:"enable_cookies"`
	CookiesRequired   bool   `yaml:"cookies_required"`
	ClusterSecret     string `yaml:"cluster_secret"`
	EnableScrubbing   bool   `yaml:"enable_scrubbing"`
	EnableQNAMEMin    bool   `yaml:"enable_qname_minimization"`

	// Access control.
	AllowedNets  []string `yaml:"allowed_nets"`
	DeniedNets   []string `yaml:"denied_nets"`
	DefaultAllow bool     `yaml:"default_allow"`
}

// Default returns the baseline configuration, following the same shape as
// the teacher's server.DefaultConfig: sane production defaults that a
// deployment then overrides via YAML and flags.
func Default() Snapshot {
	return Snapshot{
		BindAddr: ":53",

		UpstreamServers: []string{"1.1.1.1:53", "8.8.8.8:53"},
		UpstreamTimeout: 2 * time.Second,
		MaxRetries:      2,
		MaxTotalTime:    5 * time.Second,

		EnableCaching:      true,
		MaxCacheSize:       1_000_000,
		NegativeTTLFloor:   10 * time.Second,
		NegativeTTLCeiling: 1 * time.Hour,
		MinTTL:             0,
		MaxTTL:             24 * time.Hour,
		CacheSaveInterval:  5 * time.Minute,
		EnableStaleCache:   true,
		MaxStaleTTL:        1 * time.Hour,

		EnableRateLimiting:    true,
		QueriesPerSecondPerIP: 100,
		GlobalQueriesPerSec:   10_000,
		ErrorQPS:              5,
		NXDomainQPS:           5,

		WorkerThreads:      0, // 0 means runtime.NumCPU()*4, resolved by internal/worker
		BlockingThreads:    4,
		MaxConcurrentQuery: 10_000,

		EnableParallelQueries: false,
		ParallelFanout:        2,

		EnableIterative: false,
		MaxIterations:   20,

		DNSSECEnabled: false,
		DNSSECStrict:  false,

		RefuseAny:            false,
		RefuseAXFR:           true,
		RefuseUnknownOpcodes: true,

		Enable0x20:      true,
		EnableCookies:   true,
		CookiesRequired: false,

		DefaultAllow: true,
	}
}

// Load reads a YAML file at path and overlays it on top of Default(). A
// missing path is not an error — callers that pass "" (no -config flag)
// get the default configuration.
func Load(path string) (Snapshot, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Snapshot{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers flag.FlagSet overrides for the options cmd/heimdalld
// exposes on the command line, the way cmd/dnsscienced/main.go does for
// -udp/-tcp/-recursive. Call Apply after fs.Parse to layer the parsed
// values onto a loaded Snapshot.
type Flags struct {
	bindAddr      *string
	upstreams     *string
	dnssec        *bool
	dnssecStrict  *bool
	rateLimiting  *bool
	iterative     *bool
}

// BindFlags registers override flags on fs and returns a handle used to
// apply them after fs.Parse().
func BindFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		bindAddr:     fs.String("bind", "", "UDP/TCP listen address (overrides config file)"),
		upstreams:    fs.String("upstream", "", "comma-separated upstream servers (overrides config file)"),
		dnssec:       fs.Bool("dnssec", false, "enable DNSSEC validation"),
		dnssecStrict: fs.Bool("dnssec-strict", false, "replace Bogus responses with SERVFAIL"),
		rateLimiting: fs.Bool("ratelimit", true, "enable rate limiting"),
		iterative:    fs.Bool("iterative", false, "enable bounded referral-following resolution"),
	}
}

// Apply layers flag overrides on top of a loaded Snapshot and returns the
// merged result. A flag overrides only when it was explicitly passed on
// the command line (string flags also need a non-empty value), even if
// the passed value equals the flag's default; otherwise the file's value
// stays in place.
func (f *Flags) Apply(cfg Snapshot, fs *flag.FlagSet) Snapshot {
	visited := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { visited[fl.Name] = true })

	if visited["bind"] && *f.bindAddr != "" {
		cfg.BindAddr = *f.bindAddr
	}
	if visited["upstream"] && *f.upstreams != "" {
		cfg.UpstreamServers = splitCSV(*f.upstreams)
	}
	if visited["dnssec"] {
		cfg.DNSSECEnabled = *f.dnssec
	}
	if visited["dnssec-strict"] {
		cfg.DNSSECStrict = *f.dnssecStrict
	}
	if visited["ratelimit"] {
		cfg.EnableRateLimiting = *f.rateLimiting
	}
	if visited["iterative"] {
		cfg.EnableIterative = *f.iterative
	}
	return cfg
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Store publishes Snapshots behind an atomic pointer so pipeline code can
// load the current configuration without locking (spec.md section 5 /
// section 3 "Ownership").
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore creates a Store already holding initial.
func NewStore(initial Snapshot) *Store {
	s := &Store{}
	s.ptr.Store(&initial)
	return s
}

// Get returns the currently published Snapshot. Safe for concurrent use;
// never blocks.
func (s *Store) Get() Snapshot {
	return *s.ptr.Load()
}

// Swap publishes a new Snapshot, replacing whatever was there. Existing
// holders of the old Snapshot value (it was returned by value from Get)
// keep observing it unchanged — this is what makes "never mutate a live
// snapshot" hold without a lock.
func (s *Store) Swap(next Snapshot) {
	s.ptr.Store(&next)
}

// Reload re-reads path and swaps the result in. Returns the new Snapshot.
func (s *Store) Reload(path string) (Snapshot, error) {
	cfg, err := Load(path)
	if err != nil {
		return Snapshot{}, err
	}
	s.Swap(cfg)
	return cfg, nil
}
