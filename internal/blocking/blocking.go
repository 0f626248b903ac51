// Package blocking implements Response Policy Zone (RPZ) style query
// filtering behind the resolver's out-of-scope blocking.lookup(name)
// collaborator interface. A Zone holds an ordered set of trigger rules
// (exact names and wildcard suffixes); an Engine aggregates zones in
// priority order, first match wins.
package blocking

import (
	"sync"
	"sync/atomic"

	"github.com/dnsscience/heimdall/internal/wire"
)

// Action is what a matched rule tells the resolver to do instead of
// forwarding the query upstream.
type Action int

const (
	// ActionNone means no rule matched; the caller should resolve normally.
	ActionNone Action = iota
	// ActionNXDomain synthesizes an NXDOMAIN response.
	ActionNXDomain
	// ActionNoData synthesizes a NOERROR/no-answer response.
	ActionNoData
	// ActionRefused synthesizes a REFUSED response.
	ActionRefused
	// ActionZeroIP rewrites A/AAAA answers to 0.0.0.0 / ::.
	ActionZeroIP
	// ActionCustomIP rewrites A/AAAA answers to an operator-supplied address.
	ActionCustomIP
	// ActionPassthru forces the query through untouched even if a less
	// specific rule elsewhere in the zone set would otherwise match.
	ActionPassthru
	// ActionDrop tells the caller to silently discard the query, sending
	// no response at all.
	ActionDrop
	// ActionRewrite replaces the answer with a CNAME to RewriteTarget.
	ActionRewrite
)

func (a Action) String() string {
	switch a {
	case ActionNXDomain:
		return "nxdomain"
	case ActionNoData:
		return "nodata"
	case ActionRefused:
		return "refused"
	case ActionZeroIP:
		return "zero_ip"
	case ActionCustomIP:
		return "custom_ip"
	case ActionPassthru:
		return "passthru"
	case ActionDrop:
		return "drop"
	case ActionRewrite:
		return "rewrite"
	default:
		return "none"
	}
}

// Verdict is the result of a lookup: the matched Action plus any data it
// needs to synthesize a response (the replacement address for
// ActionCustomIP, the zone name for stats/logging).
type Verdict struct {
	Action        Action
	CustomIP      []byte
	RewriteTarget wire.Name
	Zone          string
}

// Rule is a single trigger within a Zone.
type Rule struct {
	Action        Action
	CustomIP      []byte
	RewriteTarget wire.Name
}

// Zone is one RPZ-style policy zone: an exact-match table plus a table of
// wildcard suffixes. A wildcard registered for base "ads.example.com."
// matches that name itself and every descendant of it.
type Zone struct {
	name    string
	mu      sync.RWMutex
	exact   map[string]Rule
	wild    map[string]Rule
	enabled atomic.Bool
	hits    atomic.Uint64
}

// NewZone creates an empty, enabled zone named name (used only for
// logging/stats, not matched against queries).
func NewZone(name string) *Zone {
	z := &Zone{
		name:  name,
		exact: make(map[string]Rule),
		wild:  make(map[string]Rule),
	}
	z.enabled.Store(true)
	return z
}

// Name returns the zone's label.
func (z *Zone) Name() string { return z.name }

// AddExact registers an exact-match trigger.
func (z *Zone) AddExact(trigger wire.Name, action Action) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.exact[trigger.Canonical().String()] = Rule{Action: action}
}

// AddCustomIP registers an exact-match trigger that rewrites answers to ip.
func (z *Zone) AddCustomIP(trigger wire.Name, ip []byte) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.exact[trigger.Canonical().String()] = Rule{Action: ActionCustomIP, CustomIP: ip}
}

// AddWildcard registers a trigger matching base and every subdomain of
// base, short of an exact entry taking precedence.
func (z *Zone) AddWildcard(base wire.Name, action Action) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.wild[base.Canonical().String()] = Rule{Action: action}
}

// AddRewriteRule registers an exact-match trigger that synthesizes a CNAME
// to target instead of blocking the query outright.
func (z *Zone) AddRewriteRule(trigger, target wire.Name) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.exact[trigger.Canonical().String()] = Rule{Action: ActionRewrite, RewriteTarget: target}
}

// AddPassthru registers a trigger that always resolves normally, used to
// carve an exception out of a broader wildcard in the same or a
// lower-priority zone.
func (z *Zone) AddPassthru(trigger wire.Name) {
	z.AddExact(trigger, ActionPassthru)
}

// Enable/Disable toggle whether Check ever reports a match for this zone,
// without discarding its rule set.
func (z *Zone) Enable()  { z.enabled.Store(true) }
func (z *Zone) Disable() { z.enabled.Store(false) }

// Clear removes every rule from the zone.
func (z *Zone) Clear() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.exact = make(map[string]Rule)
	z.wild = make(map[string]Rule)
}

// Hits returns the number of times Check has matched a rule in this zone.
func (z *Zone) Hits() uint64 { return z.hits.Load() }

// Check looks up name against this zone's rules: an exact match wins over
// any wildcard, and among wildcards the longest (most specific) matching
// base wins. Returns ok=false if nothing matched or the zone is disabled.
func (z *Zone) Check(name wire.Name) (Rule, bool) {
	if !z.enabled.Load() {
		return Rule{}, false
	}
	name = name.Canonical()

	z.mu.RLock()
	defer z.mu.RUnlock()

	if r, ok := z.exact[name.String()]; ok {
		z.hits.Add(1)
		return r, true
	}

	best := -1
	var bestRule Rule
	for n := name; ; n = n.Parent() {
		if r, ok := z.wild[n.String()]; ok {
			if n.LabelCount() > best {
				best = n.LabelCount()
				bestRule = r
			}
		}
		if n.IsRoot() {
			break
		}
	}
	if best >= 0 {
		z.hits.Add(1)
		return bestRule, true
	}
	return Rule{}, false
}

// Engine aggregates zones in priority order: the first zone whose Check
// reports a match wins, including an ActionPassthru match, which stops
// evaluation of any lower-priority zone that might otherwise have matched.
type Engine struct {
	mu    sync.RWMutex
	zones []*Zone
}

// NewEngine returns an Engine with no zones loaded.
func NewEngine() *Engine {
	return &Engine{}
}

// AddZone appends z to the end of the priority order (lowest priority).
func (e *Engine) AddZone(z *Zone) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zones = append(e.zones, z)
}

// Lookup implements the blocking.lookup(name) -> Option<Action> interface
// spec.md §9 defines but leaves unspecified: it is consulted by the
// resolver before upstream dispatch, ahead of cache and health-tracked
// forwarding. Returns Verdict{Action: ActionNone} when no zone matches,
// which the resolver treats as "proceed normally".
func (e *Engine) Lookup(name wire.Name) Verdict {
	e.mu.RLock()
	zones := e.zones
	e.mu.RUnlock()

	for _, z := range zones {
		if r, ok := z.Check(name); ok {
			return Verdict{Action: r.Action, CustomIP: r.CustomIP, RewriteTarget: r.RewriteTarget, Zone: z.Name()}
		}
	}
	return Verdict{Action: ActionNone}
}

// Apply rewrites resp in place to reflect verdict, mirroring the
// resolver's ordinary response-synthesis path so a blocked answer looks
// no different on the wire than a real negative or rewritten response.
// qtype is the original question's type, needed to decide whether an
// ActionZeroIP/ActionCustomIP rewrite applies to this answer at all (a
// blocked MX or TXT query has no sensible IP rewrite and falls back to
// NODATA). ActionPassthru and ActionDrop are not handled here: passthru
// means "resolve as if Lookup had returned ActionNone" and drop means
// "send nothing", both decided by the resolver before a response exists
// to rewrite.
func Apply(verdict Verdict, qname wire.Name, qtype uint16, resp *wire.Message) {
	switch verdict.Action {
	case ActionNXDomain:
		resp.Header.Rcode = wire.RcodeNameError
		resp.Answer = nil
		resp.Authority = nil
		resp.Additional = nil
	case ActionNoData:
		resp.Answer = nil
	case ActionRefused:
		resp.Header.Rcode = wire.RcodeRefused
		resp.Answer = nil
	case ActionRewrite:
		resp.Answer = []wire.ResourceRecord{{
			Name:   qname,
			Type:   wire.TypeCNAME,
			Class:  wire.ClassIN,
			TTL:    300,
			Parsed: wire.RDataCNAME{Target: verdict.RewriteTarget},
		}}
	case ActionZeroIP, ActionCustomIP:
		ip := verdict.CustomIP
		switch qtype {
		case wire.TypeA:
			if len(ip) == 0 || len(ip) == 4 {
				resp.Answer = []wire.ResourceRecord{zeroOrCustomA(qname, ip)}
				return
			}
			resp.Answer = nil
		case wire.TypeAAAA:
			if len(ip) == 16 {
				resp.Answer = []wire.ResourceRecord{zeroOrCustomAAAA(qname, ip)}
				return
			}
			if len(ip) == 0 {
				resp.Answer = []wire.ResourceRecord{zeroOrCustomAAAA(qname, make([]byte, 16))}
				return
			}
			resp.Answer = nil
		default:
			resp.Answer = nil
		}
	}
}

func zeroOrCustomA(name wire.Name, ip []byte) wire.ResourceRecord {
	addr := ip
	if len(addr) == 0 {
		addr = []byte{0, 0, 0, 0}
	}
	return wire.ResourceRecord{
		Name:   name,
		Type:   wire.TypeA,
		Class:  wire.ClassIN,
		TTL:    0,
		Parsed: wire.RDataA{IP: addr},
	}
}

func zeroOrCustomAAAA(name wire.Name, ip []byte) wire.ResourceRecord {
	return wire.ResourceRecord{
		Name:   name,
		Type:   wire.TypeAAAA,
		Class:  wire.ClassIN,
		TTL:    0,
		Parsed: wire.RDataAAAA{IP: ip},
	}
}
