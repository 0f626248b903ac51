package resolver

import (
	"context"
	"fmt"

	"github.com/dnsscience/heimdall/internal/wire"
)

// defaultRootHints are IANA's published root server addresses, the same
// list recursive.go hardcodes; used when Config.RootHints is empty.
var defaultRootHints = []string{
	"198.41.0.4:53", "199.9.14.201:53", "192.33.4.12:53", "199.7.91.13:53",
	"192.203.230.10:53", "192.5.5.241:53", "192.112.36.4:53", "198.97.190.53:53",
	"192.36.148.17:53", "192.58.128.30:53", "193.0.14.129:53", "199.7.83.42:53",
	"202.12.27.33:53",
}

// ErrMaxIterations is returned when a referral chain runs past
// Config.MaxIterations without reaching an answer.
var ErrMaxIterations = fmt.Errorf("resolver: exceeded max iterations following referrals")

// resolveIterative answers a query by walking the delegation chain from
// the root itself rather than forwarding to a configured set of
// upstreams, per spec.md section 4.7's optional iterative mode.
// Grounded on the teacher's Recursive.resolveIterative / queryNameserver,
// adapted onto this module's wire codec, connection pool and health
// tracker instead of miekg/dns + ad hoc net.Dial.
func (r *Resolver) resolveIterative(ctx context.Context, name wire.Name, qtype, qclass uint16) (*wire.Message, error) {
	servers := r.cfg.RootHints
	if len(servers) == 0 {
		servers = defaultRootHints
	}

	maxIter := r.cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 24
	}

	currentName := name
	seenCNAMEs := make(map[string]bool)

	for iter := 0; iter < maxIter; iter++ {
		outQuery, queryName := r.buildOutboundQuery(currentName, qtype, qclass, false, nil)

		resp, err := r.attemptUpstreams(ctx, servers, outQuery, queryName)
		if err != nil {
			return nil, err
		}

		if resp.Header.Rcode != wire.RcodeSuccess {
			return resp, nil
		}

		if answer, ok := matchingAnswer(resp, currentName, qtype); ok {
			if qtype != wire.TypeCNAME && len(answer) > 0 {
				if cname, isCNAME := lastCNAME(answer); isCNAME {
					key := cname.String()
					if seenCNAMEs[key] {
						return resp, nil
					}
					seenCNAMEs[key] = true
					currentName = cname
					continue
				}
			}
			return resp, nil
		}

		next, ok := nextNameservers(resp)
		if !ok || len(next) == 0 {
			return resp, nil
		}
		servers = next
	}

	return nil, ErrMaxIterations
}

// matchingAnswer reports whether resp's answer section directly answers
// name/qtype (ignoring CNAME chase, handled by the caller).
func matchingAnswer(resp *wire.Message, name wire.Name, qtype uint16) ([]wire.ResourceRecord, bool) {
	if len(resp.Answer) == 0 {
		return nil, false
	}
	for _, rr := range resp.Answer {
		if rr.Name.Equal(name) && (rr.Type == qtype || rr.Type == wire.TypeCNAME) {
			return resp.Answer, true
		}
	}
	return nil, false
}

func lastCNAME(rrs []wire.ResourceRecord) (wire.Name, bool) {
	for i := len(rrs) - 1; i >= 0; i-- {
		if rrs[i].Type == wire.TypeCNAME {
			if target, ok := rrs[i].Parsed.(wire.RDataCNAME); ok {
				return target.Target, true
			}
		}
	}
	return wire.RootName, false
}

// nextNameservers extracts the referral's nameserver addresses from a
// response's additional section (glue records), falling back to nothing
// when glue is absent — a caller receiving no usable glue has no address
// to continue the walk with and must give up rather than issue a fresh
// lookup for the NS's own name, which would recurse without bound.
func nextNameservers(resp *wire.Message) ([]string, bool) {
	if len(resp.Authority) == 0 {
		return nil, false
	}
	nsNames := make(map[string]bool)
	for _, rr := range resp.Authority {
		if rr.Type != wire.TypeNS {
			continue
		}
		if ns, ok := rr.Parsed.(wire.RDataNS); ok {
			nsNames[ns.Target.Canonical().String()] = true
		}
	}
	if len(nsNames) == 0 {
		return nil, false
	}

	var addrs []string
	for _, rr := range resp.Additional {
		if rr.Type != wire.TypeA && rr.Type != wire.TypeAAAA {
			continue
		}
		if !nsNames[rr.Name.Canonical().String()] {
			continue
		}
		switch v := rr.Parsed.(type) {
		case wire.RDataA:
			addrs = append(addrs, v.IP.String()+":53")
		case wire.RDataAAAA:
			addrs = append(addrs, "["+v.IP.String()+"]:53")
		}
	}
	if len(addrs) == 0 {
		return nil, false
	}
	return addrs, true
}
