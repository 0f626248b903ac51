// Package security implements resolver hardening that spec.md mentions only
// glancingly (0x20 encoding is implied by "amplification probes" in
// section 4.3) but the teacher's internal/engine/security.go carries in
// full: 0x20 query-case randomization, out-of-bailiwick response
// scrubbing, glue hardening and QNAME minimization. Ported onto
// internal/wire types in place of miekg/dns's Msg/RR.
package security

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/dnsscience/heimdall/internal/wire"
)

// Apply0x20 returns a copy of name with the case of each ASCII letter
// randomized, per the 0x20 encoding technique
// (draft-vixie-dnsext-dns0x20-00). Randomizing case before sending a query
// upstream gives the resolver extra entropy to check the response against,
// on top of the transaction ID and source port.
func Apply0x20(name wire.Name) wire.Name {
	out := make([][]byte, len(name.Labels))
	for i, label := range name.Labels {
		randomized := make([]byte, len(label))
		for j, c := range label {
			switch {
			case c >= 'a' && c <= 'z':
				if randomBool() {
					c -= 32
				}
			case c >= 'A' && c <= 'Z':
				if randomBool() {
					c += 32
				}
			}
			randomized[j] = c
		}
		out[i] = randomized
	}
	return wire.Name{Labels: out}
}

// Validate0x20Response reports whether responseName preserves the exact
// case Apply0x20 sent in queryName. A mismatch is evidence the response
// did not originate from the queried upstream (off-path spoofing).
func Validate0x20Response(queryName, responseName wire.Name) bool {
	if len(queryName.Labels) != len(responseName.Labels) {
		return false
	}
	for i := range queryName.Labels {
		if !bytesEqualExact(queryName.Labels[i], responseName.Labels[i]) {
			return false
		}
	}
	return true
}

func bytesEqualExact(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func randomBool() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return false
	}
	return n.Int64() == 1
}

// ScrubResponse drops authority and additional records that fall outside
// zone's bailiwick, in place, hardening against cache poisoning via
// unsolicited glue. OPT pseudo-records are always kept regardless of
// bailiwick since they carry no owner-name semantics worth filtering.
func ScrubResponse(msg *wire.Message, zone wire.Name) {
	if msg == nil {
		return
	}
	msg.Authority = filterInBailiwick(msg.Authority, zone)
	msg.Additional = filterInBailiwick(msg.Additional, zone)
}

func filterInBailiwick(rrs []wire.ResourceRecord, zone wire.Name) []wire.ResourceRecord {
	filtered := rrs[:0:0]
	for _, rr := range rrs {
		if rr.Type == wire.TypeOPT || IsInBailiwick(rr.Name, zone) {
			filtered = append(filtered, rr)
		}
	}
	return filtered
}

// IsInBailiwick reports whether name is zone or a descendant of zone.
func IsInBailiwick(name, zone wire.Name) bool {
	return name.IsSubdomainOf(zone)
}

// HardenGlue filters glueRecords to only those whose owner name is one of
// nsNames and lies within delegatedZone's bailiwick — an A/AAAA record
// that claims to be glue for a nameserver it doesn't actually belong to,
// or that sits outside the delegation, is dropped.
func HardenGlue(glueRecords []wire.ResourceRecord, delegatedZone wire.Name, nsNames []wire.Name) []wire.ResourceRecord {
	nsSet := make(map[string]struct{}, len(nsNames))
	for _, ns := range nsNames {
		nsSet[canonicalKey(ns)] = struct{}{}
	}

	hardened := glueRecords[:0:0]
	for _, rr := range glueRecords {
		if _, ok := nsSet[canonicalKey(rr.Name)]; !ok {
			continue
		}
		if !rr.Name.IsSubdomainOf(delegatedZone) {
			continue
		}
		hardened = append(hardened, rr)
	}
	return hardened
}

func canonicalKey(n wire.Name) string {
	return strings.ToLower(n.String())
}

// ApplyQNAMEMinimization implements RFC 7816: given the full query name and
// the zone currently being queried, return a name that reveals only one
// more label than currentZone instead of the whole qname. Nothing in this
// module calls it: both the forwarding path and the referral-following
// iterative mode send the full qname.
func ApplyQNAMEMinimization(fullName, currentZone wire.Name) wire.Name {
	if !fullName.IsSubdomainOf(currentZone) || fullName.Equal(currentZone) {
		return fullName
	}
	if fullName.LabelCount() <= currentZone.LabelCount() {
		return fullName
	}
	target := currentZone.LabelCount() + 1
	if target > fullName.LabelCount() {
		return fullName
	}
	return fullName.TrimLeft(target)
}
