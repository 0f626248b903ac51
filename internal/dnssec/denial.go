package dnssec

import (
	"bytes"
	"crypto/sha1" // #nosec G505 -- RFC 5155 mandates SHA-1 for the NSEC3 hash chain
	"encoding/base32"
	"strings"

	"github.com/dnsscience/heimdall/internal/wire"
)

// canonicalLabels returns n's labels in RFC 4034 section 6.1 comparison
// order: most significant (closest to the root) first.
func canonicalLabels(n wire.Name) [][]byte {
	c := n.Canonical()
	out := make([][]byte, len(c.Labels))
	for i, l := range c.Labels {
		out[len(c.Labels)-1-i] = l
	}
	return out
}

// canonicalLess reports whether a sorts before b in RFC 4034 canonical
// name order.
func canonicalLess(a, b wire.Name) bool {
	al, bl := canonicalLabels(a), canonicalLabels(b)
	for i := 0; i < len(al) && i < len(bl); i++ {
		if c := bytes.Compare(al[i], bl[i]); c != 0 {
			return c < 0
		}
	}
	return len(al) < len(bl)
}

// inCanonicalInterval reports whether name falls strictly between owner
// and next in canonical order, accounting for the wraparound interval
// that covers the end of the zone (the NSEC record with the numerically
// largest owner name points back to the zone apex).
func inCanonicalInterval(owner, next, name wire.Name) bool {
	if canonicalLess(owner, next) {
		return canonicalLess(owner, name) && canonicalLess(name, next)
	}
	// Wraparound: owner is the last name in the zone, next is the apex.
	return canonicalLess(owner, name) || canonicalLess(name, next)
}

// DenyNXDomain reports whether the NSEC records in authority prove qname
// does not exist in the zone. This checks that some NSEC interval covers
// qname; it does not additionally prove the absence of a matching
// wildcard, a simplification relative to full RFC 4035 section 5.4
// closest-encloser proof.
func DenyNXDomain(qname wire.Name, authority []wire.ResourceRecord) bool {
	for _, rr := range authority {
		if rr.Type != wire.TypeNSEC {
			continue
		}
		nsec, ok := rr.Parsed.(wire.RDataNSEC)
		if !ok {
			continue
		}
		if inCanonicalInterval(rr.Name, nsec.NextDomain, qname) {
			return true
		}
	}
	return false
}

// DenyNoData reports whether an NSEC record proves qname exists but does
// not carry qtype.
func DenyNoData(qname wire.Name, qtype uint16, authority []wire.ResourceRecord) bool {
	for _, rr := range authority {
		if rr.Type != wire.TypeNSEC {
			continue
		}
		if !rr.Name.Equal(qname) {
			continue
		}
		nsec, ok := rr.Parsed.(wire.RDataNSEC)
		if !ok {
			continue
		}
		if !containsType(nsec.TypeBitmap, qtype) {
			return true
		}
	}
	return false
}

func containsType(bitmap []uint16, t uint16) bool {
	for _, v := range bitmap {
		if v == t {
			return true
		}
	}
	return false
}

var base32HexNoPad = base32.HexEncoding.WithPadding(base32.NoPadding)

// nsec3Hash computes the RFC 5155 section 5 iterated hash of name, used to
// match it against an NSEC3 record's owner or next-hashed-owner label.
func nsec3Hash(name wire.Name, algorithm uint8, iterations uint16, salt []byte) ([]byte, error) {
	if algorithm != 1 {
		return nil, ErrUnsupportedDigest
	}
	wireName := appendName(nil, name.Canonical())
	digest := hashOnce(wireName, salt)
	for i := uint16(0); i < iterations; i++ {
		digest = hashOnce(digest, salt)
	}
	return digest, nil
}

func hashOnce(data, salt []byte) []byte {
	buf := make([]byte, 0, len(data)+len(salt))
	buf = append(buf, data...)
	buf = append(buf, salt...)
	sum := sha1.Sum(buf)
	return sum[:]
}

// nsec3OwnerHash extracts and decodes the base32hex leftmost label of an
// NSEC3 record's owner name, which is the hashed name for this zone's
// parameters, not a real domain label.
func nsec3OwnerHash(owner wire.Name) ([]byte, bool) {
	if len(owner.Labels) == 0 {
		return nil, false
	}
	decoded, err := base32HexNoPad.DecodeString(strings.ToUpper(string(owner.Labels[0])))
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// DenyNXDomainNSEC3 reports whether the NSEC3 records in authority prove
// qname's hash falls in a covered gap, i.e. it does not exist. Like
// DenyNXDomain, this skips the separate wildcard non-existence proof.
func DenyNXDomainNSEC3(qname wire.Name, authority []wire.ResourceRecord) bool {
	for _, rr := range authority {
		if rr.Type != wire.TypeNSEC3 {
			continue
		}
		nsec3, ok := rr.Parsed.(wire.RDataNSEC3)
		if !ok {
			continue
		}
		qhash, err := nsec3Hash(qname, nsec3.HashAlgorithm, nsec3.Iterations, nsec3.Salt)
		if err != nil {
			continue
		}
		ownerHash, ok := nsec3OwnerHash(rr.Name)
		if !ok {
			continue
		}
		if coveredByNSEC3(ownerHash, nsec3.NextHashedOwner, qhash) {
			return true
		}
	}
	return false
}

func coveredByNSEC3(owner, next, target []byte) bool {
	if bytes.Compare(owner, next) < 0 {
		return bytes.Compare(owner, target) < 0 && bytes.Compare(target, next) < 0
	}
	return bytes.Compare(owner, target) < 0 || bytes.Compare(target, next) < 0
}

// DenyNoDataNSEC3 reports whether an NSEC3 record proves qname exists but
// does not carry qtype.
func DenyNoDataNSEC3(qname wire.Name, qtype uint16, authority []wire.ResourceRecord) bool {
	for _, rr := range authority {
		if rr.Type != wire.TypeNSEC3 {
			continue
		}
		nsec3, ok := rr.Parsed.(wire.RDataNSEC3)
		if !ok {
			continue
		}
		qhash, err := nsec3Hash(qname, nsec3.HashAlgorithm, nsec3.Iterations, nsec3.Salt)
		if err != nil {
			continue
		}
		ownerHash, ok := nsec3OwnerHash(rr.Name)
		if !ok || !bytes.Equal(ownerHash, qhash) {
			continue
		}
		if !containsType(nsec3.TypeBitmap, qtype) {
			return true
		}
	}
	return false
}
