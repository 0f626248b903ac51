// Package dnssec validates DNSSEC-signed responses (RFC 4033-4035): it
// groups answer/authority records into RRsets, locates the RRSIG covering
// each, rebuilds the RFC 4034 section 3.1.8.1 canonical signed byte string,
// and verifies the signature against a DNSKEY authenticated either by a
// configured trust anchor or by a DS-chain walked recursively back to one.
package dnssec

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- RSA/SHA-1 and DS digest type 1 are legacy but still deployed
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"sort"
	"time"

	"github.com/dnsscience/heimdall/internal/wire"
)

// Result is the outcome of validating a response, per spec section 4.8.
type Result int

const (
	Indeterminate Result = iota
	Bogus
	Insecure
	Secure
)

func (r Result) String() string {
	switch r {
	case Secure:
		return "secure"
	case Insecure:
		return "insecure"
	case Bogus:
		return "bogus"
	default:
		return "indeterminate"
	}
}

// resultRank orders results from worst to best so Validate can fold
// per-RRset outcomes into one overall verdict.
var resultRank = map[Result]int{Bogus: 0, Indeterminate: 1, Insecure: 2, Secure: 3}

func worseOf(a, b Result) Result {
	if resultRank[b] < resultRank[a] {
		return b
	}
	return a
}

// Mode controls what Validate's caller does with a Bogus result.
type Mode int

const (
	// ModePermissive logs Bogus and returns the response unmodified.
	ModePermissive Mode = iota
	// ModeStrict replaces a Bogus response with SERVFAIL.
	ModeStrict
)

// Algorithm numbers this validator can verify (RFC 8624).
const (
	AlgRSASHA1         uint8 = 5
	AlgRSASHA1NSEC3    uint8 = 7
	AlgRSASHA256       uint8 = 8
	AlgRSASHA512       uint8 = 10
	AlgECDSAP256SHA256 uint8 = 13
	AlgECDSAP384SHA384 uint8 = 14
	AlgED25519         uint8 = 15
	AlgED448           uint8 = 16
)

// DS digest types this validator can compute and compare (RFC 4034 section
// 5.2, RFC 4509, RFC 6605).
const (
	DigestSHA1   uint8 = 1
	DigestSHA256 uint8 = 2
	DigestSHA384 uint8 = 4
)

var (
	ErrUnsupportedAlgorithm = errors.New("dnssec: unsupported algorithm")
	ErrUnsupportedDigest    = errors.New("dnssec: unsupported digest type")
	ErrShortKey             = errors.New("dnssec: malformed public key")
)

func isSupportedAlgorithm(alg uint8) bool {
	switch alg {
	case AlgRSASHA1, AlgRSASHA1NSEC3, AlgRSASHA256, AlgRSASHA512, AlgECDSAP256SHA256, AlgECDSAP384SHA384, AlgED25519:
		return true
	default:
		return false
	}
}

// Anchor is a configured trust anchor: the DS-style digest of a DNSKEY,
// keyed by the zone's owner name, the same shape IANA publishes for the
// root zone.
type Anchor struct {
	Zone       wire.Name
	KeyTag     uint16
	Algorithm  uint8
	DigestType uint8
	Digest     []byte
}

// ZoneMaterial is what a caller supplies for one zone: its DNSKEY RRset
// (plus the RRSIG(s) covering it, self-signed by the zone's KSK) and, for
// non-root zones, the DS RRset as published in the parent (plus the
// RRSIG(s) the parent used to sign it). Both slices hold the raw record
// plus its covering signatures together, exactly as they would appear in a
// real response's answer/authority sections.
type ZoneMaterial struct {
	DNSKEY []wire.ResourceRecord
	DS     []wire.ResourceRecord
}

// KeyProvider supplies the key material Validate needs to authenticate a
// zone. The resolver implements this by issuing (and caching) companion
// DNSKEY/DS queries against the same upstream the original query used;
// chain-walking beyond what Lookup can return is out of scope here.
type KeyProvider interface {
	Lookup(zone wire.Name) (ZoneMaterial, bool)
}

// Validator verifies RRSIGs over a response's RRsets and builds a
// chain of trust from a set of configured anchors.
type Validator struct {
	mode    Mode
	anchors map[string][]Anchor
}

// NewValidator returns a Validator with no anchors configured; Validate
// against it always bottoms out at Insecure or Indeterminate until anchors
// are added.
func NewValidator(mode Mode) *Validator {
	return &Validator{mode: mode, anchors: map[string][]Anchor{}}
}

// Mode reports the validator's permissive/strict configuration.
func (v *Validator) Mode() Mode { return v.mode }

// AddAnchor registers a trust anchor for a.Zone.
func (v *Validator) AddAnchor(a Anchor) {
	key := a.Zone.Canonical().String()
	v.anchors[key] = append(v.anchors[key], a)
}

func (v *Validator) hasAnchor(zone wire.Name) bool {
	return len(v.anchors[zone.Canonical().String()]) > 0
}

func (v *Validator) anchorMatches(zone wire.Name, key wire.RDataDNSKEY) bool {
	for _, a := range v.anchors[zone.Canonical().String()] {
		ds, err := ComputeDS(zone, key, a.DigestType)
		if err != nil {
			continue
		}
		if ds.KeyTag == a.KeyTag && ds.Algorithm == a.Algorithm && bytes.Equal(ds.Digest, a.Digest) {
			return true
		}
	}
	return false
}

// ComputeDS derives the DS record for key as published at name, per RFC
// 4034 section 5.1.4: digest over the canonical owner name followed by the
// DNSKEY RDATA.
func ComputeDS(name wire.Name, key wire.RDataDNSKEY, digestType uint8) (wire.RDataDS, error) {
	keyRData, err := wire.EncodeRData(key)
	if err != nil {
		return wire.RDataDS{}, err
	}
	buf := appendName(nil, name.Canonical())
	buf = append(buf, keyRData...)

	var digest []byte
	switch digestType {
	case DigestSHA1:
		sum := sha1.Sum(buf)
		digest = sum[:]
	case DigestSHA256:
		sum := sha256.Sum256(buf)
		digest = sum[:]
	case DigestSHA384:
		sum := sha512.Sum384(buf)
		digest = sum[:]
	default:
		return wire.RDataDS{}, ErrUnsupportedDigest
	}
	return wire.RDataDS{KeyTag: key.KeyTag(), Algorithm: key.Algorithm, DigestType: digestType, Digest: digest}, nil
}

type setKey struct {
	Name  string
	Type  uint16
	Class uint16
}

// groupRRsets partitions records into RRsets keyed by (canonical owner,
// type, class). RRSIG and OPT records never head their own RRset here:
// RRSIGs are looked up per covered RRset, and OPT is never signed.
func groupRRsets(records []wire.ResourceRecord) map[setKey][]wire.ResourceRecord {
	out := map[setKey][]wire.ResourceRecord{}
	for _, rr := range records {
		if rr.Type == wire.TypeRRSIG || rr.Type == wire.TypeOPT {
			continue
		}
		k := setKey{Name: rr.Name.Canonical().String(), Type: rr.Type, Class: rr.Class}
		out[k] = append(out[k], rr)
	}
	return out
}

// sigsFor returns the RRSIGs in records that cover (owner, rrtype).
func sigsFor(records []wire.ResourceRecord, owner wire.Name, rrtype uint16) []wire.RDataRRSIG {
	var sigs []wire.RDataRRSIG
	for _, rr := range records {
		if rr.Type != wire.TypeRRSIG {
			continue
		}
		sig, ok := rr.Parsed.(wire.RDataRRSIG)
		if !ok || sig.TypeCovered != rrtype {
			continue
		}
		if !rr.Name.Equal(owner) {
			continue
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

func splitRRsetAndSigs(records []wire.ResourceRecord, rrtype uint16) ([]wire.ResourceRecord, []wire.RDataRRSIG) {
	var rrset []wire.ResourceRecord
	var sigs []wire.RDataRRSIG
	for _, rr := range records {
		switch {
		case rr.Type == rrtype:
			rrset = append(rrset, rr)
		case rr.Type == wire.TypeRRSIG:
			if sig, ok := rr.Parsed.(wire.RDataRRSIG); ok && sig.TypeCovered == rrtype {
				sigs = append(sigs, sig)
			}
		}
	}
	return rrset, sigs
}

func dnskeysFromRRs(rrs []wire.ResourceRecord) []wire.RDataDNSKEY {
	var keys []wire.RDataDNSKEY
	for _, rr := range rrs {
		if k, ok := rr.Parsed.(wire.RDataDNSKEY); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Validate checks every RRset in msg's answer and authority sections and
// folds the per-RRset results into one verdict: any Bogus RRset makes the
// whole response Bogus; otherwise the weakest of Indeterminate/Insecure/
// Secure wins, with Secure requiring at least one RRset to have verified.
func (v *Validator) Validate(msg *wire.Message, kp KeyProvider, now time.Time) Result {
	all := make([]wire.ResourceRecord, 0, len(msg.Answer)+len(msg.Authority))
	all = append(all, msg.Answer...)
	all = append(all, msg.Authority...)

	groups := groupRRsets(all)
	if len(groups) == 0 {
		return Insecure
	}

	zoneCache := map[string]zoneAuth{}
	overall := Secure
	sawSecure := false

	for key, rrset := range groups {
		owner := rrset[0].Name
		sigs := sigsFor(all, owner, key.Type)
		if len(sigs) == 0 {
			overall = worseOf(overall, Insecure)
			continue
		}

		result := v.verifyWithSigs(rrset, sigs, kp, zoneCache, now)
		if result == Bogus {
			return Bogus
		}
		if result == Secure {
			sawSecure = true
		}
		overall = worseOf(overall, result)
	}

	if sawSecure && overall == Secure {
		return Secure
	}
	return overall
}

type zoneAuth struct {
	keys   []wire.RDataDNSKEY
	result Result
}

// verifyWithSigs tries each candidate RRSIG in turn (a rollover period can
// leave two live), authenticating its signer zone and then the signature
// itself; the first to verify wins.
func (v *Validator) verifyWithSigs(rrset []wire.ResourceRecord, sigs []wire.RDataRRSIG, kp KeyProvider, cache map[string]zoneAuth, now time.Time) Result {
	best := Secure
	for _, sig := range sigs {
		cacheKey := sig.SignerName.Canonical().String()
		za, ok := cache[cacheKey]
		if !ok {
			keys, result := v.authenticateZone(sig.SignerName, kp, now)
			za = zoneAuth{keys: keys, result: result}
			cache[cacheKey] = za
		}
		if za.result == Bogus {
			return Bogus
		}
		if za.result != Secure {
			best = worseOf(best, za.result)
			continue
		}
		result, _ := verifyRRset(rrset, []wire.RDataRRSIG{sig}, za.keys, now)
		if result == Secure {
			return Secure
		}
		best = worseOf(best, result)
	}
	return best
}

// authenticateZone returns zone's authenticated DNSKEY set, recursing
// toward a trust anchor: either zone itself carries one, or its parent's
// authenticated keys validate a DS record that matches one of zone's own
// keys.
func (v *Validator) authenticateZone(zone wire.Name, kp KeyProvider, now time.Time) ([]wire.RDataDNSKEY, Result) {
	mat, ok := kp.Lookup(zone)
	if !ok {
		return nil, Insecure
	}
	keyRRs, keySigs := splitRRsetAndSigs(mat.DNSKEY, wire.TypeDNSKEY)
	keys := dnskeysFromRRs(keyRRs)

	if v.hasAnchor(zone) {
		var trusted []wire.RDataDNSKEY
		for _, k := range keys {
			if v.anchorMatches(zone, k) {
				trusted = append(trusted, k)
			}
		}
		if len(trusted) == 0 {
			return nil, Bogus
		}
		result, _ := verifyRRset(keyRRs, keySigs, trusted, now)
		if result != Secure {
			return nil, result
		}
		return keys, Secure
	}

	if zone.IsRoot() {
		return nil, Insecure
	}

	parentKeys, parentResult := v.authenticateZone(zone.Parent(), kp, now)
	if parentResult != Secure {
		return nil, parentResult
	}

	dsRRs, dsSigs := splitRRsetAndSigs(mat.DS, wire.TypeDS)
	if len(dsRRs) == 0 {
		return nil, Insecure
	}
	dsResult, _ := verifyRRset(dsRRs, dsSigs, parentKeys, now)
	if dsResult != Secure {
		return nil, dsResult
	}

	var dsRecords []wire.RDataDS
	for _, rr := range dsRRs {
		if d, ok := rr.Parsed.(wire.RDataDS); ok {
			dsRecords = append(dsRecords, d)
		}
	}

	var trusted []wire.RDataDNSKEY
	for _, k := range keys {
		for _, ds := range dsRecords {
			computed, err := ComputeDS(zone, k, ds.DigestType)
			if err == nil && computed.KeyTag == ds.KeyTag && computed.Algorithm == ds.Algorithm && bytes.Equal(computed.Digest, ds.Digest) {
				trusted = append(trusted, k)
				break
			}
		}
	}
	if len(trusted) == 0 {
		return nil, Bogus
	}
	result, _ := verifyRRset(keyRRs, keySigs, trusted, now)
	if result != Secure {
		return nil, result
	}
	return keys, Secure
}

// verifyRRset checks rrset (all one name/type/class) against sigs using
// candidateKeys, returning Secure on the first signature that verifies,
// Bogus if a candidate key matched an RRSIG but the signature didn't
// check out, Indeterminate if no key ever matched an RRSIG's algorithm
// and key tag, or Insecure if sigs is empty.
func verifyRRset(rrset []wire.ResourceRecord, sigs []wire.RDataRRSIG, candidateKeys []wire.RDataDNSKEY, now time.Time) (Result, error) {
	if len(rrset) == 0 {
		return Indeterminate, errors.New("dnssec: empty rrset")
	}
	if len(sigs) == 0 {
		return Insecure, nil
	}

	owner := rrset[0].Name
	rrtype := rrset[0].Type
	rclass := rrset[0].Class
	nowU := uint32(now.Unix())

	haveCandidate := false
	sawFailure := false
	for _, sig := range sigs {
		if !isSupportedAlgorithm(sig.Algorithm) {
			continue
		}
		if !owner.IsSubdomainOf(sig.SignerName) {
			continue
		}
		if !withinValidity(sig.Inception, sig.Expiration, nowU) {
			continue
		}
		data, err := buildSignedData(rrset, sig, owner, rrtype, rclass)
		if err != nil {
			continue
		}
		for _, key := range candidateKeys {
			if key.Algorithm != sig.Algorithm || key.KeyTag() != sig.KeyTag {
				continue
			}
			haveCandidate = true
			ok, err := verifySignature(sig.Algorithm, key.PublicKey, data, sig.Signature)
			if err != nil || !ok {
				sawFailure = true
				continue
			}
			return Secure, nil
		}
	}
	if !haveCandidate {
		return Indeterminate, nil
	}
	if sawFailure {
		return Bogus, nil
	}
	return Indeterminate, nil
}

func withinValidity(inception, expiration, now uint32) bool {
	return inception <= now && now <= expiration
}

// rrsigOwnerName reconstructs the owner name the signature was actually
// computed over, expanding to a wildcard form when the RRSIG's Labels
// field is fewer than owner's own label count (RFC 4035 section 3.1.3):
// the original response synthesised owner from a wildcard match.
func rrsigOwnerName(owner wire.Name, sig wire.RDataRRSIG) wire.Name {
	if int(sig.Labels) >= owner.LabelCount() {
		return owner.Canonical()
	}
	kept := owner.TrimLeft(int(sig.Labels)).Canonical()
	labels := make([][]byte, 0, len(kept.Labels)+1)
	labels = append(labels, []byte("*"))
	labels = append(labels, kept.Labels...)
	return wire.Name{Labels: labels}
}

// canonicalRRsetOrder sorts rrset by canonical RDATA per RFC 4034 section
// 6.3, the order the signed byte string requires.
func canonicalRRsetOrder(rrset []wire.ResourceRecord) []wire.ResourceRecord {
	ordered := append([]wire.ResourceRecord(nil), rrset...)
	sort.Slice(ordered, func(i, j int) bool {
		di, erri := canonicalRData(ordered[i])
		dj, errj := canonicalRData(ordered[j])
		if erri != nil || errj != nil {
			return false
		}
		return bytes.Compare(di, dj) < 0
	})
	return ordered
}

// canonicalizeParsed returns a copy of parsed with any embedded owner
// names down-cased, per RFC 4034 section 6.2.
func canonicalizeParsed(parsed any) any {
	switch v := parsed.(type) {
	case wire.RDataNS:
		v.Target = v.Target.Canonical()
		return v
	case wire.RDataCNAME:
		v.Target = v.Target.Canonical()
		return v
	case wire.RDataPTR:
		v.Target = v.Target.Canonical()
		return v
	case wire.RDataMX:
		v.Exchange = v.Exchange.Canonical()
		return v
	case wire.RDataSOA:
		v.MName = v.MName.Canonical()
		v.RName = v.RName.Canonical()
		return v
	case wire.RDataSRV:
		v.Target = v.Target.Canonical()
		return v
	case wire.RDataRRSIG:
		v.SignerName = v.SignerName.Canonical()
		return v
	default:
		return parsed
	}
}

func canonicalRData(rr wire.ResourceRecord) ([]byte, error) {
	if rr.Parsed == nil {
		return rr.RawRData, nil
	}
	return wire.EncodeRData(canonicalizeParsed(rr.Parsed))
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendName(b []byte, n wire.Name) []byte {
	w := wire.NewWriter()
	w.WriteName(n)
	return append(b, w.Bytes()...)
}

// buildSignedData constructs the RFC 4034 section 3.1.8.1 signed byte
// string: the RRSIG RDATA (minus the signature itself) followed by every
// RR in rrset in canonical form, each using OriginalTTL in place of its
// actual TTL and the (possibly wildcard-expanded) canonical owner name.
func buildSignedData(rrset []wire.ResourceRecord, sig wire.RDataRRSIG, owner wire.Name, rrtype, rclass uint16) ([]byte, error) {
	var buf []byte
	buf = appendUint16(buf, sig.TypeCovered)
	buf = append(buf, sig.Algorithm, sig.Labels)
	buf = appendUint32(buf, sig.OriginalTTL)
	buf = appendUint32(buf, sig.Expiration)
	buf = appendUint32(buf, sig.Inception)
	buf = appendUint16(buf, sig.KeyTag)
	buf = appendName(buf, sig.SignerName.Canonical())

	sigOwner := rrsigOwnerName(owner, sig)
	ordered := canonicalRRsetOrder(rrset)
	for _, rr := range ordered {
		rdata, err := canonicalRData(rr)
		if err != nil {
			return nil, err
		}
		buf = appendName(buf, sigOwner)
		buf = appendUint16(buf, rrtype)
		buf = appendUint16(buf, rclass)
		buf = appendUint32(buf, sig.OriginalTTL)
		buf = appendUint16(buf, uint16(len(rdata)))
		buf = append(buf, rdata...)
	}
	return buf, nil
}

// verifySignature checks sig over signedData using the algorithm alg and
// the DNSKEY's raw public key bytes.
func verifySignature(alg uint8, pubKeyBytes, signedData, sig []byte) (bool, error) {
	switch alg {
	case AlgRSASHA1, AlgRSASHA1NSEC3, AlgRSASHA256, AlgRSASHA512:
		return verifyRSA(alg, pubKeyBytes, signedData, sig)
	case AlgECDSAP256SHA256, AlgECDSAP384SHA384:
		return verifyECDSAAlg(alg, pubKeyBytes, signedData, sig)
	case AlgED25519:
		if len(pubKeyBytes) != ed25519.PublicKeySize {
			return false, ErrShortKey
		}
		if len(sig) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), signedData, sig), nil
	default:
		return false, ErrUnsupportedAlgorithm
	}
}

func verifyRSA(alg uint8, pubKeyBytes, signedData, sig []byte) (bool, error) {
	pub, err := parseRSAPublicKey(pubKeyBytes)
	if err != nil {
		return false, err
	}
	var hashed []byte
	var h crypto.Hash
	switch alg {
	case AlgRSASHA1, AlgRSASHA1NSEC3:
		sum := sha1.Sum(signedData)
		hashed = sum[:]
		h = crypto.SHA1
	case AlgRSASHA256:
		sum := sha256.Sum256(signedData)
		hashed = sum[:]
		h = crypto.SHA256
	case AlgRSASHA512:
		sum := sha512.Sum512(signedData)
		hashed = sum[:]
		h = crypto.SHA512
	}
	err = rsa.VerifyPKCS1v15(pub, h, hashed, sig)
	return err == nil, nil
}
