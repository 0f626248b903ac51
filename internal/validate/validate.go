// Package validate implements the structural and security validation a
// query goes through immediately after wire parsing and before rate
// limiting or resolution: header sanity (opcode, qdcount), zone-transfer
// and ANY refusal policy, and flagging of amplification-probe shapes
// (Unbound-style: a small query advertising a large expected UDP response
// with no EDNS client cookie) to the rate limiter.
package validate

import "github.com/dnsscience/heimdall/internal/wire"

// OpcodeQuery is the only opcode this server answers; NOTIFY, UPDATE and
// anything vendor-specific fall through to NOTIMPL.
const OpcodeQuery uint8 = 0

// ednsCookieOptionCode is the EDNS0 option code for COOKIE (RFC 7873
// section 4).
const ednsCookieOptionCode = 10

// amplificationQTypes are the query types whose answers are disproportionately
// larger than the query itself, the classic DNS amplification lever.
var amplificationQTypes = map[uint16]bool{
	wire.TypeANY:    true,
	wire.TypeTXT:    true,
	wire.TypeDNSKEY: true,
	wire.TypeRRSIG:  true,
	wire.TypeNSEC:   true,
	wire.TypeNSEC3:  true,
	wire.TypeNAPTR:  true,
}

// smallQueryThreshold is the wire size below which a query is considered
// "small" for amplification-probe purposes; a bare query for one of
// amplificationQTypes rarely exceeds this.
const smallQueryThreshold = 48

// Policy configures which otherwise-legal queries this server refuses
// outright, independent of any one query's contents.
type Policy struct {
	// RefuseZoneTransfer rejects AXFR/IXFR queries with REFUSED, for
	// servers not running in authoritative-primary mode.
	RefuseZoneTransfer bool
	// RefuseANY rejects qtype ANY queries with REFUSED, the common
	// mitigation for ANY-based amplification (RFC 8482 territory).
	RefuseANY bool
}

// Verdict is the result of validating one parsed query.
type Verdict struct {
	// OK is false when the query must be refused outright; Rcode then
	// carries the response code to send back (with an otherwise-empty
	// body, per spec.md's "every inbound query receives exactly one
	// response" contract).
	OK    bool
	Rcode uint8

	// AmplificationProbe is set when the query's shape matches a known
	// amplification pattern; the caller passes this to the rate limiter
	// as an extra signal even when OK is true.
	AmplificationProbe bool
}

// Validate applies spec.md section 4.3's checks to a successfully
// wire-parsed query. Wire-level malformation (compression loops, label
// length, name length, truncated buffers) is already rejected by
// wire.Parse before a Message exists to validate here; this function
// assumes querySize is the original wire length in bytes, used only for
// the amplification-probe heuristic.
func Validate(msg *wire.Message, policy Policy, querySize int) Verdict {
	if msg.Header.QDCount == 0 || len(msg.Question) == 0 {
		return Verdict{OK: false, Rcode: wire.RcodeFormatError}
	}
	if msg.Header.Opcode != OpcodeQuery {
		return Verdict{OK: false, Rcode: wire.RcodeNotImplemented}
	}

	qtype := msg.Question[0].Type
	if policy.RefuseZoneTransfer && isZoneTransfer(qtype) {
		return Verdict{OK: false, Rcode: wire.RcodeRefused}
	}
	if policy.RefuseANY && qtype == wire.TypeANY {
		return Verdict{OK: false, Rcode: wire.RcodeRefused}
	}

	return Verdict{OK: true, AmplificationProbe: looksLikeAmplificationProbe(msg, querySize)}
}

// isZoneTransfer reports whether qtype is AXFR or IXFR (IXFR = 251, not
// otherwise named in wire's type table since it has no RDATA form worth
// interpreting).
func isZoneTransfer(qtype uint16) bool {
	const typeIXFR uint16 = 251
	return qtype == wire.TypeAXFR || qtype == typeIXFR
}

// looksLikeAmplificationProbe flags queries matching the classic
// small-query/large-response shape with no client cookie attached: an
// amplification-prone qtype, a small wire size, and either no EDNS OPT at
// all or an OPT record carrying no COOKIE option.
func looksLikeAmplificationProbe(msg *wire.Message, querySize int) bool {
	if len(msg.Question) == 0 || !amplificationQTypes[msg.Question[0].Type] {
		return false
	}
	if querySize > smallQueryThreshold {
		return false
	}
	return !hasCookieOption(msg)
}

// hasCookieOption reports whether msg's OPT record (if any) carries an
// EDNS0 COOKIE option.
func hasCookieOption(msg *wire.Message) bool {
	opt := msg.OPT()
	if opt == nil {
		return false
	}
	raw, ok := opt.Parsed.(wire.RDataOPT)
	if !ok {
		raw = wire.RDataOPT{Raw: opt.RawRData}
	}
	return optionPresent(raw.Raw, ednsCookieOptionCode)
}

// optionPresent walks an EDNS0 options TLV list (RFC 6891 section 6.1.2:
// 2-byte code, 2-byte length, value) looking for code.
func optionPresent(data []byte, code uint16) bool {
	for len(data) >= 4 {
		optCode := uint16(data[0])<<8 | uint16(data[1])
		optLen := int(uint16(data[2])<<8 | uint16(data[3]))
		if 4+optLen > len(data) {
			return false
		}
		if optCode == code {
			return true
		}
		data = data[4+optLen:]
	}
	return false
}
