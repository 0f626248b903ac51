package blocking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsscience/heimdall/internal/wire"
)

func mustName(t *testing.T, s string) wire.Name {
	t.Helper()
	n, err := wire.NameFromString(s)
	require.NoError(t, err)
	return n
}

func TestZoneExactMatchWinsOverWildcard(t *testing.T) {
	z := NewZone("test")
	z.AddWildcard(mustName(t, "ads.example.com."), ActionNXDomain)
	z.AddExact(mustName(t, "good.ads.example.com."), ActionPassthru)

	r, ok := z.Check(mustName(t, "good.ads.example.com."))
	require.True(t, ok)
	assert.Equal(t, ActionPassthru, r.Action)

	r, ok = z.Check(mustName(t, "bad.ads.example.com."))
	require.True(t, ok)
	assert.Equal(t, ActionNXDomain, r.Action)
}

func TestZoneWildcardMatchesBaseDomainItself(t *testing.T) {
	z := NewZone("test")
	z.AddWildcard(mustName(t, "ads.example.com."), ActionNXDomain)

	_, ok := z.Check(mustName(t, "ads.example.com."))
	assert.True(t, ok)
}

func TestZoneWildcardMostSpecificWins(t *testing.T) {
	z := NewZone("test")
	z.AddWildcard(mustName(t, "example.com."), ActionNXDomain)
	z.AddWildcard(mustName(t, "ads.example.com."), ActionRefused)

	r, ok := z.Check(mustName(t, "x.ads.example.com."))
	require.True(t, ok)
	assert.Equal(t, ActionRefused, r.Action)
}

func TestZoneNoMatch(t *testing.T) {
	z := NewZone("test")
	z.AddExact(mustName(t, "bad.example.com."), ActionNXDomain)

	_, ok := z.Check(mustName(t, "good.example.com."))
	assert.False(t, ok)
}

func TestZoneDisabledNeverMatches(t *testing.T) {
	z := NewZone("test")
	z.AddExact(mustName(t, "bad.example.com."), ActionNXDomain)
	z.Disable()

	_, ok := z.Check(mustName(t, "bad.example.com."))
	assert.False(t, ok)

	z.Enable()
	_, ok = z.Check(mustName(t, "bad.example.com."))
	assert.True(t, ok)
}

func TestZoneClearRemovesRules(t *testing.T) {
	z := NewZone("test")
	z.AddExact(mustName(t, "bad.example.com."), ActionNXDomain)
	z.Clear()

	_, ok := z.Check(mustName(t, "bad.example.com."))
	assert.False(t, ok)
}

func TestZoneHitsCounts(t *testing.T) {
	z := NewZone("test")
	z.AddExact(mustName(t, "bad.example.com."), ActionNXDomain)

	z.Check(mustName(t, "bad.example.com."))
	z.Check(mustName(t, "bad.example.com."))
	z.Check(mustName(t, "good.example.com."))

	assert.Equal(t, uint64(2), z.Hits())
}

func TestEngineFirstMatchWins(t *testing.T) {
	high := NewZone("high-priority-allowlist")
	high.AddExact(mustName(t, "ok.ads.example.com."), ActionPassthru)

	low := NewZone("blocklist")
	low.AddWildcard(mustName(t, "ads.example.com."), ActionNXDomain)

	e := NewEngine()
	e.AddZone(high)
	e.AddZone(low)

	v := e.Lookup(mustName(t, "ok.ads.example.com."))
	assert.Equal(t, ActionPassthru, v.Action)
	assert.Equal(t, "high-priority-allowlist", v.Zone)

	v = e.Lookup(mustName(t, "other.ads.example.com."))
	assert.Equal(t, ActionNXDomain, v.Action)
	assert.Equal(t, "blocklist", v.Zone)
}

func TestEngineLookupNoneWhenUnmatched(t *testing.T) {
	e := NewEngine()
	e.AddZone(NewZone("empty"))

	v := e.Lookup(mustName(t, "example.com."))
	assert.Equal(t, ActionNone, v.Action)
}

func TestApplyNXDomainClearsAnswerAndSetsRcode(t *testing.T) {
	resp := &wire.Message{
		Answer:     aRRset(t),
		Authority:  aRRset(t),
		Additional: aRRset(t),
	}
	Apply(Verdict{Action: ActionNXDomain}, mustName(t, "bad.example.com."), wire.TypeA, resp)

	assert.Equal(t, wire.RcodeNameError, resp.Header.Rcode)
	assert.Nil(t, resp.Answer)
	assert.Nil(t, resp.Authority)
	assert.Nil(t, resp.Additional)
}

func TestApplyZeroIPSynthesizesZeroAddress(t *testing.T) {
	resp := &wire.Message{}
	qname := mustName(t, "bad.example.com.")
	Apply(Verdict{Action: ActionZeroIP}, qname, wire.TypeA, resp)

	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].Parsed.(wire.RDataA)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0, 0}, []byte(a.IP))
}

func TestApplyCustomIPUsesProvidedAddress(t *testing.T) {
	resp := &wire.Message{}
	qname := mustName(t, "bad.example.com.")
	custom := []byte{10, 0, 0, 1}
	Apply(Verdict{Action: ActionCustomIP, CustomIP: custom}, qname, wire.TypeA, resp)

	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].Parsed.(wire.RDataA)
	require.True(t, ok)
	assert.Equal(t, custom, []byte(a.IP))
}

func TestApplyZeroIPOnNonAddressQueryFallsBackToNoData(t *testing.T) {
	resp := &wire.Message{Answer: aRRset(t)}
	qname := mustName(t, "bad.example.com.")
	Apply(Verdict{Action: ActionZeroIP}, qname, wire.TypeMX, resp)

	assert.Nil(t, resp.Answer)
}

func TestApplyRewriteSynthesizesCNAME(t *testing.T) {
	resp := &wire.Message{}
	qname := mustName(t, "bad.example.com.")
	target := mustName(t, "safe.example.com.")
	Apply(Verdict{Action: ActionRewrite, RewriteTarget: target}, qname, wire.TypeA, resp)

	require.Len(t, resp.Answer, 1)
	assert.Equal(t, wire.TypeCNAME, resp.Answer[0].Type)
	cname, ok := resp.Answer[0].Parsed.(wire.RDataCNAME)
	require.True(t, ok)
	assert.True(t, cname.Target.Equal(target))
}

func aRRset(t *testing.T) []wire.ResourceRecord {
	t.Helper()
	return []wire.ResourceRecord{
		{Name: mustName(t, "example.com."), Type: wire.TypeA, Class: wire.ClassIN, TTL: 300, Parsed: wire.RDataA{IP: []byte{192, 0, 2, 1}}},
	}
}
