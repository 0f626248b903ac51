package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsscience/heimdall/internal/wire"
)

func nsRecord(t *testing.T, owner, target string) wire.ResourceRecord {
	t.Helper()
	return wire.ResourceRecord{
		Name:   mustName(t, owner),
		Type:   wire.TypeNS,
		Class:  wire.ClassIN,
		Parsed: wire.RDataNS{Target: mustName(t, target)},
	}
}

func glueA(t *testing.T, owner string, ip [4]byte) wire.ResourceRecord {
	t.Helper()
	return wire.ResourceRecord{
		Name:   mustName(t, owner),
		Type:   wire.TypeA,
		Class:  wire.ClassIN,
		Parsed: wire.RDataA{IP: ip[:]},
	}
}

func TestNextNameserversPairsNSWithGlue(t *testing.T) {
	resp := &wire.Message{
		Authority:  []wire.ResourceRecord{nsRecord(t, "example.com.", "ns1.example.com.")},
		Additional: []wire.ResourceRecord{glueA(t, "ns1.example.com.", [4]byte{203, 0, 113, 1})},
	}
	addrs, ok := nextNameservers(resp)
	require.True(t, ok)
	assert.Equal(t, []string{"203.0.113.1:53"}, addrs)
}

func TestNextNameserversFalseWithoutGlue(t *testing.T) {
	resp := &wire.Message{
		Authority: []wire.ResourceRecord{nsRecord(t, "example.com.", "ns1.example.com.")},
	}
	_, ok := nextNameservers(resp)
	assert.False(t, ok)
}

func TestNextNameserversFalseWithoutNSRecords(t *testing.T) {
	resp := &wire.Message{}
	_, ok := nextNameservers(resp)
	assert.False(t, ok)
}

func TestNextNameserversIgnoresUnrelatedGlue(t *testing.T) {
	resp := &wire.Message{
		Authority: []wire.ResourceRecord{nsRecord(t, "example.com.", "ns1.example.com.")},
		Additional: []wire.ResourceRecord{
			glueA(t, "unrelated.net.", [4]byte{198, 51, 100, 9}),
		},
	}
	_, ok := nextNameservers(resp)
	assert.False(t, ok)
}

func TestMatchingAnswerFindsDirectAnswer(t *testing.T) {
	resp := &wire.Message{Answer: []wire.ResourceRecord{aRecord(t, "example.com.", 60)}}
	answer, ok := matchingAnswer(resp, mustName(t, "example.com."), wire.TypeA)
	assert.True(t, ok)
	assert.Len(t, answer, 1)
}

func TestMatchingAnswerFalseWhenEmpty(t *testing.T) {
	resp := &wire.Message{}
	_, ok := matchingAnswer(resp, mustName(t, "example.com."), wire.TypeA)
	assert.False(t, ok)
}

func TestLastCNAMEReturnsFinalAlias(t *testing.T) {
	rrs := []wire.ResourceRecord{
		{Type: wire.TypeCNAME, Parsed: wire.RDataCNAME{Target: mustName(t, "a.example.com.")}},
		{Type: wire.TypeCNAME, Parsed: wire.RDataCNAME{Target: mustName(t, "b.example.com.")}},
	}
	target, ok := lastCNAME(rrs)
	require.True(t, ok)
	assert.Equal(t, "b.example.com.", target.String())
}

func TestLastCNAMEFalseWithoutCNAME(t *testing.T) {
	rrs := []wire.ResourceRecord{aRecord(t, "example.com.", 60)}
	_, ok := lastCNAME(rrs)
	assert.False(t, ok)
}
