package security

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

func TestApply0x20PreservesCaseInsensitiveEquality(t *testing.T) {
	name := mustName(t, "www.example.com.")
	for i := 0; i < 10; i++ {
		encoded := Apply0x20(name)
		assert.True(t, name.Equal(encoded))
	}
}

func TestValidate0x20Response(t *testing.T) {
	q := mustName(t, "WwW.ExAmPlE.cOm.")
	assert.True(t, Validate0x20Response(q, mustName(t, "WwW.ExAmPlE.cOm.")))
	assert.False(t, Validate0x20Response(q, mustName(t, "www.example.com.")))
}

func TestScrubResponseDropsOutOfBailiwick(t *testing.T) {
	msg := &wire.Message{
		Authority: []wire.ResourceRecord{
			{Name: mustName(t, "example.com."), Type: wire.TypeNS},
			{Name: mustName(t, "attacker.com."), Type: wire.TypeNS},
		},
		Additional: []wire.ResourceRecord{
			{Name: mustName(t, "ns1.example.com."), Type: wire.TypeA},
			{Name: mustName(t, "ns1.attacker.com."), Type: wire.TypeA},
			{Name: mustName(t, "attacker.com."), Type: wire.TypeOPT},
		},
	}

	ScrubResponse(msg, mustName(t, "example.com."))

	require.Len(t, msg.Authority, 1)
	assert.True(t, msg.Authority[0].Name.Equal(mustName(t, "example.com.")))

	require.Len(t, msg.Additional, 2)
	assert.True(t, msg.Additional[0].Name.Equal(mustName(t, "ns1.example.com.")))
	assert.Equal(t, wire.TypeOPT, msg.Additional[1].Type)
}

func TestApplyQNAMEMinimization(t *testing.T) {
	tests := []struct {
		full, zone, want string
	}{
		{"www.example.com.", "com.", "example.com."},
		{"www.example.com.", "example.com.", "www.example.com."},
		{"a.b.c.example.com.", "com.", "example.com."},
		{"a.b.c.example.com.", "example.com.", "c.example.com."},
		{"example.com.", "com.", "example.com."},
		{"example.com.", ".", "com."},
	}
	for _, tt := range tests {
		got := ApplyQNAMEMinimization(mustName(t, tt.full), mustName(t, tt.zone))
		assert.Equal(t, tt.want, got.String(), "full=%s zone=%s", tt.full, tt.zone)
	}
}

func TestIsInBailiwick(t *testing.T) {
	assert.True(t, IsInBailiwick(mustName(t, "www.example.com."), mustName(t, "example.com.")))
	assert.True(t, IsInBailiwick(mustName(t, "example.com."), mustName(t, "example.com.")))
	assert.False(t, IsInBailiwick(mustName(t, "example.com."), mustName(t, "www.example.com.")))
	assert.False(t, IsInBailiwick(mustName(t, "attacker.com."), mustName(t, "example.com.")))
}

func TestHardenGlue(t *testing.T) {
	glue := []wire.ResourceRecord{
		{Name: mustName(t, "ns1.example.com."), Type: wire.TypeA},
		{Name: mustName(t, "ns1.attacker.com."), Type: wire.TypeA},
	}
	ns := []wire.Name{mustName(t, "ns1.example.com."), mustName(t, "ns1.attacker.com.")}

	hardened := HardenGlue(glue, mustName(t, "example.com."), ns)
	require.Len(t, hardened, 1)
	assert.True(t, hardened[0].Name.Equal(mustName(t, "ns1.example.com.")))
}
