package acl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAllow(t *testing.T) {
	a := New(true)

	assert.True(t, a.IsAllowedString("192.168.1.1"))
	assert.True(t, a.IsAllowedString("10.0.0.1"))

	require.NoError(t, a.DenyNet("10.0.0.0/8"))

	assert.False(t, a.IsAllowedString("10.0.0.1"))
	assert.False(t, a.IsAllowedString("10.255.255.255"))
	assert.True(t, a.IsAllowedString("192.168.1.1"))
}

func TestDefaultDeny(t *testing.T) {
	a := New(false)

	assert.False(t, a.IsAllowedString("192.168.1.1"))

	require.NoError(t, a.AllowNet("192.168.0.0/16"))

	assert.True(t, a.IsAllowedString("192.168.1.1"))
	assert.False(t, a.IsAllowedString("10.0.0.1"))
}

func TestDenyOverridesAllow(t *testing.T) {
	a := New(true)

	require.NoError(t, a.AllowNet("10.0.0.0/8"))
	require.NoError(t, a.DenyNet("10.0.1.0/24"))

	assert.True(t, a.IsAllowedString("10.0.0.1"))
	assert.True(t, a.IsAllowedString("10.0.2.1"))
	assert.False(t, a.IsAllowedString("10.0.1.1"))
}

func TestSingleIP(t *testing.T) {
	a := New(false)
	require.NoError(t, a.AllowNet("192.168.1.100"))

	assert.True(t, a.IsAllowedString("192.168.1.100"))
	assert.False(t, a.IsAllowedString("192.168.1.101"))
}

func TestIPv6(t *testing.T) {
	a := New(false)
	require.NoError(t, a.AllowNet("2001:db8::/32"))

	assert.True(t, a.IsAllowed(net.ParseIP("2001:db8::1")))
	assert.False(t, a.IsAllowed(net.ParseIP("2001:db9::1")))
}

func TestClear(t *testing.T) {
	a := New(false)
	require.NoError(t, a.AllowNet("10.0.0.0/8"))
	assert.True(t, a.IsAllowedString("10.0.0.1"))

	a.Clear()
	assert.False(t, a.IsAllowedString("10.0.0.1"))
}
