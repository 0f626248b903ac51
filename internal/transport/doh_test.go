package transport

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsscience/heimdall/internal/wire"
)

func TestParseDoHGETMissingParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/dns-query", nil)
	_, _, err := parseDoHGET(r)
	assert.Error(t, err)
}

func TestParseDoHGETDecodesBase64URL(t *testing.T) {
	msg := &wire.Message{
		Header:   wire.Header{ID: 55, RD: true},
		Question: []wire.Question{{Name: wire.RootName, Type: wire.TypeA, Class: wire.ClassIN}},
	}
	encoded := base64.RawURLEncoding.EncodeToString(wire.Marshal(msg))

	r := httptest.NewRequest("GET", "/dns-query?dns="+encoded, nil)
	got, size, err := parseDoHGET(r)
	require.NoError(t, err)
	assert.Equal(t, uint16(55), got.Header.ID)
	assert.Equal(t, len(wire.Marshal(msg)), size)
}

func TestParseDoHPOSTRejectsWrongContentType(t *testing.T) {
	r := httptest.NewRequest("POST", "/dns-query", nil)
	r.Header.Set("Content-Type", "text/plain")
	_, _, err := parseDoHPOST(r)
	assert.Error(t, err)
}

func TestCacheControlUsesMinAnswerTTL(t *testing.T) {
	resp := &wire.Message{
		Header: wire.Header{Rcode: wire.RcodeSuccess},
		Answer: []wire.ResourceRecord{{TTL: 30}, {TTL: 300}},
	}
	assert.Equal(t, "max-age=30", cacheControl(resp))
}

func TestCacheControlNegativeResponseIsShort(t *testing.T) {
	resp := &wire.Message{Header: wire.Header{Rcode: wire.RcodeNameError}}
	assert.Equal(t, "max-age=60", cacheControl(resp))
}

func TestRequestIPParsesHostPort(t *testing.T) {
	r := httptest.NewRequest("GET", "/dns-query", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	assert.Equal(t, "203.0.113.7", requestIP(r).String())
}
