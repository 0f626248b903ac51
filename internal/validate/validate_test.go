package validate

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

func queryMsg(t *testing.T, qtype uint16, opcode uint8) *wire.Message {
	t.Helper()
	return &wire.Message{
		Header:   wire.Header{QDCount: 1, Opcode: opcode},
		Question: []wire.Question{{Name: mustName(t, "example.com."), Type: qtype, Class: wire.ClassIN}},
	}
}

func TestValidateRejectsEmptyQuestionSection(t *testing.T) {
	msg := &wire.Message{Header: wire.Header{QDCount: 0}}
	v := Validate(msg, Policy{}, 20)
	assert.False(t, v.OK)
	assert.Equal(t, wire.RcodeFormatError, v.Rcode)
}

func TestValidateRejectsNonQueryOpcode(t *testing.T) {
	msg := queryMsg(t, wire.TypeA, 5)
	v := Validate(msg, Policy{}, 20)
	assert.False(t, v.OK)
	assert.Equal(t, wire.RcodeNotImplemented, v.Rcode)
}

func TestValidateRefusesAXFRWhenPolicySaysSo(t *testing.T) {
	msg := queryMsg(t, wire.TypeAXFR, OpcodeQuery)
	v := Validate(msg, Policy{RefuseZoneTransfer: true}, 20)
	assert.False(t, v.OK)
	assert.Equal(t, wire.RcodeRefused, v.Rcode)
}

func TestValidateAllowsAXFRWhenPolicyPermits(t *testing.T) {
	msg := queryMsg(t, wire.TypeAXFR, OpcodeQuery)
	v := Validate(msg, Policy{RefuseZoneTransfer: false}, 20)
	assert.True(t, v.OK)
}

func TestValidateRefusesANYWhenPolicySaysSo(t *testing.T) {
	msg := queryMsg(t, wire.TypeANY, OpcodeQuery)
	v := Validate(msg, Policy{RefuseANY: true}, 20)
	assert.False(t, v.OK)
	assert.Equal(t, wire.RcodeRefused, v.Rcode)
}

func TestValidateAcceptsOrdinaryQuery(t *testing.T) {
	msg := queryMsg(t, wire.TypeA, OpcodeQuery)
	v := Validate(msg, Policy{RefuseZoneTransfer: true, RefuseANY: true}, 20)
	assert.True(t, v.OK)
	assert.False(t, v.AmplificationProbe)
}

func TestValidateFlagsAmplificationProbeWithoutCookie(t *testing.T) {
	msg := queryMsg(t, wire.TypeTXT, OpcodeQuery)
	v := Validate(msg, Policy{}, 32)
	assert.True(t, v.OK)
	assert.True(t, v.AmplificationProbe)
}

func TestValidateDoesNotFlagAmplificationProbeWithCookie(t *testing.T) {
	msg := queryMsg(t, wire.TypeTXT, OpcodeQuery)
	cookie := make([]byte, 8)
	opt := cookieOPT(cookie)
	msg.Additional = []wire.ResourceRecord{opt}

	v := Validate(msg, Policy{}, 32)
	assert.True(t, v.OK)
	assert.False(t, v.AmplificationProbe)
}

func TestValidateDoesNotFlagLargeQueryAsAmplificationProbe(t *testing.T) {
	msg := queryMsg(t, wire.TypeTXT, OpcodeQuery)
	v := Validate(msg, Policy{}, 512)
	assert.True(t, v.OK)
	assert.False(t, v.AmplificationProbe)
}

func TestValidateDoesNotFlagOrdinaryQTypeAsAmplificationProbe(t *testing.T) {
	msg := queryMsg(t, wire.TypeA, OpcodeQuery)
	v := Validate(msg, Policy{}, 20)
	assert.True(t, v.OK)
	assert.False(t, v.AmplificationProbe)
}

func cookieOPT(cookieValue []byte) wire.ResourceRecord {
	option := make([]byte, 4+len(cookieValue))
	option[0] = 0
	option[1] = ednsCookieOptionCode
	option[2] = byte(len(cookieValue) >> 8)
	option[3] = byte(len(cookieValue))
	copy(option[4:], cookieValue)
	return wire.ResourceRecord{
		Type:   wire.TypeOPT,
		Parsed: wire.RDataOPT{Raw: option},
	}
}

func TestOptionPresentHandlesMultipleOptions(t *testing.T) {
	data := append(append([]byte{0x00, 0x08, 0x00, 0x02}, 0xAA, 0xBB), []byte{0x00, 0x0a, 0x00, 0x01, 0x01}...)
	assert.True(t, optionPresent(data, ednsCookieOptionCode))
	assert.False(t, optionPresent(data, 99))
}
