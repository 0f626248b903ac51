package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSimpleQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	n, err := NameFromString(name)
	require.NoError(t, err)
	m := &Message{
		Header:   Header{ID: 0x1234, RD: true, QDCount: 1},
		Question: []Question{{Name: n, Type: qtype, Class: ClassIN}},
	}
	return Marshal(m)
}

func TestRoundTripSimpleQuery(t *testing.T) {
	raw := buildSimpleQuery(t, "www.example.com.", TypeA)
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), msg.Header.ID)
	assert.True(t, msg.Header.RD)
	require.Len(t, msg.Question, 1)
	assert.Equal(t, "www.example.com.", msg.Question[0].Name.String())
	assert.Equal(t, TypeA, msg.Question[0].Type)

	reserialized := Marshal(msg)
	msg2, err := Parse(reserialized)
	require.NoError(t, err)
	assert.Equal(t, msg.Question[0].Name.String(), msg2.Question[0].Name.String())
}

func TestRootNameSymmetricRoundTrip(t *testing.T) {
	raw := buildSimpleQuery(t, ".", TypeNS)
	// Root name must serialize to exactly one zero byte for the question
	// name: header(12) + [0x00] + qtype(2) + qclass(2).
	assert.Equal(t, byte(0), raw[headerSize])

	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, msg.Question, 1)
	assert.True(t, msg.Question[0].Name.IsRoot())
	assert.Equal(t, ".", msg.Question[0].Name.String())
}

func TestCompressionPointerRoundTrip(t *testing.T) {
	// Hand-build a response where the answer name is a pointer back to the
	// question name, as any real nameserver would emit it.
	qname, err := NameFromString("example.com.")
	require.NoError(t, err)

	w := NewWriter()
	w.WriteHeader(Header{ID: 1, QR: true, QDCount: 1, ANCount: 1})
	w.WriteQuestion(Question{Name: qname, Type: TypeA, Class: ClassIN})

	qnameOffset := headerSize
	ptr := uint16(0xC000) | uint16(qnameOffset)
	w.buf = append(w.buf, byte(ptr>>8), byte(ptr))
	w.writeUint16(TypeA)
	w.writeUint16(ClassIN)
	w.writeUint32(300)
	w.writeUint16(4)
	w.writeBytes([]byte{93, 184, 216, 34})

	msg, err := Parse(w.Bytes())
	require.NoError(t, err)
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, "example.com.", msg.Answer[0].Name.String())
	assert.Greater(t, msg.CompressionOps, 0)
	a, ok := msg.Answer[0].Parsed.(RDataA)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.IP.String())
}

func TestCompressionLoopRejected(t *testing.T) {
	buf := make([]byte, headerSize)
	buf[4], buf[5] = 0, 1 // QDCount=1
	// Name at offset 12 is a pointer to itself.
	ptrOffset := len(buf)
	buf = append(buf, 0xC0, byte(ptrOffset))
	buf = append(buf, 0, 1, 0, 1) // qtype, qclass

	_, err := Parse(buf)
	require.Error(t, err)
}

func TestForwardPointerRejected(t *testing.T) {
	buf := make([]byte, headerSize)
	buf[4], buf[5] = 0, 1
	// A pointer that targets an offset >= its own position is a forward
	// reference and must be rejected outright.
	nameOffset := len(buf)
	forwardTarget := nameOffset + 10
	buf = append(buf, 0xC0|byte(forwardTarget>>8), byte(forwardTarget))
	buf = append(buf, 0, 1, 0, 1)

	_, err := Parse(buf)
	require.Error(t, err)
}

func TestOutOfBoundsPointerRejected(t *testing.T) {
	buf := make([]byte, headerSize)
	buf[4], buf[5] = 0, 1
	buf = append(buf, 0xC0, 0xFF) // points past the (short) buffer; 0xFF >= origOffset, so it is rejected as a forward reference
	buf = append(buf, 0, 1, 0, 1)

	_, err := Parse(buf)
	require.Error(t, err)
}

func TestLabelTooLongRejected(t *testing.T) {
	buf := make([]byte, headerSize)
	buf[4], buf[5] = 0, 1
	buf = append(buf, 64) // label length 64 > max 63
	buf = append(buf, make([]byte, 64)...)
	buf = append(buf, 0, 0, 1, 0, 1)

	_, err := Parse(buf)
	require.Error(t, err)
}

func TestMessageTooShortRejected(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMessageTooShort)
}

func TestNSECBitmapRoundTrip(t *testing.T) {
	types := []uint16{TypeA, TypeNS, TypeSOA, TypeMX, TypeAAAA, TypeRRSIG, TypeNSEC, TypeDNSKEY, 1234}
	encoded := encodeTypeBitmap(types)
	decoded, err := decodeTypeBitmap(encoded)
	require.NoError(t, err)
	assert.ElementsMatch(t, types, decoded)
}

func TestNameEqualIsCaseInsensitive(t *testing.T) {
	a, err := NameFromString("WWW.Example.COM.")
	require.NoError(t, err)
	b, err := NameFromString("www.example.com.")
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestIsSubdomainOf(t *testing.T) {
	child, _ := NameFromString("a.b.example.com.")
	zone, _ := NameFromString("example.com.")
	other, _ := NameFromString("example.net.")
	assert.True(t, child.IsSubdomainOf(zone))
	assert.False(t, child.IsSubdomainOf(other))
	assert.True(t, zone.IsSubdomainOf(zone))
}
