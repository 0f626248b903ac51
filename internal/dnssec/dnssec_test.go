package dnssec

import (
	"crypto/ed25519"
	"testing"
	"time"

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

func signRRset(t *testing.T, rrset []wire.ResourceRecord, priv ed25519.PrivateKey, signer wire.Name, keyTag uint16, now time.Time) wire.RDataRRSIG {
	t.Helper()
	sig := wire.RDataRRSIG{
		TypeCovered: rrset[0].Type,
		Algorithm:   AlgED25519,
		Labels:      uint8(rrset[0].Name.LabelCount()),
		OriginalTTL: rrset[0].TTL,
		Expiration:  uint32(now.Add(time.Hour).Unix()),
		Inception:   uint32(now.Add(-time.Hour).Unix()),
		KeyTag:      keyTag,
		SignerName:  signer,
	}
	data, err := buildSignedData(rrset, sig, rrset[0].Name, rrset[0].Type, rrset[0].Class)
	require.NoError(t, err)
	sig.Signature = ed25519.Sign(priv, data)
	return sig
}

func newTestKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, wire.RDataDNSKEY) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := wire.RDataDNSKEY{Flags: 257, Protocol: 3, Algorithm: AlgED25519, PublicKey: []byte(pub)}
	return pub, priv, key
}

func aRRset(name wire.Name, ttl uint32) []wire.ResourceRecord {
	return []wire.ResourceRecord{
		{Name: name, Type: wire.TypeA, Class: wire.ClassIN, TTL: ttl, Parsed: wire.RDataA{IP: []byte{192, 0, 2, 1}}},
	}
}

func TestVerifyRRsetSecureWithValidSignature(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)

	rrset := aRRset(zone, 300)
	sig := signRRset(t, rrset, priv, zone, key.KeyTag(), now)

	result, err := verifyRRset(rrset, []wire.RDataRRSIG{sig}, []wire.RDataDNSKEY{key}, now)
	require.NoError(t, err)
	assert.Equal(t, Secure, result)
}

func TestVerifyRRsetBogusOnTamperedSignature(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)

	rrset := aRRset(zone, 300)
	sig := signRRset(t, rrset, priv, zone, key.KeyTag(), now)
	sig.Signature[0] ^= 0xFF

	result, err := verifyRRset(rrset, []wire.RDataRRSIG{sig}, []wire.RDataDNSKEY{key}, now)
	require.NoError(t, err)
	assert.Equal(t, Bogus, result)
}

func TestVerifyRRsetBogusOnTamperedData(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)

	rrset := aRRset(zone, 300)
	sig := signRRset(t, rrset, priv, zone, key.KeyTag(), now)
	rrset[0].Parsed = wire.RDataA{IP: []byte{192, 0, 2, 2}}

	result, err := verifyRRset(rrset, []wire.RDataRRSIG{sig}, []wire.RDataDNSKEY{key}, now)
	require.NoError(t, err)
	assert.Equal(t, Bogus, result)
}

func TestVerifyRRsetIndeterminateWithNoMatchingKey(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)
	_, _, otherKey := newTestKey(t)

	rrset := aRRset(zone, 300)
	sig := signRRset(t, rrset, priv, zone, key.KeyTag(), now)

	result, err := verifyRRset(rrset, []wire.RDataRRSIG{sig}, []wire.RDataDNSKEY{otherKey}, now)
	require.NoError(t, err)
	assert.Equal(t, Indeterminate, result)
}

func TestVerifyRRsetInsecureWithNoSignature(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	rrset := aRRset(zone, 300)

	result, err := verifyRRset(rrset, nil, nil, now)
	require.NoError(t, err)
	assert.Equal(t, Insecure, result)
}

func TestVerifyRRsetRejectsExpiredSignature(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)

	rrset := aRRset(zone, 300)
	sig := signRRset(t, rrset, priv, zone, key.KeyTag(), now.Add(-48*time.Hour))

	result, err := verifyRRset(rrset, []wire.RDataRRSIG{sig}, []wire.RDataDNSKEY{key}, now)
	require.NoError(t, err)
	assert.Equal(t, Indeterminate, result)
}

// zoneMaterialMap is a KeyProvider backed by a plain map, standing in for
// the resolver's companion DNSKEY/DS lookups in tests.
type zoneMaterialMap map[string]ZoneMaterial

func (z zoneMaterialMap) Lookup(zone wire.Name) (ZoneMaterial, bool) {
	mat, ok := z[zone.Canonical().String()]
	return mat, ok
}

func dnskeyRR(name wire.Name, key wire.RDataDNSKEY, ttl uint32) wire.ResourceRecord {
	return wire.ResourceRecord{Name: name, Type: wire.TypeDNSKEY, Class: wire.ClassIN, TTL: ttl, Parsed: key}
}

func rrsigRR(name wire.Name, sig wire.RDataRRSIG, ttl uint32) wire.ResourceRecord {
	return wire.ResourceRecord{Name: name, Type: wire.TypeRRSIG, Class: wire.ClassIN, TTL: ttl, Parsed: sig}
}

func TestAuthenticateZoneViaTrustAnchor(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)

	keyRRs := []wire.ResourceRecord{dnskeyRR(zone, key, 3600)}
	sig := signRRset(t, keyRRs, priv, zone, key.KeyTag(), now)
	material := zoneMaterialMap{
		zone.Canonical().String(): {
			DNSKEY: []wire.ResourceRecord{keyRRs[0], rrsigRR(zone, sig, 3600)},
		},
	}

	ds, err := ComputeDS(zone, key, DigestSHA256)
	require.NoError(t, err)

	v := NewValidator(ModePermissive)
	v.AddAnchor(Anchor{Zone: zone, KeyTag: ds.KeyTag, Algorithm: ds.Algorithm, DigestType: ds.DigestType, Digest: ds.Digest})

	keys, result := v.authenticateZone(zone, material, now)
	assert.Equal(t, Secure, result)
	require.Len(t, keys, 1)
	assert.Equal(t, key.PublicKey, keys[0].PublicKey)
}

func TestValidateSecureResponse(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)

	keyRRs := []wire.ResourceRecord{dnskeyRR(zone, key, 3600)}
	keySig := signRRset(t, keyRRs, priv, zone, key.KeyTag(), now)

	answer := aRRset(zone, 300)
	answerSig := signRRset(t, answer, priv, zone, key.KeyTag(), now)

	material := zoneMaterialMap{
		zone.Canonical().String(): {
			DNSKEY: []wire.ResourceRecord{keyRRs[0], rrsigRR(zone, keySig, 3600)},
		},
	}

	ds, err := ComputeDS(zone, key, DigestSHA256)
	require.NoError(t, err)

	v := NewValidator(ModeStrict)
	v.AddAnchor(Anchor{Zone: zone, KeyTag: ds.KeyTag, Algorithm: ds.Algorithm, DigestType: ds.DigestType, Digest: ds.Digest})

	msg := &wire.Message{
		Answer: []wire.ResourceRecord{answer[0], rrsigRR(zone, answerSig, 300)},
	}

	result := v.Validate(msg, material, now)
	assert.Equal(t, Secure, result)
}

func TestValidateInsecureWithoutAnchors(t *testing.T) {
	now := time.Now()
	zone := mustName(t, "example.com.")
	_, priv, key := newTestKey(t)

	answer := aRRset(zone, 300)
	answerSig := signRRset(t, answer, priv, zone, key.KeyTag(), now)

	material := zoneMaterialMap{}
	v := NewValidator(ModePermissive)

	msg := &wire.Message{
		Answer: []wire.ResourceRecord{answer[0], rrsigRR(zone, answerSig, 300)},
	}

	result := v.Validate(msg, material, now)
	assert.Equal(t, Insecure, result)
}

func TestComputeDSIsDeterministic(t *testing.T) {
	zone := mustName(t, "example.com.")
	_, _, key := newTestKey(t)

	ds1, err := ComputeDS(zone, key, DigestSHA256)
	require.NoError(t, err)
	ds2, err := ComputeDS(zone, key, DigestSHA256)
	require.NoError(t, err)

	assert.Equal(t, ds1, ds2)
	assert.Equal(t, key.KeyTag(), ds1.KeyTag)
	assert.Len(t, ds1.Digest, 32)
}

func TestComputeDSRejectsUnsupportedDigest(t *testing.T) {
	zone := mustName(t, "example.com.")
	_, _, key := newTestKey(t)

	_, err := ComputeDS(zone, key, 99)
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
}
