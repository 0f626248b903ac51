package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// rdataEncoder is implemented by every RData* type so Writer can
// re-serialize a record canonically instead of trusting RawRData, which
// may contain compression pointers that are meaningless outside the
// message they were read from.
type rdataEncoder interface {
	encodeRData() []byte
}

// decodeRData dispatches to a typed decoder for rrtype, given the full
// message buffer (so embedded names can follow compression pointers) and
// the RDATA's offset and length within it. Returns a nil, non-nil-error
// result for unrecognized types; the caller treats that as "leave the
// record opaque", not as a parse failure for the whole message.
func decodeRData(rrtype uint16, msg []byte, offset, rdlength int) (any, error) {
	rdata := msg[offset : offset+rdlength]
	switch rrtype {
	case TypeA:
		return decodeA(rdata)
	case TypeAAAA:
		return decodeAAAA(rdata)
	case TypeNS:
		return decodeNameOnly(msg, offset)
	case TypeCNAME:
		n, err := decodeNameOnly(msg, offset)
		if err != nil {
			return nil, err
		}
		return RDataCNAME{Target: n.(RDataNS).Target}, nil
	case TypePTR:
		n, err := decodeNameOnly(msg, offset)
		if err != nil {
			return nil, err
		}
		return RDataPTR{Target: n.(RDataNS).Target}, nil
	case TypeMX:
		return decodeMX(msg, offset, rdlength)
	case TypeSOA:
		return decodeSOA(msg, offset, rdlength)
	case TypeSRV:
		return decodeSRV(msg, offset, rdlength)
	case TypeCAA:
		return decodeCAA(rdata)
	case TypeDNSKEY:
		return decodeDNSKEY(rdata)
	case TypeRRSIG:
		return decodeRRSIG(msg, offset, rdlength)
	case TypeDS:
		return decodeDS(rdata)
	case TypeNSEC:
		return decodeNSEC(msg, offset, rdlength)
	case TypeNSEC3:
		return decodeNSEC3(rdata)
	case TypeNSEC3PARAM:
		return decodeNSEC3PARAM(rdata)
	case TypeTLSA:
		return decodeTLSA(rdata)
	case TypeSSHFP:
		return decodeSSHFP(rdata)
	case TypeTXT:
		return decodeTXT(rdata)
	case TypeOPT:
		return RDataOPT{Raw: append([]byte(nil), rdata...)}, nil
	default:
		return nil, fmt.Errorf("%w: no typed decoder for rrtype %d", ErrFormat, rrtype)
	}
}

// EncodeRData canonically re-serializes already-parsed RDATA back to wire
// form. DNSSEC signature verification needs this to rebuild the signed byte
// string from Parsed records (RFC 4034 section 3.1.8.1): RawRData is not
// safe to reuse there since it may still contain compression pointers that
// are only meaningful relative to the message they were read from.
func EncodeRData(parsed any) ([]byte, error) {
	enc, ok := parsed.(rdataEncoder)
	if !ok {
		return nil, fmt.Errorf("%w: no canonical encoder for %T", ErrFormat, parsed)
	}
	return enc.encodeRData(), nil
}

func requireLen(b []byte, n int, what string) error {
	if len(b) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrTruncatedBuffer, what, n, len(b))
	}
	return nil
}

// --- A / AAAA ---

type RDataA struct{ IP net.IP }

func decodeA(rdata []byte) (any, error) {
	if err := requireLen(rdata, 4, "A"); err != nil {
		return nil, err
	}
	ip := make(net.IP, 4)
	copy(ip, rdata[:4])
	return RDataA{IP: ip}, nil
}

func (r RDataA) encodeRData() []byte {
	ip4 := r.IP.To4()
	if ip4 == nil {
		return make([]byte, 4)
	}
	return append([]byte(nil), ip4...)
}

type RDataAAAA struct{ IP net.IP }

func decodeAAAA(rdata []byte) (any, error) {
	if err := requireLen(rdata, 16, "AAAA"); err != nil {
		return nil, err
	}
	ip := make(net.IP, 16)
	copy(ip, rdata[:16])
	return RDataAAAA{IP: ip}, nil
}

func (r RDataAAAA) encodeRData() []byte {
	ip16 := r.IP.To16()
	if ip16 == nil {
		return make([]byte, 16)
	}
	return append([]byte(nil), ip16...)
}

// --- NS / CNAME / PTR (all "one name" RDATA) ---

type RDataNS struct{ Target Name }
type RDataCNAME struct{ Target Name }
type RDataPTR struct{ Target Name }

func decodeNameOnly(msg []byte, offset int) (any, error) {
	n, _, err := NewParser(msg).parseNameFrom(offset)
	if err != nil {
		return nil, err
	}
	return RDataNS{Target: n}, nil
}

func (r RDataNS) encodeRData() []byte    { w := NewWriter(); w.WriteName(r.Target); return w.Bytes() }
func (r RDataCNAME) encodeRData() []byte { w := NewWriter(); w.WriteName(r.Target); return w.Bytes() }
func (r RDataPTR) encodeRData() []byte   { w := NewWriter(); w.WriteName(r.Target); return w.Bytes() }

// --- MX ---

type RDataMX struct {
	Preference uint16
	Exchange   Name
}

func decodeMX(msg []byte, offset, rdlength int) (any, error) {
	if err := requireLen(msg[offset:offset+rdlength], 2, "MX"); err != nil {
		return nil, err
	}
	pref := binary.BigEndian.Uint16(msg[offset : offset+2])
	n, _, err := NewParser(msg).parseNameFrom(offset + 2)
	if err != nil {
		return nil, err
	}
	return RDataMX{Preference: pref, Exchange: n}, nil
}

func (r RDataMX) encodeRData() []byte {
	w := NewWriter()
	w.writeUint16(r.Preference)
	w.WriteName(r.Exchange)
	return w.Bytes()
}

// --- SOA ---

type RDataSOA struct {
	MName, RName                     Name
	Serial, Refresh, Retry, Expire, Minimum uint32
}

func decodeSOA(msg []byte, offset, rdlength int) (any, error) {
	end := offset + rdlength
	mname, pos, err := NewParser(msg).parseNameFrom(offset)
	if err != nil {
		return nil, err
	}
	rname, pos2, err := NewParser(msg).parseNameFrom(pos)
	if err != nil {
		return nil, err
	}
	if pos2 > end {
		return nil, ErrRDLengthMismatch
	}
	if err := requireLen(msg[pos2:end], 20, "SOA"); err != nil {
		return nil, err
	}
	return RDataSOA{
		MName:   mname,
		RName:   rname,
		Serial:  binary.BigEndian.Uint32(msg[pos2 : pos2+4]),
		Refresh: binary.BigEndian.Uint32(msg[pos2+4 : pos2+8]),
		Retry:   binary.BigEndian.Uint32(msg[pos2+8 : pos2+12]),
		Expire:  binary.BigEndian.Uint32(msg[pos2+12 : pos2+16]),
		Minimum: binary.BigEndian.Uint32(msg[pos2+16 : pos2+20]),
	}, nil
}

func (r RDataSOA) encodeRData() []byte {
	w := NewWriter()
	w.WriteName(r.MName)
	w.WriteName(r.RName)
	w.writeUint32(r.Serial)
	w.writeUint32(r.Refresh)
	w.writeUint32(r.Retry)
	w.writeUint32(r.Expire)
	w.writeUint32(r.Minimum)
	return w.Bytes()
}

// --- SRV ---

type RDataSRV struct {
	Priority, Weight, Port uint16
	Target                 Name
}

func decodeSRV(msg []byte, offset, rdlength int) (any, error) {
	if err := requireLen(msg[offset:offset+rdlength], 6, "SRV"); err != nil {
		return nil, err
	}
	priority := binary.BigEndian.Uint16(msg[offset : offset+2])
	weight := binary.BigEndian.Uint16(msg[offset+2 : offset+4])
	port := binary.BigEndian.Uint16(msg[offset+4 : offset+6])
	n, _, err := NewParser(msg).parseNameFrom(offset + 6)
	if err != nil {
		return nil, err
	}
	return RDataSRV{Priority: priority, Weight: weight, Port: port, Target: n}, nil
}

func (r RDataSRV) encodeRData() []byte {
	w := NewWriter()
	w.writeUint16(r.Priority)
	w.writeUint16(r.Weight)
	w.writeUint16(r.Port)
	w.WriteName(r.Target)
	return w.Bytes()
}

// --- CAA (RFC 8659) ---

type RDataCAA struct {
	Flag  uint8
	Tag   string
	Value []byte
}

func decodeCAA(rdata []byte) (any, error) {
	if err := requireLen(rdata, 2, "CAA"); err != nil {
		return nil, err
	}
	flag := rdata[0]
	taglen := int(rdata[1])
	if err := requireLen(rdata, 2+taglen, "CAA tag"); err != nil {
		return nil, err
	}
	tag := string(rdata[2 : 2+taglen])
	value := append([]byte(nil), rdata[2+taglen:]...)
	return RDataCAA{Flag: flag, Tag: tag, Value: value}, nil
}

func (r RDataCAA) encodeRData() []byte {
	b := make([]byte, 0, 2+len(r.Tag)+len(r.Value))
	b = append(b, r.Flag, byte(len(r.Tag)))
	b = append(b, r.Tag...)
	b = append(b, r.Value...)
	return b
}

// --- DNSKEY (RFC 4034 section 2) ---

type RDataDNSKEY struct {
	Flags     uint16
	Protocol  uint8
	Algorithm uint8
	PublicKey []byte
}

func decodeDNSKEY(rdata []byte) (any, error) {
	if err := requireLen(rdata, 4, "DNSKEY"); err != nil {
		return nil, err
	}
	return RDataDNSKEY{
		Flags:     binary.BigEndian.Uint16(rdata[0:2]),
		Protocol:  rdata[2],
		Algorithm: rdata[3],
		PublicKey: append([]byte(nil), rdata[4:]...),
	}, nil
}

func (r RDataDNSKEY) encodeRData() []byte {
	b := make([]byte, 4, 4+len(r.PublicKey))
	binary.BigEndian.PutUint16(b[0:2], r.Flags)
	b[2] = r.Protocol
	b[3] = r.Algorithm
	return append(b, r.PublicKey...)
}

// KeyTag computes the RFC 4034 Appendix B key tag for this key, used to
// match a DS record or an RRSIG's Key Tag field to the signing DNSKEY.
func (r RDataDNSKEY) KeyTag() uint16 {
	rdata := r.encodeRData()
	var ac uint32
	for i, b := range rdata {
		if i&1 == 0 {
			ac += uint32(b) << 8
		} else {
			ac += uint32(b)
		}
	}
	ac += ac >> 16 & 0xFFFF
	return uint16(ac & 0xFFFF)
}

// --- RRSIG (RFC 4034 section 3) ---

type RDataRRSIG struct {
	TypeCovered uint16
	Algorithm   uint8
	Labels      uint8
	OriginalTTL uint32
	Expiration  uint32
	Inception   uint32
	KeyTag      uint16
	SignerName  Name
	Signature   []byte
}

func decodeRRSIG(msg []byte, offset, rdlength int) (any, error) {
	fixed := msg[offset:offset+rdlength]
	if err := requireLen(fixed, 18, "RRSIG"); err != nil {
		return nil, err
	}
	signer, pos, err := NewParser(msg).parseNameFrom(offset + 18)
	if err != nil {
		return nil, err
	}
	end := offset + rdlength
	if pos > end {
		return nil, ErrRDLengthMismatch
	}
	return RDataRRSIG{
		TypeCovered: binary.BigEndian.Uint16(fixed[0:2]),
		Algorithm:   fixed[2],
		Labels:      fixed[3],
		OriginalTTL: binary.BigEndian.Uint32(fixed[4:8]),
		Expiration:  binary.BigEndian.Uint32(fixed[8:12]),
		Inception:   binary.BigEndian.Uint32(fixed[12:16]),
		KeyTag:      binary.BigEndian.Uint16(fixed[16:18]),
		SignerName:  signer,
		Signature:   append([]byte(nil), msg[pos:end]...),
	}, nil
}

func (r RDataRRSIG) encodeRData() []byte {
	w := NewWriter()
	w.writeUint16(r.TypeCovered)
	w.buf = append(w.buf, r.Algorithm, r.Labels)
	w.writeUint32(r.OriginalTTL)
	w.writeUint32(r.Expiration)
	w.writeUint32(r.Inception)
	w.writeUint16(r.KeyTag)
	w.WriteName(r.SignerName)
	w.writeBytes(r.Signature)
	return w.Bytes()
}

// --- DS (RFC 4034 section 5) ---

type RDataDS struct {
	KeyTag     uint16
	Algorithm  uint8
	DigestType uint8
	Digest     []byte
}

func decodeDS(rdata []byte) (any, error) {
	if err := requireLen(rdata, 4, "DS"); err != nil {
		return nil, err
	}
	return RDataDS{
		KeyTag:     binary.BigEndian.Uint16(rdata[0:2]),
		Algorithm:  rdata[2],
		DigestType: rdata[3],
		Digest:     append([]byte(nil), rdata[4:]...),
	}, nil
}

func (r RDataDS) encodeRData() []byte {
	b := make([]byte, 4, 4+len(r.Digest))
	binary.BigEndian.PutUint16(b[0:2], r.KeyTag)
	b[2] = r.Algorithm
	b[3] = r.DigestType
	return append(b, r.Digest...)
}

// --- NSEC (RFC 4034 section 4) ---

type RDataNSEC struct {
	NextDomain Name
	TypeBitmap []uint16
}

func decodeNSEC(msg []byte, offset, rdlength int) (any, error) {
	next, pos, err := NewParser(msg).parseNameFrom(offset)
	if err != nil {
		return nil, err
	}
	end := offset + rdlength
	if pos > end {
		return nil, ErrRDLengthMismatch
	}
	types, err := decodeTypeBitmap(msg[pos:end])
	if err != nil {
		return nil, err
	}
	return RDataNSEC{NextDomain: next, TypeBitmap: types}, nil
}

func (r RDataNSEC) encodeRData() []byte {
	w := NewWriter()
	w.WriteName(r.NextDomain)
	w.writeBytes(encodeTypeBitmap(r.TypeBitmap))
	return w.Bytes()
}

// --- NSEC3 (RFC 5155) ---

type RDataNSEC3 struct {
	HashAlgorithm  uint8
	Flags          uint8
	Iterations     uint16
	Salt           []byte
	NextHashedOwner []byte
	TypeBitmap     []uint16
}

func decodeNSEC3(rdata []byte) (any, error) {
	if err := requireLen(rdata, 5, "NSEC3"); err != nil {
		return nil, err
	}
	saltLen := int(rdata[4])
	if err := requireLen(rdata, 5+saltLen+1, "NSEC3 salt"); err != nil {
		return nil, err
	}
	salt := append([]byte(nil), rdata[5:5+saltLen]...)
	pos := 5 + saltLen
	hashLen := int(rdata[pos])
	pos++
	if err := requireLen(rdata, pos+hashLen, "NSEC3 hash"); err != nil {
		return nil, err
	}
	nextHashed := append([]byte(nil), rdata[pos:pos+hashLen]...)
	pos += hashLen
	types, err := decodeTypeBitmap(rdata[pos:])
	if err != nil {
		return nil, err
	}
	return RDataNSEC3{
		HashAlgorithm:   rdata[0],
		Flags:           rdata[1],
		Iterations:      binary.BigEndian.Uint16(rdata[2:4]),
		Salt:            salt,
		NextHashedOwner: nextHashed,
		TypeBitmap:      types,
	}, nil
}

func (r RDataNSEC3) encodeRData() []byte {
	b := make([]byte, 0, 6+len(r.Salt)+len(r.NextHashedOwner))
	b = append(b, r.HashAlgorithm, r.Flags)
	var iter [2]byte
	binary.BigEndian.PutUint16(iter[:], r.Iterations)
	b = append(b, iter[:]...)
	b = append(b, byte(len(r.Salt)))
	b = append(b, r.Salt...)
	b = append(b, byte(len(r.NextHashedOwner)))
	b = append(b, r.NextHashedOwner...)
	b = append(b, encodeTypeBitmap(r.TypeBitmap)...)
	return b
}

type RDataNSEC3PARAM struct {
	HashAlgorithm uint8
	Flags         uint8
	Iterations    uint16
	Salt          []byte
}

func decodeNSEC3PARAM(rdata []byte) (any, error) {
	if err := requireLen(rdata, 5, "NSEC3PARAM"); err != nil {
		return nil, err
	}
	saltLen := int(rdata[4])
	if err := requireLen(rdata, 5+saltLen, "NSEC3PARAM salt"); err != nil {
		return nil, err
	}
	return RDataNSEC3PARAM{
		HashAlgorithm: rdata[0],
		Flags:         rdata[1],
		Iterations:    binary.BigEndian.Uint16(rdata[2:4]),
		Salt:          append([]byte(nil), rdata[5:5+saltLen]...),
	}, nil
}

func (r RDataNSEC3PARAM) encodeRData() []byte {
	b := make([]byte, 5, 5+len(r.Salt))
	b[0] = r.HashAlgorithm
	b[1] = r.Flags
	binary.BigEndian.PutUint16(b[2:4], r.Iterations)
	b[4] = byte(len(r.Salt))
	return append(b, r.Salt...)
}

// decodeTypeBitmap decodes the RFC 4034 section 4.1.2 windowed bitmap
// format shared by NSEC and NSEC3 into a sorted list of covered RR types.
func decodeTypeBitmap(b []byte) ([]uint16, error) {
	var types []uint16
	i := 0
	for i < len(b) {
		if i+2 > len(b) {
			return nil, fmt.Errorf("%w: truncated NSEC window", ErrFormat)
		}
		window := int(b[i])
		length := int(b[i+1])
		if length == 0 || length > 32 {
			return nil, fmt.Errorf("%w: invalid NSEC bitmap length %d", ErrFormat, length)
		}
		i += 2
		if i+length > len(b) {
			return nil, fmt.Errorf("%w: truncated NSEC bitmap", ErrFormat)
		}
		for byteIdx := 0; byteIdx < length; byteIdx++ {
			bits := b[i+byteIdx]
			for bit := 0; bit < 8; bit++ {
				if bits&(0x80>>uint(bit)) != 0 {
					types = append(types, uint16(window*256+byteIdx*8+bit))
				}
			}
		}
		i += length
	}
	return types, nil
}

// encodeTypeBitmap is the inverse of decodeTypeBitmap.
func encodeTypeBitmap(types []uint16) []byte {
	byWindow := map[int][]uint16{}
	for _, t := range types {
		w := int(t / 256)
		byWindow[w] = append(byWindow[w], t)
	}
	var out []byte
	for w := 0; w < 256; w++ {
		members, ok := byWindow[w]
		if !ok {
			continue
		}
		maxByte := 0
		for _, t := range members {
			b := int(t%256) / 8
			if b > maxByte {
				maxByte = b
			}
		}
		length := maxByte + 1
		bitmap := make([]byte, length)
		for _, t := range members {
			idx := int(t % 256)
			bitmap[idx/8] |= 0x80 >> uint(idx%8)
		}
		out = append(out, byte(w), byte(length))
		out = append(out, bitmap...)
	}
	return out
}

// --- TLSA (RFC 6698) ---

type RDataTLSA struct {
	CertUsage, Selector, MatchingType uint8
	Certificate                       []byte
}

func decodeTLSA(rdata []byte) (any, error) {
	if err := requireLen(rdata, 3, "TLSA"); err != nil {
		return nil, err
	}
	return RDataTLSA{
		CertUsage:    rdata[0],
		Selector:     rdata[1],
		MatchingType: rdata[2],
		Certificate:  append([]byte(nil), rdata[3:]...),
	}, nil
}

func (r RDataTLSA) encodeRData() []byte {
	b := make([]byte, 3, 3+len(r.Certificate))
	b[0], b[1], b[2] = r.CertUsage, r.Selector, r.MatchingType
	return append(b, r.Certificate...)
}

// --- SSHFP (RFC 4255) ---

type RDataSSHFP struct {
	Algorithm, FPType uint8
	Fingerprint       []byte
}

func decodeSSHFP(rdata []byte) (any, error) {
	if err := requireLen(rdata, 2, "SSHFP"); err != nil {
		return nil, err
	}
	return RDataSSHFP{
		Algorithm:   rdata[0],
		FPType:      rdata[1],
		Fingerprint: append([]byte(nil), rdata[2:]...),
	}, nil
}

func (r RDataSSHFP) encodeRData() []byte {
	b := make([]byte, 2, 2+len(r.Fingerprint))
	b[0], b[1] = r.Algorithm, r.FPType
	return append(b, r.Fingerprint...)
}

// --- TXT ---

type RDataTXT struct{ Strings [][]byte }

func decodeTXT(rdata []byte) (any, error) {
	var strs [][]byte
	i := 0
	for i < len(rdata) {
		l := int(rdata[i])
		i++
		if i+l > len(rdata) {
			return nil, fmt.Errorf("%w: truncated TXT segment", ErrFormat)
		}
		strs = append(strs, append([]byte(nil), rdata[i:i+l]...))
		i += l
	}
	return RDataTXT{Strings: strs}, nil
}

func (r RDataTXT) encodeRData() []byte {
	var b []byte
	for _, s := range r.Strings {
		b = append(b, byte(len(s)))
		b = append(b, s...)
	}
	return b
}

// --- OPT (RFC 6891): kept opaque, options are not interpreted beyond what
// Message.DO/ExtendedRcode/UDPSize read out of the fixed RR fields. ---

type RDataOPT struct{ Raw []byte }

func (r RDataOPT) encodeRData() []byte { return append([]byte(nil), r.Raw...) }
