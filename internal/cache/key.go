package cache

import (
	"encoding/binary"
	"hash/fnv"
	"strings"
)

// Key identifies a cached response by canonical query name, type and
// class (spec.md section 4.4's CacheKey).
type Key struct {
	Name  string // lowercase, trailing-dot FQDN
	Type  uint16
	Class uint16
}

// NewKey canonicalizes name (lowercased, trailing dot ensured) into a Key.
func NewKey(name string, qtype, qclass uint16) Key {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return Key{Name: name, Type: qtype, Class: qclass}
}

// Hash returns the FNV-1a hash used to index the sharded main tier and hot
// tier maps.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.Name))
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[0:2], k.Type)
	binary.BigEndian.PutUint16(buf[2:4], k.Class)
	h.Write(buf[:])
	return h.Sum64()
}

// Bytes encodes the key in the snapshot wire shape: canonical-name as a
// length-prefixed UTF-8 string followed by u16 rtype and u16 rclass.
func (k Key) Bytes() []byte {
	nameBytes := []byte(k.Name)
	buf := make([]byte, 2+len(nameBytes)+4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(nameBytes)))
	copy(buf[2:], nameBytes)
	off := 2 + len(nameBytes)
	binary.BigEndian.PutUint16(buf[off:off+2], k.Type)
	binary.BigEndian.PutUint16(buf[off+2:off+4], k.Class)
	return buf
}

// KeyFromBytes decodes a Key encoded by Bytes.
func KeyFromBytes(b []byte) (Key, bool) {
	if len(b) < 2 {
		return Key{}, false
	}
	nameLen := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+nameLen+4 {
		return Key{}, false
	}
	name := string(b[2 : 2+nameLen])
	off := 2 + nameLen
	qtype := binary.BigEndian.Uint16(b[off : off+2])
	qclass := binary.BigEndian.Uint16(b[off+2 : off+4])
	return Key{Name: name, Type: qtype, Class: qclass}, true
}
