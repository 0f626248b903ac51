package cache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// snapshotMagic is the fixed 8-byte header spec.md section 6 requires.
var snapshotMagic = [8]byte{'H', 'E', 'I', 'M', 'D', 'L', '0', '1'}

const (
	negativeFlagBit  = 1 << 0
	negativeKindMask = 0b0000_0110 // bits 1-2
	negativeKindShift = 1
)

// snapshotRecord is one entry's on-disk shape:
//
//	u32 key_len, key_len bytes key (Key.Bytes())
//	u64 absolute UNIX expires_at
//	u8  flags (bit0=negative, bits1-2=negative-kind)
//	u32 response_len, response_len bytes serialized DNS message
type snapshotRecord struct {
	Key       Key
	ExpiresAt time.Time
	Kind      NegativeKind
	Data      []byte
}

// SaveSnapshot writes cache's positive (and negative) entries to path
// atomically: data lands in a sibling temp file first, then is renamed
// into place, so a crash mid-write never corrupts the existing snapshot.
func SaveSnapshot(path string, c *ShardedCache) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)

	var records []snapshotRecord
	c.ForEach(func(hash uint64, e *Entry) {
		key := NewKey(e.QName, e.QType, e.QClass)
		records = append(records, snapshotRecord{
			Key:       key,
			ExpiresAt: e.ExpiresAt,
			Kind:      e.Kind,
			Data:      e.Data,
		})
	})

	if _, err := w.Write(snapshotMagic[:]); err != nil {
		tmp.Close()
		return err
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(records)))
	if _, err := w.Write(countBuf[:]); err != nil {
		tmp.Close()
		return err
	}

	for _, rec := range records {
		if err := writeRecord(w, rec); err != nil {
			tmp.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeRecord(w io.Writer, rec snapshotRecord) error {
	keyBytes := rec.Key.Bytes()

	var header bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(keyBytes)))
	header.Write(u32[:])
	header.Write(keyBytes)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(rec.ExpiresAt.Unix()))
	header.Write(u64[:])

	var flags byte
	if rec.Kind != NegativeNone {
		flags |= negativeFlagBit
		flags |= byte(rec.Kind) << negativeKindShift & negativeKindMask
	}
	header.WriteByte(flags)

	binary.BigEndian.PutUint32(u32[:], uint32(len(rec.Data)))
	header.Write(u32[:])

	if _, err := w.Write(header.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(rec.Data)
	return err
}

// LoadSnapshot reads path and populates c with every entry that has not
// already expired, clamping future expires_at timestamps so a clock
// rollback or a stale file can't resurrect an entry for longer than
// maxFutureTTL. A legacy JSON-encoded snapshot is also accepted, read
// only, for migration off older deployments.
func LoadSnapshot(path string, c *ShardedCache, maxFutureTTL time.Duration) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	if len(data) >= 8 && bytes.Equal(data[:8], snapshotMagic[:]) {
		return loadBinarySnapshot(data, c, maxFutureTTL)
	}
	return loadLegacyJSONSnapshot(data, c, maxFutureTTL)
}

func loadBinarySnapshot(data []byte, c *ShardedCache, maxFutureTTL time.Duration) (int, error) {
	if len(data) < 12 {
		return 0, fmt.Errorf("cache: snapshot truncated")
	}
	count := binary.BigEndian.Uint32(data[8:12])
	off := 12

	now := time.Now()
	loaded := 0

	for i := uint32(0); i < count; i++ {
		if off+4 > len(data) {
			return loaded, fmt.Errorf("cache: snapshot truncated at record %d", i)
		}
		keyLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if off+keyLen > len(data) {
			return loaded, fmt.Errorf("cache: snapshot truncated key at record %d", i)
		}
		key, ok := KeyFromBytes(data[off : off+keyLen])
		if !ok {
			return loaded, fmt.Errorf("cache: malformed key at record %d", i)
		}
		off += keyLen

		if off+13 > len(data) {
			return loaded, fmt.Errorf("cache: snapshot truncated header at record %d", i)
		}
		expiresUnix := int64(binary.BigEndian.Uint64(data[off : off+8]))
		off += 8
		flags := data[off]
		off++
		respLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if off+respLen > len(data) {
			return loaded, fmt.Errorf("cache: snapshot truncated payload at record %d", i)
		}
		payload := data[off : off+respLen]
		off += respLen

		expiresAt := time.Unix(expiresUnix, 0)
		if expiresAt.Before(now) {
			continue // already expired
		}
		if maxFutureTTL > 0 && expiresAt.After(now.Add(maxFutureTTL)) {
			expiresAt = now.Add(maxFutureTTL)
		}

		kind := NegativeNone
		if flags&negativeFlagBit != 0 {
			kind = NegativeKind((flags & negativeKindMask) >> negativeKindShift)
		}

		entry := &Entry{
			Data:      append([]byte(nil), payload...),
			ExpiresAt: expiresAt,
			QName:     key.Name,
			QType:     key.Type,
			QClass:    key.Class,
			Kind:      kind,
		}
		c.Set(key.Hash(), entry)
		loaded++
	}
	return loaded, nil
}

// legacyJSONRecord is the JSON shape an older deployment's snapshot used.
type legacyJSONRecord struct {
	Name      string `json:"name"`
	Type      uint16 `json:"type"`
	Class     uint16 `json:"class"`
	ExpiresAt int64  `json:"expires_at"`
	Negative  bool   `json:"negative"`
	Kind      uint8  `json:"kind"`
	Data      []byte `json:"data"`
}

func loadLegacyJSONSnapshot(data []byte, c *ShardedCache, maxFutureTTL time.Duration) (int, error) {
	var records []legacyJSONRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("cache: not a recognized snapshot format: %w", err)
	}

	now := time.Now()
	loaded := 0
	for _, rec := range records {
		expiresAt := time.Unix(rec.ExpiresAt, 0)
		if expiresAt.Before(now) {
			continue
		}
		if maxFutureTTL > 0 && expiresAt.After(now.Add(maxFutureTTL)) {
			expiresAt = now.Add(maxFutureTTL)
		}

		kind := NegativeNone
		if rec.Negative {
			kind = NegativeKind(rec.Kind)
		}

		key := NewKey(rec.Name, rec.Type, rec.Class)
		entry := &Entry{
			Data:      rec.Data,
			ExpiresAt: expiresAt,
			QName:     key.Name,
			QType:     key.Type,
			QClass:    key.Class,
			Kind:      kind,
		}
		c.Set(key.Hash(), entry)
		loaded++
	}
	return loaded, nil
}
