package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutGet(t *testing.T) {
	c := New(Options{Main: Config{MaxEntries: 100}})
	defer c.Close()

	key := NewKey("www.example.com", 1, 1)
	c.Put(key, &Entry{
		Data:      []byte("resp"),
		ExpiresAt: time.Now().Add(time.Minute),
		QName:     key.Name,
		QType:     key.Type,
		QClass:    key.Class,
	})

	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("resp"), entry.Data)
}

func TestCachePromotesToHotTier(t *testing.T) {
	c := New(Options{Main: Config{MaxEntries: 100}, HotCapacity: 10})
	defer c.Close()

	key := NewKey("www.example.com", 1, 1)
	c.Put(key, &Entry{
		Data:      []byte("resp"),
		ExpiresAt: time.Now().Add(time.Minute),
	})

	for i := 0; i < promotionThreshold+1; i++ {
		c.Get(key)
	}

	_, ok := c.hot.get(key.Hash())
	assert.True(t, ok, "entry should have been promoted to the hot tier")
}

func TestCacheInvalidate(t *testing.T) {
	c := New(Options{Main: Config{MaxEntries: 100}})
	defer c.Close()

	key := NewKey("www.example.com", 1, 1)
	c.Put(key, &Entry{Data: []byte("resp"), ExpiresAt: time.Now().Add(time.Minute)})

	c.Invalidate(key)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestCacheFlush(t *testing.T) {
	c := New(Options{Main: Config{MaxEntries: 100}})
	defer c.Close()

	key := NewKey("www.example.com", 1, 1)
	c.Put(key, &Entry{Data: []byte("resp"), ExpiresAt: time.Now().Add(time.Minute)})

	c.Flush()

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestCacheLookupZone(t *testing.T) {
	c := New(Options{Main: Config{MaxEntries: 100}})
	defer c.Close()

	a := NewKey("www.example.com", 1, 1)
	b := NewKey("mail.example.com", 1, 1)
	other := NewKey("www.other.com", 1, 1)

	for _, k := range []Key{a, b, other} {
		c.Put(k, &Entry{Data: []byte("resp"), ExpiresAt: time.Now().Add(time.Minute)})
	}

	hashes := c.LookupZone("example.com")
	assert.ElementsMatch(t, []uint64{a.Hash(), b.Hash()}, hashes)
}

func TestNegativeTTLUsesLesserOfTTLAndMinimum(t *testing.T) {
	ttl := NegativeTTL(900, 300, 0, 0)
	assert.Equal(t, 300*time.Second, ttl)
}

func TestNegativeTTLClampedToFloorAndCeiling(t *testing.T) {
	assert.Equal(t, 10*time.Second, NegativeTTL(5, 5, 10*time.Second, 0))
	assert.Equal(t, 20*time.Second, NegativeTTL(3600, 3600, 0, 20*time.Second))
}
