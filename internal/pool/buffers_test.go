package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dnsscience/heimdall/internal/wire"
)

func TestMessagePoolResetsBetweenUses(t *testing.T) {
	msg := GetMessage()
	msg.Header.ID = 0x1234
	msg.Question = append(msg.Question, wire.Question{Type: wire.TypeA})
	PutMessage(msg)

	msg2 := GetMessage()
	assert.Equal(t, uint16(0), msg2.Header.ID)
	assert.Len(t, msg2.Question, 0)
	PutMessage(msg2)
}

func TestPutMessageNilDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { PutMessage(nil) })
}

func TestSmallBufferPool(t *testing.T) {
	buf := GetSmallBuffer()
	assert.Len(t, buf, SmallBufferSize)
	copy(buf, []byte("test data"))
	PutSmallBuffer(buf)

	buf2 := GetSmallBuffer()
	assert.Len(t, buf2, SmallBufferSize)
}

func TestMediumBufferPool(t *testing.T) {
	buf := GetMediumBuffer()
	assert.Len(t, buf, MediumBufferSize)
	PutMediumBuffer(buf)

	buf2 := GetMediumBuffer()
	assert.Len(t, buf2, MediumBufferSize)
}

func TestLargeBufferPool(t *testing.T) {
	buf := GetLargeBuffer()
	assert.Len(t, buf, LargeBufferSize)
	PutLargeBuffer(buf)

	buf2 := GetLargeBuffer()
	assert.Len(t, buf2, LargeBufferSize)
}

func TestGetBufferPicksSmallestFittingPool(t *testing.T) {
	tests := []struct {
		size        int
		expectedCap int
	}{
		{100, SmallBufferSize},
		{512, SmallBufferSize},
		{1024, MediumBufferSize},
		{4096, MediumBufferSize},
		{8192, LargeBufferSize},
		{65535, LargeBufferSize},
	}

	for _, tt := range tests {
		buf := GetBuffer(tt.size)
		assert.Equal(t, tt.expectedCap, cap(buf))
		PutBuffer(buf)
	}
}

func TestPutBufferRoutesBySize(t *testing.T) {
	small := GetSmallBuffer()
	PutBuffer(small)

	medium := GetMediumBuffer()
	PutBuffer(medium)

	large := GetLargeBuffer()
	PutBuffer(large)

	weird := make([]byte, 1234)
	assert.NotPanics(t, func() { PutBuffer(weird) })
}

func TestPutSmallBufferIgnoresUndersized(t *testing.T) {
	small := make([]byte, 100)
	assert.NotPanics(t, func() { PutSmallBuffer(small) })
}

func TestResetPoolsStillFunctional(t *testing.T) {
	msg := GetMessage()
	buf := GetSmallBuffer()

	ResetPools()

	msg2 := GetMessage()
	assert.NotNil(t, msg2)

	buf2 := GetSmallBuffer()
	assert.Len(t, buf2, SmallBufferSize)

	PutMessage(msg)
	PutMessage(msg2)
	PutSmallBuffer(buf)
	PutSmallBuffer(buf2)
}

func BenchmarkMessagePool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		msg := GetMessage()
		msg.Question = append(msg.Question, wire.Question{Type: wire.TypeA})
		PutMessage(msg)
	}
}

func BenchmarkSmallBufferPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetSmallBuffer()
		PutSmallBuffer(buf)
	}
}
