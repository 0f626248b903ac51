package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordSuccessResetsFailures(t *testing.T) {
	tr := NewTracker(3)
	tr.RecordFailure("1.1.1.1:53")
	tr.RecordFailure("1.1.1.1:53")

	tr.RecordSuccess("1.1.1.1:53", 20*time.Millisecond)

	rec := tr.Get("1.1.1.1:53")
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.True(t, rec.Healthy)
	assert.Equal(t, 20*time.Millisecond, rec.EMARTT)
}

func TestRecordSuccessUpdatesEMA(t *testing.T) {
	tr := NewTracker(3)
	tr.RecordSuccess("1.1.1.1:53", 100*time.Millisecond)
	tr.RecordSuccess("1.1.1.1:53", 0)

	rec := tr.Get("1.1.1.1:53")
	// ema = 0.25*0 + 0.75*100ms = 75ms
	assert.Equal(t, 75*time.Millisecond, rec.EMARTT)
}

func TestUnhealthyAfterThreshold(t *testing.T) {
	tr := NewTracker(3)
	addr := "1.1.1.1:53"

	tr.RecordFailure(addr)
	tr.RecordFailure(addr)
	assert.True(t, tr.IsHealthy(addr), "below threshold should stay healthy")

	tr.RecordFailure(addr)
	assert.False(t, tr.IsHealthy(addr), "at threshold should become unhealthy")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	tr := NewTracker(1)
	addr := "1.1.1.1:53"

	tr.RecordFailure(addr)
	first := tr.Get(addr).NextRetryAt

	tr.RecordFailure(addr)
	second := tr.Get(addr).NextRetryAt
	assert.True(t, second.After(first))

	for i := 0; i < 10; i++ {
		tr.RecordFailure(addr)
	}
	rec := tr.Get(addr)
	assert.LessOrEqual(t, time.Until(rec.NextRetryAt), backoffCap)
}

func TestOrderPrefersHealthyThenLowerRTT(t *testing.T) {
	tr := NewTracker(3)
	tr.RecordSuccess("slow:53", 200*time.Millisecond)
	tr.RecordSuccess("fast:53", 10*time.Millisecond)
	tr.RecordFailure("down:53")
	tr.RecordFailure("down:53")
	tr.RecordFailure("down:53")

	ordered := tr.Order([]string{"slow:53", "down:53", "fast:53"})
	assert.Equal(t, []string{"fast:53", "slow:53", "down:53"}, ordered)
}

func TestOrderUntouchedServersSortLast(t *testing.T) {
	tr := NewTracker(3)
	tr.RecordSuccess("known:53", 10*time.Millisecond)

	ordered := tr.Order([]string{"unknown:53", "known:53"})
	assert.Equal(t, []string{"known:53", "unknown:53"}, ordered)
}
