package pgmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinTime(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Second)
	assert.Equal(t, now, minTime(now, later))
	assert.Equal(t, now, minTime(later, now))
	assert.Equal(t, now, minTime(time.Time{}, now))
	assert.Equal(t, now, minTime(now, time.Time{}))
	assert.True(t, minTime(time.Time{}, time.Time{}).IsZero())
}

func TestCalculateExtendAt(t *testing.T) {
	before := time.Now()
	at := calculateExtendAt(before.Add(10 * time.Second))
	assert.WithinDuration(t, before.Add(5*time.Second), at, 100*time.Millisecond)

	expired := calculateExtendAt(before.Add(-time.Second))
	assert.WithinDuration(t, time.Now(), expired, 100*time.Millisecond)
}

func TestVTHeapOrdering(t *testing.T) {
	h := newVTHeap()
	now := time.Now()
	h.push(&vtInfo{key: deliveryKey{id: 1, readCount: 1}, extendAt: now.Add(3 * time.Second)})
	h.push(&vtInfo{key: deliveryKey{id: 2, readCount: 1}, extendAt: now.Add(time.Second)})
	h.push(&vtInfo{key: deliveryKey{id: 3, readCount: 1}, extendAt: now.Add(2 * time.Second)})

	require.Equal(t, 3, h.Len())
	assert.Equal(t, int64(2), h.peek().key.id)
	assert.Equal(t, int64(2), h.pop().key.id)
	assert.Equal(t, int64(3), h.pop().key.id)
	assert.Equal(t, int64(1), h.pop().key.id)
	assert.Nil(t, h.peek())
}

func TestVTHeapPushReplaces(t *testing.T) {
	h := newVTHeap()
	now := time.Now()
	key := deliveryKey{id: 1, readCount: 1}
	h.push(&vtInfo{key: key, extendAt: now.Add(time.Second)})
	h.push(&vtInfo{key: key, extendAt: now.Add(5 * time.Second)})
	require.Equal(t, 1, h.Len())
	assert.Equal(t, now.Add(5*time.Second), h.peek().extendAt)

	// a later read of the same message is tracked separately
	h.push(&vtInfo{key: deliveryKey{id: 1, readCount: 2}, extendAt: now})
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, int64(2), h.peek().key.readCount)
}

func TestVTHeapRemove(t *testing.T) {
	h := newVTHeap()
	now := time.Now()
	for i := int64(1); i <= 5; i++ {
		h.push(&vtInfo{key: deliveryKey{id: i, readCount: 1}, extendAt: now.Add(time.Duration(i) * time.Second)})
	}

	removed := h.remove(deliveryKey{id: 1, readCount: 1})
	require.NotNil(t, removed)
	assert.Nil(t, h.remove(deliveryKey{id: 1, readCount: 1}), "second remove is a no-op")
	assert.Nil(t, h.remove(deliveryKey{id: 3, readCount: 9}))
	h.remove(deliveryKey{id: 4, readCount: 1})

	var order []int64
	for h.Len() > 0 {
		order = append(order, h.pop().key.id)
	}
	assert.Equal(t, []int64{2, 3, 5}, order)
	assert.Empty(t, h.itemIndex)
}

func TestValidateConsumeOptions(t *testing.T) {
	opts := defaultConsumeOptions()
	require.NoError(t, validateConsumeOptions(&opts))

	tests := []struct {
		name   string
		opt    ConsumeOption
		errMsg string
	}{
		{"batch size", WithBatchSize(0), "batch size must be positive"},
		{"check timeout", WithCheckTimeout(0), "check timeout must be positive"},
		{"vt", WithVT(-1), "visibility timeout must be positive"},
		{"extend batch", WithExtendBatchSize(0), "extend batch size must be positive"},
		{"max read count", WithMaxReadCount(-1), "max read count must not be negative"},
		{"max in flight", WithMaxInFlight(-1), "max in flight must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultConsumeOptions()
			tt.opt(&o)
			err := validateConsumeOptions(&o)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
