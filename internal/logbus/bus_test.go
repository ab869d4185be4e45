package logbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestOverwriteOldest 容量 4，寫入 6 則，只留下 e3..e6
func TestOverwriteOldest(t *testing.T) {
	bus := New(4)
	for i := 1; i <= 6; i++ {
		bus.Log("[TEST]", fmt.Sprintf("e%d", i))
	}
	assert.Equal(t, 4, bus.Len())
	assert.Equal(t, uint64(2), bus.Dropped())

	sub, err := bus.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	var got []string
	for _, ev := range sub.Drain() {
		got = append(got, ev.Text)
	}
	assert.Equal(t, []string{"e3", "e4", "e5", "e6"}, got)
	assert.Equal(t, 0, bus.Len())
}

func TestSingleSubscriber(t *testing.T) {
	bus := New(8)

	sub, err := bus.Subscribe()
	require.NoError(t, err)

	_, err = bus.Subscribe()
	assert.ErrorIs(t, err, ErrBusy)

	sub.Close()
	sub.Close()

	again, err := bus.Subscribe()
	require.NoError(t, err)
	again.Close()
}

func TestNextTimeout(t *testing.T) {
	bus := New(8)
	sub, err := bus.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	start := time.Now()
	_, ok := sub.Next(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	_, ok = sub.Next(0)
	assert.False(t, ok)
}

func TestNextWakesOnPublish(t *testing.T) {
	bus := New(8)
	sub, err := bus.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Log("[UPLOAD]", "hello")
	}()

	ev, ok := sub.Next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "[UPLOAD]", ev.Category)
	assert.Equal(t, "hello", ev.Text)
	assert.False(t, ev.Time.IsZero())
}

// TestPublishNeverBlocks 沒有訂閱者時大量並發寫入也不阻塞
func TestPublishNeverBlocks(t *testing.T) {
	bus := New(16)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					bus.Log("[X]", "spam")
				}
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishers blocked")
	}
	assert.Equal(t, 16, bus.Len())
}

func TestCoreForwardsZapEntries(t *testing.T) {
	bus := New(8)
	logger := zap.New(NewCore(bus, zapcore.InfoLevel))

	logger.Debug("hidden")
	logger.Named("upload").Info("transfer complete", zap.String("file", "a.bin"))
	logger.With(zap.Int("worker", 2)).Warn("slow peer")

	sub, err := bus.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	events := sub.Drain()
	require.Len(t, events, 2)

	assert.Equal(t, "[UPLOAD]", events[0].Category)
	assert.Contains(t, events[0].Text, "transfer complete")
	assert.Contains(t, events[0].Text, "a.bin")

	assert.Equal(t, "[WARN]", events[1].Category)
	assert.Contains(t, events[1].Text, "slow peer")
	assert.Contains(t, events[1].Text, "worker")
}
