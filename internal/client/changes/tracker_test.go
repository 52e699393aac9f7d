package changes

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsumeDirtySwapsFlag(t *testing.T) {
	tracker := NewTracker()
	require.False(t, tracker.ConsumeDirty())

	tracker.MarkDirty()
	require.True(t, tracker.IsDirty())
	require.True(t, tracker.ConsumeDirty())
	require.False(t, tracker.ConsumeDirty())
}

func TestRestoreDoesNotNotify(t *testing.T) {
	tracker := NewTracker()
	calls := 0
	tracker.Subscribe(func() { calls++ })

	tracker.Restore()
	require.Equal(t, 0, calls)
	require.True(t, tracker.ConsumeDirty())
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	tracker := NewTracker()
	var first, second int
	unsubscribeFirst := tracker.Subscribe(func() { first++ })
	tracker.Subscribe(func() { second++ })

	tracker.MarkDirty()
	unsubscribeFirst()
	unsubscribeFirst()
	tracker.MarkDirty()

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestListenerMaySubscribeDuringNotify(t *testing.T) {
	tracker := NewTracker()
	nested := 0
	tracker.Subscribe(func() {
		tracker.Subscribe(func() { nested++ })
	})

	tracker.MarkDirty()
	tracker.MarkDirty()
	require.Equal(t, 1, nested)
}

func TestConcurrentMarkAndConsumeLosesNothing(t *testing.T) {
	tracker := NewTracker()
	const writers = 8

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			tracker.MarkDirty()
		}()
	}
	wg.Wait()

	require.True(t, tracker.ConsumeDirty())
	require.False(t, tracker.IsDirty())
}
