package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupRunsQueuedAndSpawnedTasks(t *testing.T) {
	var g = NewGroup(context.Background())
	var count int32

	for i := 0; i != 3; i++ {
		g.Queue("counter", func() error {
			atomic.AddInt32(&count, 1)
			return nil
		})
	}
	g.GoRun()

	require.True(t, g.Go("spawned", func() error {
		atomic.AddInt32(&count, 1)
		return nil
	}))
	require.NoError(t, g.Wait())
	require.Equal(t, int32(4), atomic.LoadInt32(&count))

	// Wait cancels the Group Context, and further tasks aren't started.
	require.Error(t, g.Context().Err())
	require.False(t, g.Go("late", func() error { panic("not reached") }))
}

func TestGroupCancelsOnFirstError(t *testing.T) {
	var g = NewGroup(context.Background())

	g.Queue("failing", func() error { return errors.New("whoops") })
	g.Queue("waiting", func() error {
		<-g.Context().Done()
		return nil
	})
	g.GoRun()

	require.EqualError(t, g.Wait(), "failing: whoops")
}

func TestGroupPanicsOnMisuse(t *testing.T) {
	var g = NewGroup(context.Background())

	require.PanicsWithValue(t, "Wait called before GoRun", func() { _ = g.Wait() })
	require.PanicsWithValue(t, "Go called before GoRun", func() { g.Go("", nil) })

	g.GoRun()
	require.PanicsWithValue(t, "GoRun already called", func() { g.GoRun() })
	require.PanicsWithValue(t, "Queue called after GoRun", func() { g.Queue("", nil) })
	require.NoError(t, g.Wait())
}
