package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContextRunsTasksInOrder(t *testing.T) {
	c := NewContext("test")
	defer c.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		c.Submit(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tasks")
	}
	for i := 0; i < 10; i++ {
		require.Equal(t, i, order[i])
	}
}

func TestContextSchedule(t *testing.T) {
	c := NewContext("test")
	defer c.Stop()

	fired := make(chan struct{})
	c.Schedule(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestContextScheduleCancel(t *testing.T) {
	c := NewContext("test")
	defer c.Stop()

	fired := make(chan struct{})
	cancel := c.Schedule(20*time.Millisecond, func() { close(fired) })
	cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFutureCompleteOnce(t *testing.T) {
	f := NewFuture[int]()
	f.Complete(1, nil)
	f.Complete(2, nil)
	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}
