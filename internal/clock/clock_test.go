package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	require.Zero(t, fired)
	require.Equal(t, 1, c.Pending())

	c.Advance(time.Millisecond)
	require.Equal(t, 1, fired)
	require.Zero(t, c.Pending())

	c.Advance(time.Hour)
	require.Equal(t, 1, fired)
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	require.False(t, fired)
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.AfterFunc(time.Second, func() {
		order = append(order, 1)
		c.AfterFunc(time.Second, func() { order = append(order, 3) })
	})

	c.Advance(5 * time.Second)
	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, epoch.Add(5*time.Second), c.Now())
	require.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	require.Equal(t, []int{1, 2, 3}, order)
}
