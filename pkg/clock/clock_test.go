package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var order []string
	c.AfterFunc(20*time.Millisecond, func() { order = append(order, "late") })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, "early") })

	c.Advance(5 * time.Millisecond)
	assert.Empty(t, order)
	assert.Equal(t, 2, c.Pending())

	c.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClockStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
}
