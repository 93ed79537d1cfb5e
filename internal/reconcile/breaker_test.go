package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAndHalfOpens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute, 5*time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow("k"))
	assert.False(t, b.Record("k"))
	assert.False(t, b.Record("k"))
	assert.True(t, b.Record("k"), "third action within a minute trips")
	assert.False(t, b.Allow("k"))
	assert.Equal(t, []string{"k"}, b.Open())
	assert.True(t, b.Allow("other"), "keys are independent")

	now = now.Add(5 * time.Minute)
	assert.True(t, b.Allow("k"))
	assert.Equal(t, BreakerHalfOpen, b.State("k"))
	assert.False(t, b.Record("k"))
	assert.Equal(t, BreakerClosed, b.State("k"))
}

func TestBreakerWindowSlides(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute, time.Hour)
	b.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		assert.False(t, b.Record("k"))
		now = now.Add(40 * time.Second)
	}
	assert.Equal(t, BreakerClosed, b.State("k"))
}
