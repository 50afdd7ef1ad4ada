package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake(t *testing.T) {
	t.Parallel()
	zurich := time.FixedZone("CET", 3600)
	c := NewFake(time.Date(2026, 3, 1, 13, 0, 0, 0, zurich))

	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), c.Now())
	assert.Equal(t, time.UTC, c.Now().Location())

	c.Advance(90 * time.Second)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 30, 0, time.UTC), c.Now())

	c.Set(time.Date(2026, 3, 2, 1, 0, 0, 0, zurich))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), c.Now())
}

func TestRealIsUTC(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.UTC, Real{}.Now().Location())
}
