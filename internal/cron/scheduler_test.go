package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatches_WildcardAndLiteral(t *testing.T) {
	// 2026-07-31 is a Friday; time 09:05.
	now := time.Date(2026, time.July, 31, 9, 5, 0, 0, time.UTC)

	assert.True(t, matches("* * * * *", now))
	assert.True(t, matches("5 9 31 7 5", now))
	assert.False(t, matches("6 9 31 7 5", now), "minute mismatch")
	assert.False(t, matches("5 10 31 7 5", now), "hour mismatch")
}

func TestMatches_RejectsUnsupportedSyntax(t *testing.T) {
	now := time.Date(2026, time.July, 31, 9, 5, 0, 0, time.UTC)
	// Ranges, lists, and steps are not supported by design (§4.4).
	assert.False(t, matches("0-5 * * * *", now))
	assert.False(t, matches("1,2,3 * * * *", now))
	assert.False(t, matches("*/5 * * * *", now))
}

func TestScheduler_DedupWithin50Seconds(t *testing.T) {
	s := New(nil, nil)
	key := "fn|* * * * *"

	t0 := time.Date(2026, time.July, 31, 9, 5, 0, 0, time.UTC)
	assert.True(t, s.shouldFire(key, t0), "first fire always allowed")
	assert.False(t, s.shouldFire(key, t0.Add(10*time.Second)), "within 50s window")
	assert.True(t, s.shouldFire(key, t0.Add(51*time.Second)), "past the window")
}
