package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testFrameDuration = time.Second / 60

func TestBandsForScaleWithCacheSize(t *testing.T) {
	b := bandsFor(testFrameDuration, 100)
	// 0.18 * 100 = 18 frames, 0.9 * 100 = 90 frames
	assert.Equal(t, 18*testFrameDuration, b.minLookAhead)
	assert.Equal(t, 90*testFrameDuration, b.maxLookAhead)
	assert.Equal(t, 9*testFrameDuration, b.minChunk)
	assert.Equal(t, 45*testFrameDuration, b.maxChunk)
	assert.Equal(t, b.minLookAhead, b.baseLookAhead)
}

func TestBandsForClampsSmallCaches(t *testing.T) {
	b := bandsFor(testFrameDuration, 12)
	// 0.18 * 12 = 2.16, clamped to 8 frames; 0.9 * 12 = 10.8, clamped to 30
	assert.Equal(t, 8*testFrameDuration, b.minLookAhead)
	assert.Equal(t, 30*testFrameDuration, b.maxLookAhead)
}

func TestBandsForClampsLargeCaches(t *testing.T) {
	b := bandsFor(testFrameDuration, 1000)
	assert.Equal(t, 72*testFrameDuration, b.minLookAhead)
	assert.Equal(t, 220*testFrameDuration, b.maxLookAhead)
}

func TestStrategyGrowsOnLowHeadroom(t *testing.T) {
	b := bandsFor(testFrameDuration, 100)
	chunk0, la0 := b.minChunk*2, b.minLookAhead*2

	chunk, la := b.next(chunk0, la0, 1.0, false, 2*testFrameDuration, testFrameDuration)
	assert.Greater(t, la, la0)
	assert.Greater(t, chunk, chunk0)
	assert.LessOrEqual(t, la, b.maxLookAhead)
	assert.LessOrEqual(t, chunk, b.maxChunk)
}

func TestStrategyShrinksOnHighHeadroom(t *testing.T) {
	b := bandsFor(testFrameDuration, 100)
	chunk0, la0 := b.maxChunk, b.maxLookAhead

	headroom := time.Duration(1.5 * float64(b.baseLookAhead))
	chunk, la := b.next(chunk0, la0, 1.0, false, headroom, testFrameDuration)
	assert.Less(t, la, la0)
	assert.Less(t, chunk, chunk0)
	assert.GreaterOrEqual(t, la, b.minLookAhead)
	assert.GreaterOrEqual(t, chunk, b.minChunk)
}

func TestStrategyNeverLeavesBands(t *testing.T) {
	b := bandsFor(testFrameDuration, 100)
	chunk, la := time.Duration(0), time.Duration(0)
	// repeated growth saturates at the band ceiling
	for i := 0; i < 50; i++ {
		chunk, la = b.next(chunk, la, maxAdaptiveSpeed, false, 0, testFrameDuration)
	}
	assert.Equal(t, b.maxLookAhead, la)
	assert.Equal(t, b.maxChunk, chunk)

	// repeated shrink saturates at the band floor
	for i := 0; i < 50; i++ {
		chunk, la = b.next(chunk, la, 1.0, false, b.maxLookAhead*2, testFrameDuration)
	}
	assert.Equal(t, b.minLookAhead, la)
	assert.Equal(t, b.minChunk, chunk)
}

func TestStrategyBackwardMotionUsesFloorSpeed(t *testing.T) {
	b := bandsFor(testFrameDuration, 100)
	fast, _ := b.next(0, 0, maxAdaptiveSpeed, false, b.baseLookAhead, testFrameDuration)
	slow, _ := b.next(0, 0, maxAdaptiveSpeed, true, b.baseLookAhead, testFrameDuration)
	assert.LessOrEqual(t, slow, fast)
}

func TestWorthUpdating(t *testing.T) {
	base := 500 * time.Millisecond
	assert.False(t, worthUpdating(base, base+strategyEpsilon/2, base, base))
	assert.True(t, worthUpdating(base, base+strategyEpsilon, base, base))
	assert.True(t, worthUpdating(base, base, base, base-strategyEpsilon))
	assert.False(t, worthUpdating(base, base, base, base))
}
