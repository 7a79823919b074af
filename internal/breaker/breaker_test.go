package breaker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecidePassesQuietRun(t *testing.T) {
	d := Decide(Inputs{ActiveCountBefore: 1000, SeenSuccessCount: 990})
	assert.False(t, d.Blocked)
	assert.Equal(t, 10, d.WouldExpireCount)
}

func TestDecideAbsoluteCapBlocksAnyFeed(t *testing.T) {
	// Even a feed below the established floor trips the catastrophic cap.
	d := Decide(Inputs{ActiveCountBefore: 520, SeenSuccessCount: 0})
	assert.True(t, d.Blocked)
	assert.Equal(t, ReasonSpike, d.Reason)
	assert.Equal(t, 520, d.WouldExpireCount)
}

func TestDecidePercentageSpike(t *testing.T) {
	// 1000 active, 600 seen: 40% would expire.
	d := Decide(Inputs{ActiveCountBefore: 1000, SeenSuccessCount: 600})
	assert.True(t, d.Blocked)
	assert.Equal(t, ReasonSpike, d.Reason)
	assert.Equal(t, 400, d.WouldExpireCount)
	assert.InDelta(t, 40.0, d.ExpiryPercentage, 0.01)
}

func TestDecidePercentageNeedsMinimumWouldExpire(t *testing.T) {
	// 35% of a small established feed, but fewer than 10 products.
	d := Decide(Inputs{ActiveCountBefore: 100, SeenSuccessCount: 91})
	assert.False(t, d.Blocked)
	assert.Equal(t, 9, d.WouldExpireCount)
}

func TestDecideColdStartExemptFromPercentage(t *testing.T) {
	// 50% expiry on a feed below the established floor.
	d := Decide(Inputs{ActiveCountBefore: 40, SeenSuccessCount: 20})
	assert.False(t, d.Blocked)
}

func TestDecideURLHashAbsoluteSpike(t *testing.T) {
	d := Decide(Inputs{
		ActiveCountBefore:      5000,
		SeenSuccessCount:       5000,
		URLHashFallbackCount:   1001,
		TotalProductsProcessed: 10000,
	})
	assert.True(t, d.Blocked)
	assert.Equal(t, ReasonURLHash, d.Reason)
}

func TestDecideURLHashPercentageSpike(t *testing.T) {
	d := Decide(Inputs{
		ActiveCountBefore:      200,
		SeenSuccessCount:       200,
		URLHashFallbackCount:   60,
		TotalProductsProcessed: 100,
	})
	assert.True(t, d.Blocked)
	assert.Equal(t, ReasonURLHash, d.Reason)
	assert.InDelta(t, 60.0, d.URLHashPercentage, 0.01)
}

func TestDecideURLHashExemptForColdStart(t *testing.T) {
	d := Decide(Inputs{
		ActiveCountBefore:      50,
		SeenSuccessCount:       50,
		URLHashFallbackCount:   90,
		TotalProductsProcessed: 100,
	})
	assert.False(t, d.Blocked)
}

func TestDecideClampsNegativeWouldExpire(t *testing.T) {
	d := Decide(Inputs{ActiveCountBefore: 10, SeenSuccessCount: 25})
	assert.False(t, d.Blocked)
	assert.Equal(t, 0, d.WouldExpireCount)
	assert.Equal(t, 0.0, d.ExpiryPercentage)
}

func TestDecideSpikeWinsOverURLHash(t *testing.T) {
	d := Decide(Inputs{
		ActiveCountBefore:      1000,
		SeenSuccessCount:       100,
		URLHashFallbackCount:   2000,
		TotalProductsProcessed: 2000,
	})
	assert.True(t, d.Blocked)
	assert.Equal(t, ReasonSpike, d.Reason)
}
