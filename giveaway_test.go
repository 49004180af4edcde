package main

import (
	"context"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDrawGiveawayWinners checks the draw is a subset without duplicates,
// and that everyone wins when entrants are scarce.
func TestDrawGiveawayWinners(t *testing.T) {
	entrants := []snowflake.ID{1, 2, 3, 4, 5, 6, 7, 8}

	winners := drawGiveawayWinners(entrants, 3)
	require.Len(t, winners, 3)

	seen := map[snowflake.ID]bool{}
	pool := map[snowflake.ID]bool{}
	for _, e := range entrants {
		pool[e] = true
	}
	for _, w := range winners {
		assert.True(t, pool[w], "winner %s is not an entrant", w)
		assert.False(t, seen[w], "winner %s drawn twice", w)
		seen[w] = true
	}
}

func TestDrawGiveawayWinnersFewerEntrantsThanWinners(t *testing.T) {
	entrants := []snowflake.ID{10, 20, 30}

	winners := drawGiveawayWinners(entrants, 5)
	assert.Equal(t, entrants, winners)

	winners = drawGiveawayWinners(entrants, 3)
	assert.Equal(t, entrants, winners)
}

func TestDrawGiveawayWinnersNoEntrants(t *testing.T) {
	winners := drawGiveawayWinners(nil, 3)
	assert.Empty(t, winners)
}

func TestParseGiveawayDuration(t *testing.T) {
	d, err := parseGiveawayDuration("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	d, err = parseGiveawayDuration("2h")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)

	d, err = parseGiveawayDuration("in 2 days")
	require.NoError(t, err)
	assert.InDelta(t, (48 * time.Hour).Seconds(), d.Seconds(), (time.Minute).Seconds())

	_, err = parseGiveawayDuration("garbage input that parses nowhere")
	assert.Error(t, err)
}

func TestGiveawayDurationBounds(t *testing.T) {
	assert.Equal(t, time.Minute, giveawayMinDuration)
	assert.Equal(t, 30*24*time.Hour, giveawayMaxDuration)

	short, err := parseGiveawayDuration("30s")
	require.NoError(t, err)
	assert.Less(t, short, giveawayMinDuration)

	long, err := parseGiveawayDuration("720h")
	require.NoError(t, err)
	assert.LessOrEqual(t, long, giveawayMaxDuration)
}

func TestMentionList(t *testing.T) {
	assert.Empty(t, mentionList(nil))
	assert.Equal(t, "<@1>", mentionList([]snowflake.ID{1}))
	assert.Equal(t, "<@1>, <@2>", mentionList([]snowflake.ID{1, 2}))
}

// TestNextSweepInterval verifies a failed sweep shortens the cadence so the
// store is retried before a full interval passes.
func TestNextSweepInterval(t *testing.T) {
	assert.Equal(t, giveawaySweepInterval, nextSweepInterval(true))
	assert.Equal(t, giveawayDegradedWait, nextSweepInterval(false))
	assert.Less(t, giveawayDegradedWait, giveawaySweepInterval)
}

func TestSweepReportsStoreFailure(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	assert.True(t, sweepDueGiveaways(ctx, nil), "healthy store sweeps clean")

	CloseDatabase()
	assert.False(t, sweepDueGiveaways(ctx, nil), "unreachable store must report failure")
}
