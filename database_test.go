package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, InitDatabase(context.Background(), dbPath))
	t.Cleanup(CloseDatabase)
}

func testGiveaway(endOffset time.Duration) *Giveaway {
	return &Giveaway{
		GuildID:   snowflake.ID(100),
		ChannelID: snowflake.ID(200),
		HostID:    snowflake.ID(300),
		Prize:     "Nitro",
		Winners:   2,
		EndTime:   time.Now().Add(endOffset).Unix(),
	}
}

// TestGiveawayLifecycle walks a giveaway from creation through entries to
// its exactly-once ending.
func TestGiveawayLifecycle(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	g := testGiveaway(time.Hour)
	id, err := CreateGiveaway(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, id, g.ID)

	fetched, err := GetGiveaway(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Nitro", fetched.Prize)
	assert.Equal(t, 2, fetched.Winners)
	assert.False(t, fetched.Ended)
	assert.Equal(t, g.GuildID, fetched.GuildID)

	// Entries
	require.NoError(t, AddGiveawayEntry(ctx, id, snowflake.ID(1)))
	require.NoError(t, AddGiveawayEntry(ctx, id, snowflake.ID(2)))
	assert.ErrorIs(t, AddGiveawayEntry(ctx, id, snowflake.ID(1)), ErrAlreadyEntered)

	count, err := CountGiveawayEntries(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entries, err := GetGiveawayEntries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Ending is exactly-once
	won, err := MarkGiveawayEnded(ctx, id)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = MarkGiveawayEnded(ctx, id)
	require.NoError(t, err)
	assert.False(t, won)

	// No late entries once ended
	assert.ErrorIs(t, AddGiveawayEntry(ctx, id, snowflake.ID(3)), ErrGiveawayEnded)
}

func TestAddGiveawayEntryUnknownGiveaway(t *testing.T) {
	setupTestDB(t)
	err := AddGiveawayEntry(context.Background(), 9999, snowflake.ID(1))
	assert.ErrorIs(t, err, ErrGiveawayNotFound)
}

// TestMarkGiveawayEndedConcurrent hammers the conditional update from many
// goroutines; only one may observe the transition.
func TestMarkGiveawayEndedConcurrent(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	g := testGiveaway(-time.Minute)
	id, err := CreateGiveaway(ctx, g)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := MarkGiveawayEnded(ctx, id)
			if err == nil && won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

// TestFindDueGiveaways checks that only unended giveaways past their
// deadline are returned, oldest first.
func TestFindDueGiveaways(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	past1 := testGiveaway(-2 * time.Hour)
	past2 := testGiveaway(-time.Hour)
	future := testGiveaway(time.Hour)
	endedPast := testGiveaway(-3 * time.Hour)

	for _, g := range []*Giveaway{past1, past2, future, endedPast} {
		_, err := CreateGiveaway(ctx, g)
		require.NoError(t, err)
	}
	won, err := MarkGiveawayEnded(ctx, endedPast.ID)
	require.NoError(t, err)
	require.True(t, won)

	due, err := FindDueGiveaways(ctx, time.Now().Unix(), 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, past1.ID, due[0].ID)
	assert.Equal(t, past2.ID, due[1].ID)
}

func TestFindActiveGiveawayInChannel(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	g := testGiveaway(time.Hour)
	_, err := CreateGiveaway(ctx, g)
	require.NoError(t, err)

	found, err := FindActiveGiveawayInChannel(ctx, g.GuildID, g.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, found.ID)

	_, err = FindActiveGiveawayInChannel(ctx, g.GuildID, snowflake.ID(999))
	assert.ErrorIs(t, err, ErrGiveawayNotFound)

	won, err := MarkGiveawayEnded(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, won)

	_, err = FindActiveGiveawayInChannel(ctx, g.GuildID, g.ChannelID)
	assert.ErrorIs(t, err, ErrGiveawayNotFound)
}

func TestFindLatestEndedGiveaway(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	_, err := FindLatestEndedGiveaway(ctx, snowflake.ID(100))
	assert.ErrorIs(t, err, ErrGiveawayNotFound)

	older := testGiveaway(-2 * time.Hour)
	newer := testGiveaway(-time.Hour)
	for _, g := range []*Giveaway{older, newer} {
		_, err := CreateGiveaway(ctx, g)
		require.NoError(t, err)
		won, err := MarkGiveawayEnded(ctx, g.ID)
		require.NoError(t, err)
		require.True(t, won)
	}

	latest, err := FindLatestEndedGiveaway(ctx, snowflake.ID(100))
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
}

// TestSaveGiveawayWinners verifies that rerolls replace the stored winner
// set instead of appending to it.
func TestSaveGiveawayWinners(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	g := testGiveaway(-time.Hour)
	id, err := CreateGiveaway(ctx, g)
	require.NoError(t, err)

	require.NoError(t, SaveGiveawayWinners(ctx, id, []snowflake.ID{1, 2}))
	winners, err := GetGiveawayWinners(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []snowflake.ID{1, 2}, winners)

	require.NoError(t, SaveGiveawayWinners(ctx, id, []snowflake.ID{3}))
	winners, err = GetGiveawayWinners(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []snowflake.ID{3}, winners)
}

func TestBotConfigRoundtrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	val, err := GetBotConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, SetBotConfig(ctx, "last_cmd_hash", "abc"))
	require.NoError(t, SetBotConfig(ctx, "last_cmd_hash", "def"))

	val, err = GetBotConfig(ctx, "last_cmd_hash")
	require.NoError(t, err)
	assert.Equal(t, "def", val)
}

func TestIsTransientDBError(t *testing.T) {
	assert.False(t, IsTransientDBError(nil))
	assert.False(t, IsTransientDBError(ErrGiveawayNotFound))
}
