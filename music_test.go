package main

import (
	"context"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlayer() *MusicPlayer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &MusicPlayer{
		events:     make(chan struct{}, 4),
		cancelCtx:  ctx,
		cancelFunc: cancel,
		pauseChan:  make(chan struct{}),
	}
	p.Volume.Store(50)
	close(p.pauseChan)
	return p
}

// TestPlayerStateTransitions exercises the transition table: every legal
// edge applies, everything else is rejected without changing state.
func TestPlayerStateTransitions(t *testing.T) {
	p := testPlayer()

	assert.Equal(t, StateIdle, p.State())

	// idle -> playing is not a legal edge
	assert.False(t, p.setState(StatePlaying))
	assert.Equal(t, StateIdle, p.State())

	assert.True(t, p.setState(StateResolving))
	assert.Equal(t, StateResolving, p.State())

	// resolving -> paused is not a legal edge
	assert.False(t, p.setState(StatePaused))
	assert.Equal(t, StateResolving, p.State())

	assert.True(t, p.setState(StatePlaying))
	assert.True(t, p.setState(StatePaused))
	assert.True(t, p.setState(StatePlaying))
	assert.True(t, p.setState(StateIdle))

	// same-state transitions are no-ops, not errors
	assert.True(t, p.setState(StateIdle))
}

func TestPlayerConditionalTransition(t *testing.T) {
	p := testPlayer()
	p.state = StatePlaying

	assert.False(t, p.transition(StatePaused, StatePlaying))
	assert.Equal(t, StatePlaying, p.State())

	assert.True(t, p.transition(StatePlaying, StatePaused))
	assert.Equal(t, StatePaused, p.State())
}

func TestQueueOrdering(t *testing.T) {
	p := testPlayer()

	a := &Track{Title: "a"}
	b := &Track{Title: "b"}
	c := &Track{Title: "c"}

	assert.Equal(t, 1, p.Enqueue(a))
	assert.Equal(t, 2, p.Enqueue(b))
	assert.Equal(t, 3, p.Enqueue(c))

	current, queue := p.QueueSnapshot()
	assert.Nil(t, current)
	require.Len(t, queue, 3)
	assert.Equal(t, []*Track{a, b, c}, queue)

	// Snapshot is a copy, mutating it leaves the queue alone
	queue[0] = c
	_, queue2 := p.QueueSnapshot()
	assert.Equal(t, a, queue2[0])
}

// TestLoopReservesFinishedTrack checks that loop mode puts a naturally
// finished track back at the front, but never a skipped one.
func TestLoopReservesFinishedTrack(t *testing.T) {
	p := testPlayer()
	cur := &Track{Title: "current"}
	next := &Track{Title: "next"}

	p.looping = true
	p.current = cur
	p.Enqueue(next)

	p.finishCurrent()

	current, queue := p.QueueSnapshot()
	assert.Nil(t, current)
	require.Len(t, queue, 2)
	assert.Equal(t, cur, queue[0])
	assert.Equal(t, next, queue[1])
}

func TestLoopDoesNotReserveSkippedTrack(t *testing.T) {
	p := testPlayer()
	cur := &Track{Title: "current"}

	p.looping = true
	p.current = cur

	var canceled bool
	p.streamCancel = func() { canceled = true }

	skippedTrack, ok := p.Skip()
	require.True(t, ok)
	assert.Equal(t, cur, skippedTrack)
	assert.True(t, canceled)

	p.finishCurrent()

	current, queue := p.QueueSnapshot()
	assert.Nil(t, current)
	assert.Empty(t, queue)
	assert.False(t, p.skipped, "skip flag must reset after advancing")
}

func TestSkipWithNothingPlaying(t *testing.T) {
	p := testPlayer()
	_, ok := p.Skip()
	assert.False(t, ok)
}

// TestEnsurePlayingNoOp verifies the play lock: a player that is already
// busy refuses to start another playback.
func TestEnsurePlayingNoOp(t *testing.T) {
	for _, st := range []playerState{StateResolving, StatePlaying, StatePaused} {
		p := testPlayer()
		p.state = st
		p.Enqueue(&Track{Title: "queued"})

		assert.False(t, p.EnsurePlaying(), "state %s must not start playback", st)

		_, queue := p.QueueSnapshot()
		assert.Len(t, queue, 1, "queue must be untouched in state %s", st)
	}
}

func TestEnsurePlayingEmptyQueue(t *testing.T) {
	p := testPlayer()
	assert.False(t, p.EnsurePlaying())
	assert.Equal(t, StateIdle, p.State())
}

func TestPauseResume(t *testing.T) {
	p := testPlayer()

	// Nothing playing yet
	assert.False(t, p.Pause())
	assert.False(t, p.Resume())

	p.state = StatePlaying
	assert.True(t, p.Pause())
	assert.Equal(t, StatePaused, p.State())

	// pauseChan now blocks frame delivery
	p.pauseMu.RLock()
	select {
	case <-p.pauseChan:
		t.Fatal("pauseChan must block while paused")
	default:
	}
	p.pauseMu.RUnlock()

	assert.False(t, p.Pause(), "double pause is rejected")

	assert.True(t, p.Resume())
	assert.Equal(t, StatePlaying, p.State())

	p.pauseMu.RLock()
	select {
	case <-p.pauseChan:
	default:
		t.Fatal("pauseChan must be closed after resume")
	}
	p.pauseMu.RUnlock()

	assert.False(t, p.Resume(), "double resume is rejected")
}

func TestToggleLoop(t *testing.T) {
	p := testPlayer()
	assert.True(t, p.ToggleLoop())
	assert.False(t, p.ToggleLoop())
}

func TestSignalFinishedNonBlocking(t *testing.T) {
	p := testPlayer()

	for range cap(p.events) {
		p.signalFinished()
	}

	// Channel full and no consumer: must return once the player context dies
	done := make(chan struct{})
	go func() {
		p.cancelFunc()
		p.signalFinished()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signalFinished blocked on a dead player")
	}
}

func TestDefaultVolume(t *testing.T) {
	p := testPlayer()
	assert.Equal(t, int32(50), p.Volume.Load())
}

// TestAnnounceNowPlayingWithoutClient covers continuation announcements on
// players that have no usable client or origin channel: they must be no-ops.
func TestAnnounceNowPlayingWithoutClient(t *testing.T) {
	p := testPlayer()

	assert.NotPanics(t, func() { p.announceNowPlaying(nil) })
	assert.NotPanics(t, func() { p.announceNowPlaying(&Track{Title: "t"}) })
	assert.NotPanics(t, func() { p.announceNowPlaying(&Track{Title: "t", OriginChannelID: 42}) })
}

// TestTrackOriginChannelPropagates checks the requesting channel survives the
// queue, so a track started by queue advancement can still be announced.
func TestTrackOriginChannelPropagates(t *testing.T) {
	p := testPlayer()
	p.Enqueue(&Track{Title: "t", OriginChannelID: 42})

	_, queue := p.QueueSnapshot()
	require.Len(t, queue, 1)
	assert.Equal(t, snowflake.ID(42), queue[0].OriginChannelID)
}

func TestSkipWithoutStreamCancel(t *testing.T) {
	p := testPlayer()
	cur := &Track{Title: "current"}
	p.current = cur

	skippedTrack, ok := p.Skip()
	require.True(t, ok)
	assert.Equal(t, cur, skippedTrack)
	assert.True(t, p.skipped)
}

// TestSkipConcurrentWithPlaybackHandoff races Skip against the playback-start
// handoff that installs current, streamCancel and provider together.
func TestSkipConcurrentWithPlaybackHandoff(t *testing.T) {
	p := testPlayer()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			_, cancel := context.WithCancel(context.Background())
			p.queueMu.Lock()
			p.current = &Track{Title: "t"}
			p.streamCancel = cancel
			p.queueMu.Unlock()
		}
	}()

	for range 200 {
		p.Skip()
	}
	<-done
}
