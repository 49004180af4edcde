package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClassifyExtraction maps yt-dlp stderr output to failure categories
// and retry decisions.
func TestClassifyExtraction(t *testing.T) {
	base := errors.New("exit status 1")

	tests := []struct {
		name      string
		stderr    string
		kind      extractionErrorKind
		retryable bool
	}{
		{"auth wall", "ERROR: Sign in to confirm you're not a bot", extractAuthRequired, false},
		{"login required", "ERROR: This video requires login required", extractAuthRequired, false},
		{"http 429", "HTTP Error 429: Too Many Requests", extractRateLimited, true},
		{"rate limit text", "unable to download: rate limit exceeded", extractRateLimited, true},
		{"removed video", "ERROR: Video unavailable", extractUnavailable, false},
		{"private video", "ERROR: Private video. Sign up", extractUnavailable, false},
		{"format missing", "ERROR: Requested format is not available", extractFormatUnavailable, false},
		{"unknown", "something exploded", extractUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xe := classifyExtraction(base, tt.stderr)
			assert.Equal(t, tt.kind, xe.Kind)
			assert.Equal(t, tt.retryable, xe.Retryable())
			assert.ErrorIs(t, xe, base)
		})
	}
}

func TestClassifyExtractionUsesErrorText(t *testing.T) {
	// Some failures carry the detail in the error, not stderr
	xe := classifyExtraction(errors.New("HTTP Error 429"), "")
	assert.Equal(t, extractRateLimited, xe.Kind)
}

func TestExtractionErrorUserMessage(t *testing.T) {
	for _, kind := range []extractionErrorKind{
		extractUnknown, extractAuthRequired, extractRateLimited, extractUnavailable, extractFormatUnavailable,
	} {
		xe := &ExtractionError{Kind: kind, Err: errors.New("x")}
		assert.NotEmpty(t, xe.UserMessage())
	}
}

// TestPickBestFormat checks the ranking: audio-only beats muxed, m4a beats
// webm, higher bitrate wins within a tier.
func TestPickBestFormat(t *testing.T) {
	audioOnlyWebm := ytdlpFormat{URL: "u1", Ext: "webm", Abr: 160, Vcodec: "none", Acodec: "opus"}
	audioOnlyM4a := ytdlpFormat{URL: "u2", Ext: "m4a", Abr: 128, Vcodec: "none", Acodec: "mp4a"}
	muxed := ytdlpFormat{URL: "u3", Ext: "mp4", Abr: 192, Vcodec: "avc1", Acodec: "mp4a"}
	videoOnly := ytdlpFormat{URL: "u4", Ext: "mp4", Abr: 0, Vcodec: "avc1", Acodec: "none"}
	noURL := ytdlpFormat{Ext: "m4a", Abr: 256, Vcodec: "none", Acodec: "mp4a"}

	best := pickBestFormat([]ytdlpFormat{muxed, audioOnlyWebm, audioOnlyM4a, videoOnly, noURL})
	require.NotNil(t, best)
	assert.Equal(t, "u2", best.URL, "audio-only m4a outranks everything")

	best = pickBestFormat([]ytdlpFormat{muxed, audioOnlyWebm})
	require.NotNil(t, best)
	assert.Equal(t, "u1", best.URL, "audio-only outranks muxed")

	lowAbr := ytdlpFormat{URL: "lo", Ext: "m4a", Abr: 48, Vcodec: "none", Acodec: "mp4a"}
	highAbr := ytdlpFormat{URL: "hi", Ext: "m4a", Abr: 256, Vcodec: "none", Acodec: "mp4a"}
	best = pickBestFormat([]ytdlpFormat{lowAbr, highAbr})
	require.NotNil(t, best)
	assert.Equal(t, "hi", best.URL)
}

func TestPickBestFormatNoUsable(t *testing.T) {
	videoOnly := ytdlpFormat{URL: "u", Ext: "mp4", Vcodec: "avc1", Acodec: "none"}
	assert.Nil(t, pickBestFormat(nil))
	assert.Nil(t, pickBestFormat([]ytdlpFormat{videoOnly}))
}

func TestBuildYtdlpArgs(t *testing.T) {
	args := buildYtdlpArgs()
	assert.Contains(t, args, "--no-playlist")
	assert.Contains(t, args, "--extractor-args")
	assert.Contains(t, args, "youtube:player_client=android,web")
}

// TestExtractFormatFallbackOrder walks the full fallback chain: the strict
// m4a selector, the relaxed selector, then the manual format ranking.
func TestExtractFormatFallbackOrder(t *testing.T) {
	origExtract, origRanked := ytdlpExtractFunc, ytdlpExtractRankedFunc
	defer func() {
		ytdlpExtractFunc, ytdlpExtractRankedFunc = origExtract, origRanked
	}()

	var formats []string
	rankedCalls := 0
	want := &Track{Title: "ranked", StreamURL: "u"}

	ytdlpExtractFunc = func(ctx context.Context, target, format string) (*Track, error) {
		formats = append(formats, format)
		return nil, &ExtractionError{Kind: extractFormatUnavailable, Err: errors.New("no format")}
	}
	ytdlpExtractRankedFunc = func(ctx context.Context, target string) (*Track, error) {
		rankedCalls++
		return want, nil
	}

	got, err := extractOnce(context.Background(), "https://example.test/watch")
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, []string{"bestaudio[ext=m4a]/bestaudio", "bestaudio/best"}, formats)
	assert.Equal(t, 1, rankedCalls)
}

// TestExtractNonFormatErrorShortCircuits checks that only format-unavailable
// failures fall through to the next selector.
func TestExtractNonFormatErrorShortCircuits(t *testing.T) {
	origExtract, origRanked := ytdlpExtractFunc, ytdlpExtractRankedFunc
	defer func() {
		ytdlpExtractFunc, ytdlpExtractRankedFunc = origExtract, origRanked
	}()

	calls := 0
	ytdlpExtractFunc = func(ctx context.Context, target, format string) (*Track, error) {
		calls++
		return nil, &ExtractionError{Kind: extractUnavailable, Err: errors.New("video unavailable")}
	}
	ytdlpExtractRankedFunc = func(ctx context.Context, target string) (*Track, error) {
		t.Fatal("ranked extraction must not run for a non-format failure")
		return nil, nil
	}

	_, err := extractOnce(context.Background(), "https://example.test/watch")
	require.Error(t, err)

	var xe *ExtractionError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, extractUnavailable, xe.Kind)
	assert.Equal(t, 1, calls)
}
