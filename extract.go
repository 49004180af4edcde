package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// ===========================
// yt-dlp Extraction
// ===========================

const (
	extractRetries    = 2
	extractRetryDelay = time.Second
)

var (
	jsOnce       sync.Once
	cachedJSArgs []string

	ytdlpCheckOnce sync.Once
	ytdlpPresent   bool

	// Caps concurrent yt-dlp processes across all guilds.
	ytdlpSem = make(chan struct{}, 4)

	ErrYtdlpNotInstalled = errors.New("yt-dlp binary not found in PATH")
)

// ytdlpInstalled reports whether the yt-dlp binary is available. Checked once,
// commands get a standing refusal instead of a process spawn error.
func ytdlpInstalled() bool {
	ytdlpCheckOnce.Do(func() {
		_, err := exec.LookPath("yt-dlp")
		ytdlpPresent = err == nil
	})
	return ytdlpPresent
}

// newYtdlp returns a new yt-dlp command with the proxy applied
func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	proxy := os.Getenv("YOUTUBE_PROXY")
	if GlobalConfig != nil && GlobalConfig.YoutubeProxy != "" {
		proxy = GlobalConfig.YoutubeProxy
	}
	if proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd, func() {}
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--socket-timeout", "30",
		"--retries", "3",
	)
	return args
}

// ===========================
// Error Classification
// ===========================

type extractionErrorKind int

const (
	extractUnknown extractionErrorKind = iota
	extractAuthRequired
	extractRateLimited
	extractUnavailable
	extractFormatUnavailable
)

func (k extractionErrorKind) String() string {
	switch k {
	case extractAuthRequired:
		return "auth-required"
	case extractRateLimited:
		return "rate-limited"
	case extractUnavailable:
		return "unavailable"
	case extractFormatUnavailable:
		return "format-unavailable"
	default:
		return "unknown"
	}
}

// ExtractionError carries the failure category so callers know whether a
// retry could possibly help.
type ExtractionError struct {
	Kind   extractionErrorKind
	Stderr string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed (%s): %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *ExtractionError) Retryable() bool {
	switch e.Kind {
	case extractAuthRequired, extractUnavailable, extractFormatUnavailable:
		return false
	default:
		return true
	}
}

// UserMessage returns a reply-friendly description of the failure.
func (e *ExtractionError) UserMessage() string {
	switch e.Kind {
	case extractAuthRequired:
		return "this video requires sign-in to play."
	case extractRateLimited:
		return "the source is rate limiting us, try again in a bit."
	case extractUnavailable:
		return "that video is unavailable."
	case extractFormatUnavailable:
		return "no playable audio format was found."
	default:
		return "the source could not be read."
	}
}

// classifyExtraction buckets a yt-dlp failure by its stderr output
func classifyExtraction(err error, stderr string) *ExtractionError {
	s := strings.ToLower(stderr + " " + err.Error())

	kind := extractUnknown
	switch {
	case strings.Contains(s, "sign in to confirm") || strings.Contains(s, "login required"):
		kind = extractAuthRequired
	case strings.Contains(s, "429") || strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests"):
		kind = extractRateLimited
	case strings.Contains(s, "video unavailable") || strings.Contains(s, "private video"):
		kind = extractUnavailable
	case strings.Contains(s, "requested format is not available"):
		kind = extractFormatUnavailable
	}

	return &ExtractionError{Kind: kind, Stderr: stderr, Err: err}
}

// ===========================
// Track Resolution
// ===========================

// resolveTrack turns a watch page URL into a playable stream URL, retrying
// transient failures with a short delay.
func resolveTrack(ctx context.Context, target string) (*Track, error) {
	if !ytdlpInstalled() {
		return nil, ErrYtdlpNotInstalled
	}

	var lastErr error
	for attempt := 1; attempt <= extractRetries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(extractRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		t, err := extractOnce(ctx, target)
		if err == nil {
			return t, nil
		}
		lastErr = err

		var xe *ExtractionError
		if errors.As(err, &xe) && !xe.Retryable() {
			LogMusic(MsgMusicExtractGaveUp, target, err)
			return nil, err
		}
		LogMusic(MsgMusicExtractFail, target, attempt, extractRetries+1, err)
	}

	LogMusic(MsgMusicExtractGaveUp, target, lastErr)
	return nil, lastErr
}

// refreshStreamURL re-resolves a track whose direct stream URL went stale
func refreshStreamURL(ctx context.Context, t *Track) error {
	LogMusic(MsgMusicStreamRefresh, t.Title)
	fresh, err := resolveTrack(ctx, t.WebpageURL)
	if err != nil {
		return err
	}
	t.StreamURL = fresh.StreamURL
	if fresh.Duration > 0 {
		t.Duration = fresh.Duration
	}
	return nil
}

// Indirection over the yt-dlp runners so the fallback chain is testable
// without spawning processes.
var (
	ytdlpExtractFunc       = ytdlpExtract
	ytdlpExtractRankedFunc = ytdlpExtractRanked
)

// extractOnce walks the format fallback chain: preferred selector, relaxed
// selector, then a manual ranking over the full format dump.
func extractOnce(ctx context.Context, target string) (*Track, error) {
	select {
	case ytdlpSem <- struct{}{}:
		defer func() { <-ytdlpSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for _, format := range []string{"bestaudio[ext=m4a]/bestaudio", "bestaudio/best"} {
		t, err := ytdlpExtractFunc(ctx, target, format)
		if err == nil {
			return t, nil
		}
		var xe *ExtractionError
		if errors.As(err, &xe) && xe.Kind == extractFormatUnavailable {
			continue
		}
		return nil, err
	}
	return ytdlpExtractRankedFunc(ctx, target)
}

func ytdlpExtract(ctx context.Context, target string, format string) (*Track, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	args = append(args, "-f", format, "--skip-download")
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(webpage_url)s\t%(duration)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, target)...)

	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return nil, classifyExtraction(err, stderr)
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		return &Track{StreamURL: ps[0], Title: ps[1], WebpageURL: ps[2], Duration: d}, nil
	}
	return nil, &ExtractionError{Kind: extractUnknown, Err: errors.New("yt-dlp produced no output")}
}

// ytdlpFormat is one entry of the %(formats)j dump
type ytdlpFormat struct {
	URL    string  `json:"url"`
	Ext    string  `json:"ext"`
	Abr    float64 `json:"abr"`
	Vcodec string  `json:"vcodec"`
	Acodec string  `json:"acodec"`
}

// ytdlpExtractRanked dumps all formats and ranks them manually. Last resort
// for videos where both format selectors come up empty.
func ytdlpExtractRanked(ctx context.Context, target string) (*Track, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	args = append(args, "--skip-download")
	res, err := cmd.
		Print("%(title)s\t%(webpage_url)s\t%(duration)s\t%(formats)j").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, target)...)

	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return nil, classifyExtraction(err, stderr)
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.SplitN(l, "\t", 4)
		if len(ps) < 4 {
			continue
		}

		var formats []ytdlpFormat
		if err := json.Unmarshal([]byte(ps[3]), &formats); err != nil {
			return nil, &ExtractionError{Kind: extractUnknown, Err: fmt.Errorf("bad formats dump: %w", err)}
		}

		best := pickBestFormat(formats)
		if best == nil {
			return nil, &ExtractionError{Kind: extractFormatUnavailable, Err: errors.New("no format with an audio stream")}
		}

		d, _ := time.ParseDuration(ps[2] + "s")
		return &Track{StreamURL: best.URL, Title: ps[0], WebpageURL: ps[1], Duration: d}, nil
	}
	return nil, &ExtractionError{Kind: extractUnknown, Err: errors.New("yt-dlp produced no output")}
}

// pickBestFormat prefers audio-only formats, then m4a over webm, then the
// highest audio bitrate.
func pickBestFormat(formats []ytdlpFormat) *ytdlpFormat {
	var best *ytdlpFormat
	bestScore := -1.0
	for i := range formats {
		f := &formats[i]
		if f.URL == "" || f.Acodec == "" || f.Acodec == "none" {
			continue
		}

		score := f.Abr
		if f.Vcodec == "" || f.Vcodec == "none" {
			score += 1_000_000
		}
		switch f.Ext {
		case "m4a":
			score += 10_000
		case "webm":
			score += 5_000
		}

		if score > bestScore {
			best = f
			bestScore = score
		}
	}
	return best
}
