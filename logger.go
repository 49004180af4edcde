package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor = color.New()
	giveawayColor = color.New(color.FgMagenta)
	musicColor    = color.New(color.FgMagenta)

	// Global state
	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	// Internal state
	logFile *os.File
	logMu   sync.Mutex
)

// --- Initialization ---

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName := GetProjectName() + ".log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogGiveaway(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "giveaway"))
}

func LogMusic(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "music"))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	}

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		displayMsg := fmt.Sprintf("[%s] %s", levelStr, r.Message)
		if levelStr == "INFO" && strings.HasPrefix(r.Message, "[") {
			if idx := strings.Index(r.Message, "]"); idx > 0 && idx < 20 {
				displayMsg = r.Message
			}
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

// --- Formatting Helpers ---

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "GIVEAWAY":
		return giveawayColor
	case "MUSIC":
		return musicColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, []byte(""))
	_, err = s.w.Write(clean)
	return len(p), err
}

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad  = "Failed to load config: %v"
	MsgConfigMissingToken  = "DISCORD_TOKEN is not set in .env file"
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDaemonStarting      = "Starting..."
	MsgBotStarting         = "Starting %s..."
	MsgBotReady            = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown         = "Shutting down %s..."
	MsgBotKillingOld       = "Killing running instance... (PID: %d)"
	MsgBotOldTerminated    = "Old instance terminated."
	MsgBotRegisterFail     = "Command registration failed: %v"
	MsgBotAPIStatusError   = "discord API returned status %d"
	MsgGenericError        = "%v"

	// --- Command Loader & Registry ---
	MsgLoaderSyncCommands       = "Syncing %s commands..."
	MsgLoaderCleanup            = "[CLEANUP] Removing commands from previous dev guild: %s"
	MsgLoaderDevStarting        = "[DEV] Registering commands to guild: %s"
	MsgLoaderDevRegistered      = "[DEV] Registered: %s"
	MsgLoaderDevFail            = "[DEV] Registration failed: %v"
	MsgLoaderDevGlobalClear     = "[DEV] Verifying global commands are cleared..."
	MsgLoaderDevGlobalClearFail = "[DEV] Global clear skipped (likely rate limited): %v"
	MsgLoaderProdStarting       = "[PROD] Registering commands globally..."
	MsgLoaderProdRegistered     = "[PROD] Registered: %s"
	MsgLoaderProdFail           = "[PROD] Global registration failed: %w"
	MsgLoaderPanicRecovered     = "Panic recovered in handler: %v"

	// --- Giveaway System ---
	MsgGiveawaySweepFetchFail   = "Failed to fetch due giveaways (attempt %d/%d): %v"
	MsgGiveawayStoreDegraded    = "Store unreachable, backing off for %s: %v"
	MsgGiveawayStoreRecovered   = "Store connectivity restored"
	MsgGiveawayEndFail          = "Failed to end giveaway %d: %v"
	MsgGiveawayAlreadyEnded     = "Giveaway %d already ended elsewhere, skipping announce"
	MsgGiveawayEnded            = "Ended giveaway %d (%s): %d winner(s) from %d entrant(s)"
	MsgGiveawayAnnounceFail     = "Failed to announce giveaway %d results: %v"
	MsgGiveawayCreated          = "Created giveaway %d in guild %s: %q (%d winner(s), ends %s)"
	MsgGiveawayEntrySaveFail    = "Failed to save entry for giveaway %d: %v"
	ErrGiveawayRespondFail      = "Failed to respond to interaction: %v"
	ErrGiveawayGuildOnly        = "Giveaways can only be run in a server."
	ErrGiveawayBadDuration      = "Could not parse that duration. Try formats like '1h', '2 days' or '90m'."
	ErrGiveawayDurationRange    = "Giveaway duration must be between 1 minute and 30 days."
	ErrGiveawayWinnersRange     = "Winner count must be between 1 and 20."
	ErrGiveawaySaveFail         = "Failed to create the giveaway. Please try again."
	ErrGiveawayNotFoundReply    = "That giveaway no longer exists."
	ErrGiveawayEndedReply       = "That giveaway has already ended."
	ErrGiveawayDupEntryReply    = "You are already entered in this giveaway!"
	ErrGiveawayEntryFailReply   = "Failed to record your entry. Please try again."
	ErrGiveawayNoneActiveReply  = "There is no active giveaway in this channel."
	ErrGiveawayNoneEndedReply   = "There is no ended giveaway to reroll in this server."
	ErrGiveawayRerollFailReply  = "Failed to reroll the giveaway."
	ErrGiveawayNoEntrantsReply  = "That giveaway had no entrants to draw from."
	MsgGiveawayEnteredReply     = "You entered the giveaway! Good luck \U0001F340"
	MsgGiveawayEndingReply      = "Ending the giveaway..."
	MsgGiveawayNoEntrants       = "\U0001F389 The giveaway for **%s** has ended, but nobody entered..."
	MsgGiveawayWinnersAnnounce  = "\U0001F389 **GIVEAWAY ENDED** \U0001F389\n\nPrize: **%s**\nWinner(s): %s\nHosted by: <@%s>"
	MsgGiveawayRerollAnnounce   = "\U0001F3B2 **GIVEAWAY REROLLED**\n\nPrize: **%s**\nNew winner(s): %s"
	MsgGiveawayAnnounceBody     = "\U0001F389 **GIVEAWAY** \U0001F389\n\nPrize: **%s**\nWinners: **%d**\nEnds: <t:%d:R>\nHosted by: <@%s>"
	MsgGiveawayEnterButton      = "\U0001F389 Enter Giveaway"

	// --- Music System ---
	MsgMusicExtractFail        = "Extraction failed for %q (attempt %d/%d): %v"
	MsgMusicExtractGaveUp      = "Giving up on %q: %v"
	MsgMusicTrackSkippedBroken = "Skipping unplayable track %q: %v"
	MsgMusicStreamRefresh      = "Refreshing stale stream URL for %q"
	MsgMusicInvalidTransition  = "Rejected state transition %s -> %s in guild %s"
	MsgMusicPlaying            = "Playing track: %s (%s) [%v]"
	MsgMusicQueueEmpty         = "Queue drained in guild %s"
	ErrMusicRespondFail        = "Failed to respond to interaction: %v"
	ErrMusicGuildOnly          = "This command can only be used in a server."
	ErrMusicNotInVoiceReply    = "You need to be in a voice channel first."
	ErrMusicNoSessionReply     = "I'm not connected to a voice channel."
	ErrMusicNothingPlaying     = "Nothing is playing right now."
	ErrMusicJoinFailReply      = "Failed to join the voice channel. Please try again."
	ErrMusicExtractReply       = "Could not play that: %s"
	ErrMusicYtdlpMissingReply  = "Music playback is unavailable: the yt-dlp dependency is not installed."
	ErrMusicQueueEmptyReply    = "The queue is empty."
	MsgMusicJoinedReply        = "Joined <#%s>."
	MsgMusicLeftReply          = "Disconnected and cleared the queue."
	MsgMusicQueuedReply        = "Queued **%s** (position %d)."
	MsgMusicNowPlayingReply    = "Now playing: **%s**"
	MsgMusicSkippedReply       = "Skipped: **%s**"
	MsgMusicPausedReply        = "Paused playback."
	MsgMusicResumedReply       = "Resumed playback."
	MsgMusicNotPausedReply     = "Playback is not paused."
	MsgMusicAlreadyPausedReply = "Playback is already paused."
	MsgMusicVolumeReply        = "Volume set to **%d%%**."
	MsgMusicLoopOnReply        = "Looping the current track."
	MsgMusicLoopOffReply       = "Loop disabled."
)
