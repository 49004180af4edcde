package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Command Registration
// ===========================

func init() {
	adminPerm := discord.PermissionAdministrator
	guildOnly := []discord.InteractionContextType{discord.InteractionContextTypeGuild}

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogMusic, StartMusicSystem)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "play",
		Description: "Play a track or add it to the queue",
		Contexts:    guildOnly,
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:         "query",
				Description:  "A search query or YouTube URL",
				Required:     true,
				Autocomplete: true,
			},
		},
	}, handleMusicPlay)
	RegisterAutocompleteHandler("play", handlePlayAutocomplete)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "join",
		Description: "Join your voice channel",
		Contexts:    guildOnly,
	}, handleMusicJoin)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "leave",
		Description: "Leave the voice channel and clear the queue",
		Contexts:    guildOnly,
	}, handleMusicLeave)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "skip",
		Description: "Skip the current track",
		Contexts:    guildOnly,
	}, handleMusicSkip)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "pause",
		Description: "Pause playback",
		Contexts:    guildOnly,
	}, handleMusicPause)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "resume",
		Description: "Resume paused playback",
		Contexts:    guildOnly,
	}, handleMusicResume)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "queue",
		Description: "Show the playback queue",
		Contexts:    guildOnly,
	}, handleMusicQueue)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "nowplaying",
		Description: "Show the currently playing track",
		Contexts:    guildOnly,
	}, handleMusicNowPlaying)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "volume",
		Description:              "Set the playback volume (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts:                 guildOnly,
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionInt{
				Name:        "set",
				Description: "Volume percentage (0-100)",
				Required:    true,
				MinValue:    intPtr(0),
				MaxValue:    intPtr(100),
			},
		},
	}, handleMusicVolume)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "loop",
		Description: "Toggle looping of the current track",
		Contexts:    guildOnly,
	}, handleMusicLoop)

	RegisterVoiceStateUpdateHandler(onMusicVoiceStateUpdate)
}

// ===========================
// Types
// ===========================

// Track is a single playable queue item. OriginChannelID is the text channel
// the track was requested from, where continuation starts get announced.
type Track struct {
	Title           string
	WebpageURL      string
	StreamURL       string
	Duration        time.Duration
	RequestedBy     snowflake.ID
	OriginChannelID snowflake.ID
}

type playerState int32

const (
	StateIdle playerState = iota
	StateResolving
	StatePlaying
	StatePaused
)

func (s playerState) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// validPlayerTransitions is the full set of legal state changes. Everything
// else is a bug and gets logged instead of applied.
var validPlayerTransitions = map[playerState][]playerState{
	StateIdle:      {StateResolving},
	StateResolving: {StatePlaying, StateIdle},
	StatePlaying:   {StatePaused, StateIdle},
	StatePaused:    {StatePlaying, StateIdle},
}

// MusicPlayer owns playback for a single guild
type MusicPlayer struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Conn      voice.Conn
	client    *bot.Client

	stateMu sync.Mutex
	state   playerState

	queueMu sync.Mutex
	queue   []*Track
	current *Track
	looping bool
	skipped bool

	// playMu serializes EnsurePlaying so concurrent triggers collapse
	// into a single playback start.
	playMu sync.Mutex

	events chan struct{}

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	Volume atomic.Int32

	pauseMu   sync.RWMutex
	pauseChan chan struct{}

	provider     *StreamProvider
	streamCancel context.CancelFunc

	joinedMu sync.Mutex
	joined   bool
}

// PlayerSystem tracks one MusicPlayer per guild
type PlayerSystem struct {
	mu      sync.Mutex
	players map[snowflake.ID]*MusicPlayer
}

var (
	playerSystem     *PlayerSystem
	playerSystemOnce sync.Once
	musicDaemonFlag  int32
)

func GetPlayerSystem() *PlayerSystem {
	playerSystemOnce.Do(func() {
		playerSystem = &PlayerSystem{players: map[snowflake.ID]*MusicPlayer{}}
	})
	return playerSystem
}

// StartMusicSystem runs the music daemon. It only exists to tear down all
// players on shutdown.
func StartMusicSystem(ctx context.Context) (bool, func(), func()) {
	if !atomic.CompareAndSwapInt32(&musicDaemonFlag, 0, 1) {
		return false, nil, nil
	}
	return true, func() {
			<-ctx.Done()
		}, func() {
			LogMusic("Shutting down Music System...")
			GetPlayerSystem().Shutdown(context.Background())
		}
}

// ===========================
// Player Registry
// ===========================

func (ps *PlayerSystem) Get(guildID snowflake.ID) (*MusicPlayer, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.players[guildID]
	return p, ok
}

// Prepare returns the guild's player, creating it on first use
func (ps *PlayerSystem) Prepare(client *bot.Client, guildID, channelID snowflake.ID) *MusicPlayer {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if p, ok := ps.players[guildID]; ok {
		p.ChannelID = channelID
		return p
	}

	parent := AppContext
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	p := &MusicPlayer{
		GuildID:    guildID,
		ChannelID:  channelID,
		Conn:       client.VoiceManager.CreateConn(guildID),
		client:     client,
		events:     make(chan struct{}, 4),
		cancelCtx:  ctx,
		cancelFunc: cancel,
		pauseChan:  make(chan struct{}),
	}
	p.Volume.Store(50)
	close(p.pauseChan)

	safeGo(p.run)

	ps.players[guildID] = p
	return p
}

// Join connects the bot to a voice channel, retrying with backoff
func (ps *PlayerSystem) Join(ctx context.Context, client *bot.Client, guildID, channelID snowflake.ID) (*MusicPlayer, error) {
	p := ps.Prepare(client, guildID, channelID)

	p.joinedMu.Lock()
	if p.joined && p.ChannelID == channelID {
		p.joinedMu.Unlock()
		return p, nil
	}
	p.joinedMu.Unlock()

	LogMusic("Joining channel %s in guild %s", channelID, guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogMusic("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := p.Conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogMusic("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		p.Conn.Close(ctx)
		return nil, lastErr
	}

	p.joinedMu.Lock()
	p.joined = true
	p.joinedMu.Unlock()
	return p, nil
}

// Leave disconnects and evicts the guild's player
func (ps *PlayerSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	ps.mu.Lock()
	p, ok := ps.players[guildID]
	if !ok {
		ps.mu.Unlock()
		return
	}
	delete(ps.players, guildID)
	ps.mu.Unlock()

	p.cancelFunc()
	if p.Conn != nil {
		p.Conn.Close(ctx)
	}
	LogMusic("Left voice in guild %s", guildID)
}

// Shutdown disconnects every player in parallel
func (ps *PlayerSystem) Shutdown(ctx context.Context) {
	ps.mu.Lock()
	guilds := make([]snowflake.ID, 0, len(ps.players))
	for id := range ps.players {
		guilds = append(guilds, id)
	}
	ps.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range guilds {
		wg.Add(1)
		go func(gid snowflake.ID) {
			defer wg.Done()
			ps.Leave(ctx, gid)
		}(id)
	}
	wg.Wait()
}

// onMusicVoiceStateUpdate evicts the player when the bot gets disconnected
// by an external event (kick, channel delete).
func onMusicVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != event.Client().ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	if _, ok := GetPlayerSystem().Get(event.VoiceState.GuildID); ok {
		LogMusic("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
		GetPlayerSystem().Leave(context.Background(), event.VoiceState.GuildID)
	}
}

// ===========================
// State Machine
// ===========================

func (p *MusicPlayer) State() playerState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// setState applies a transition if the table allows it
func (p *MusicPlayer) setState(next playerState) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state == next {
		return true
	}
	for _, allowed := range validPlayerTransitions[p.state] {
		if allowed == next {
			p.state = next
			return true
		}
	}
	LogMusic(MsgMusicInvalidTransition, p.state, next, p.GuildID)
	return false
}

// transition applies next only when the player is currently in from
func (p *MusicPlayer) transition(from, next playerState) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.state != from {
		return false
	}
	for _, allowed := range validPlayerTransitions[p.state] {
		if allowed == next {
			p.state = next
			return true
		}
	}
	LogMusic(MsgMusicInvalidTransition, p.state, next, p.GuildID)
	return false
}

// ===========================
// Queue & Playback
// ===========================

// run is the player's event loop. Every track-finished signal lands here,
// so queue advancement is single-threaded per guild.
func (p *MusicPlayer) run() {
	for {
		select {
		case <-p.cancelCtx.Done():
			return
		case <-p.events:
			p.advance()
		}
	}
}

// signalFinished posts a track-finished event without blocking
func (p *MusicPlayer) signalFinished() {
	select {
	case p.events <- struct{}{}:
	case <-p.cancelCtx.Done():
	}
}

// advance moves past the finished track and starts the next one. Tracks
// started here have no interaction to reply to, so the start is announced in
// the track's origin channel.
func (p *MusicPlayer) advance() {
	p.finishCurrent()
	p.setState(StateIdle)
	if p.EnsurePlaying() {
		p.announceNowPlaying(p.NowPlaying())
	}
}

// announceNowPlaying posts a now-playing message to the channel the track was
// requested from
func (p *MusicPlayer) announceNowPlaying(t *Track) {
	if t == nil || p.client == nil || t.OriginChannelID == 0 {
		return
	}
	_, err := p.client.Rest.CreateMessage(t.OriginChannelID, discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(fmt.Sprintf(MsgMusicNowPlayingReply, t.Title)),
			),
		).
		Build())
	if err != nil {
		LogMusic(ErrMusicRespondFail, err)
	}
}

// finishCurrent clears the finished track, re-queueing it at the front when
// loop mode is on and the track was not skipped
func (p *MusicPlayer) finishCurrent() {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.looping && !p.skipped && p.current != nil {
		p.queue = append([]*Track{p.current}, p.queue...)
	}
	p.skipped = false
	p.current = nil
}

// Enqueue appends a track and returns its queue position (1-based)
func (p *MusicPlayer) Enqueue(t *Track) int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	p.queue = append(p.queue, t)
	return len(p.queue)
}

// QueueSnapshot returns the current track and a copy of the pending queue
func (p *MusicPlayer) QueueSnapshot() (*Track, []*Track) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	q := make([]*Track, len(p.queue))
	copy(q, p.queue)
	return p.current, q
}

func (p *MusicPlayer) NowPlaying() *Track {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return p.current
}

// ToggleLoop flips loop mode and reports the new setting
func (p *MusicPlayer) ToggleLoop() bool {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	p.looping = !p.looping
	return p.looping
}

// EnsurePlaying starts playback if the player is idle and the queue has
// tracks. Returns false without touching anything when playback is already
// underway.
func (p *MusicPlayer) EnsurePlaying() bool {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	switch p.State() {
	case StatePlaying, StatePaused, StateResolving:
		return false
	}
	if p.Conn == nil {
		return false
	}

	for {
		p.queueMu.Lock()
		if len(p.queue) == 0 {
			p.queueMu.Unlock()
			LogMusic(MsgMusicQueueEmpty, p.GuildID)
			return false
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.queueMu.Unlock()

		if !p.setState(StateResolving) {
			return false
		}

		if t.StreamURL == "" {
			fresh, err := resolveTrack(p.cancelCtx, t.WebpageURL)
			if err != nil {
				LogMusic(MsgMusicTrackSkippedBroken, t.Title, err)
				p.setState(StateIdle)
				continue
			}
			t.StreamURL = fresh.StreamURL
			if t.Title == "" {
				t.Title = fresh.Title
			}
			if fresh.Duration > 0 {
				t.Duration = fresh.Duration
			}
		}

		if err := p.startPlayback(t); err != nil {
			LogMusic(MsgMusicTrackSkippedBroken, t.Title, err)
			p.setState(StateIdle)
			continue
		}

		p.setState(StatePlaying)
		LogMusic(MsgMusicPlaying, t.Title, t.WebpageURL, t.Duration.Round(time.Second))
		return true
	}
}

// startPlayback wires a transcoder to a fresh frame provider and hands the
// provider to the voice connection.
func (p *MusicPlayer) startPlayback(t *Track) error {
	transcoder := NewOpusTranscoder(&p.Volume)

	if err := transcoder.OpenInput(t.StreamURL); err != nil {
		// Direct stream URLs expire; one refresh attempt before giving up.
		if refreshErr := refreshStreamURL(p.cancelCtx, t); refreshErr != nil {
			transcoder.Close()
			return err
		}
		if err := transcoder.OpenInput(t.StreamURL); err != nil {
			transcoder.Close()
			return err
		}
	}
	if err := transcoder.SetupDecoder(); err != nil {
		transcoder.Close()
		return err
	}
	if err := transcoder.SetupEncoder(); err != nil {
		transcoder.Close()
		return err
	}

	streamCtx, streamCancel := context.WithCancel(p.cancelCtx)

	provider := NewStreamProvider(p)
	provider.SetContext(streamCtx)
	provider.OnFinish = p.signalFinished

	// current, streamCancel and provider change together; Skip reads them
	// under the same lock.
	p.queueMu.Lock()
	p.current = t
	p.streamCancel = streamCancel
	p.provider = provider
	p.queueMu.Unlock()

	// Playback always starts unpaused.
	p.pauseMu.Lock()
	select {
	case <-p.pauseChan:
	default:
		close(p.pauseChan)
	}
	p.pauseMu.Unlock()

	safeGo(func() {
		defer transcoder.Close()
		if err := transcoder.Transcode(streamCtx, provider.PushFrame); err != nil && !errors.Is(err, context.Canceled) {
			LogMusic("Transcode ended for %q: %v", t.Title, err)
		}
		// A canceled stream never reaches the provider's drain path, so
		// completion has to be signaled here.
		if streamCtx.Err() != nil {
			provider.Close()
		}
	})

	p.setOpusFrameProviderSafe(provider)
	p.setSpeakingSafe(voice.SpeakingFlagMicrophone)
	return nil
}

// Skip aborts the current track. Loop mode does not re-serve a skipped track.
func (p *MusicPlayer) Skip() (*Track, bool) {
	p.queueMu.Lock()
	cur := p.current
	cancel := p.streamCancel
	if cur != nil {
		p.skipped = true
	}
	p.queueMu.Unlock()

	if cur == nil {
		return nil, false
	}
	if cancel != nil {
		cancel()
	}
	return cur, true
}

// Pause halts frame delivery without dropping buffered audio
func (p *MusicPlayer) Pause() bool {
	if !p.transition(StatePlaying, StatePaused) {
		return false
	}
	p.pauseMu.Lock()
	p.pauseChan = make(chan struct{})
	p.pauseMu.Unlock()
	return true
}

// Resume continues frame delivery after a pause
func (p *MusicPlayer) Resume() bool {
	if !p.transition(StatePaused, StatePlaying) {
		return false
	}
	p.pauseMu.Lock()
	select {
	case <-p.pauseChan:
	default:
		close(p.pauseChan)
	}
	p.pauseMu.Unlock()
	return true
}

// ===========================
// Voice Connection Safety
// ===========================

// setOpusFrameProviderSafe sets the opus frame provider, recovering from any
// potential panics in the voice connection
func (p *MusicPlayer) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if p.cancelCtx.Err() != nil {
		return
	}
	if p.Conn == nil || (reflect.ValueOf(p.Conn).Kind() == reflect.Ptr && reflect.ValueOf(p.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if p.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-p.cancelCtx.Done():
				return
			}
		}
		if p.cancelCtx.Err() != nil {
			return
		}
	}
	LogMusic("Exhausted retries for SetOpusFrameProvider in guild %s", p.GuildID)
}

func (p *MusicPlayer) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	p.Conn.SetOpusFrameProvider(provider)
	return true
}

// setSpeakingSafe sets the speaking state safely
func (p *MusicPlayer) setSpeakingSafe(flags voice.SpeakingFlags) {
	if p.cancelCtx.Err() != nil {
		return
	}
	if p.Conn == nil || (reflect.ValueOf(p.Conn).Kind() == reflect.Ptr && reflect.ValueOf(p.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if p.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-p.cancelCtx.Done():
				return
			}
		}
		if p.cancelCtx.Err() != nil {
			return
		}
	}
	LogMusic("Exhausted retries for SetSpeaking in guild %s", p.GuildID)
}

func (p *MusicPlayer) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	if err := p.Conn.SetSpeaking(p.cancelCtx, flags); err != nil {
		return false
	}
	return true
}

// ===========================
// Command Handlers
// ===========================

// musicRespondImmediate sends a response message, optionally ephemeral
func musicRespondImmediate(event *events.ApplicationCommandInteractionCreate, content string, ephemeral bool) {
	err := event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(content),
			),
		).
		SetEphemeral(ephemeral).
		Build())
	if err != nil {
		LogMusic(ErrMusicRespondFail, err)
	}
}

// musicEditResponse replaces a deferred response
func musicEditResponse(event *events.ApplicationCommandInteractionCreate, content string) {
	_, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(content),
			),
		).
		Build())
	if err != nil {
		LogMusic(ErrMusicRespondFail, err)
	}
}

// userVoiceChannel returns the voice channel the invoking user occupies
func userVoiceChannel(event *events.ApplicationCommandInteractionCreate) (snowflake.ID, bool) {
	if event.GuildID() == nil {
		return 0, false
	}
	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		return 0, false
	}
	return *vs.ChannelID, true
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	query := data.String("query")

	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	if !ytdlpInstalled() {
		musicRespondImmediate(event, ErrMusicYtdlpMissingReply, true)
		return
	}
	channelID, ok := userVoiceChannel(event)
	if !ok {
		musicRespondImmediate(event, ErrMusicNotInVoiceReply, true)
		return
	}

	_ = event.DeferCreateMessage(false)

	guildID := *event.GuildID()
	client := event.Client()
	LogMusic("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, query)

	p, err := GetPlayerSystem().Join(AppContext, client, guildID, channelID)
	if err != nil {
		musicEditResponse(event, ErrMusicJoinFailReply)
		return
	}

	target := query
	if !strings.HasPrefix(query, "http://") && !strings.HasPrefix(query, "https://") {
		target = "ytsearch1:" + query
	}

	resolveCtx, cancel := context.WithTimeout(AppContext, 30*time.Second)
	defer cancel()
	t, err := resolveTrack(resolveCtx, target)
	if err != nil {
		var xe *ExtractionError
		if errors.As(err, &xe) {
			musicEditResponse(event, fmt.Sprintf(ErrMusicExtractReply, xe.UserMessage()))
		} else if errors.Is(err, ErrYtdlpNotInstalled) {
			musicEditResponse(event, ErrMusicYtdlpMissingReply)
		} else {
			musicEditResponse(event, fmt.Sprintf(ErrMusicExtractReply, "the source could not be read."))
		}
		return
	}
	t.RequestedBy = event.User().ID
	t.OriginChannelID = event.Channel().ID()

	pos := p.Enqueue(t)
	started := p.EnsurePlaying()

	if started {
		musicEditResponse(event, fmt.Sprintf(MsgMusicNowPlayingReply, t.Title))
	} else {
		musicEditResponse(event, fmt.Sprintf(MsgMusicQueuedReply, t.Title, pos))
	}
}

func handleMusicJoin(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	channelID, ok := userVoiceChannel(event)
	if !ok {
		musicRespondImmediate(event, ErrMusicNotInVoiceReply, true)
		return
	}

	_ = event.DeferCreateMessage(false)

	if _, err := GetPlayerSystem().Join(AppContext, event.Client(), *event.GuildID(), channelID); err != nil {
		musicEditResponse(event, ErrMusicJoinFailReply)
		return
	}
	musicEditResponse(event, fmt.Sprintf(MsgMusicJoinedReply, channelID))
}

func handleMusicLeave(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	if _, ok := GetPlayerSystem().Get(*event.GuildID()); !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	GetPlayerSystem().Leave(AppContext, *event.GuildID())
	musicRespondImmediate(event, MsgMusicLeftReply, false)
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	p, ok := GetPlayerSystem().Get(*event.GuildID())
	if !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	t, skipped := p.Skip()
	if !skipped {
		musicRespondImmediate(event, ErrMusicNothingPlaying, true)
		return
	}
	musicRespondImmediate(event, fmt.Sprintf(MsgMusicSkippedReply, t.Title), false)
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	p, ok := GetPlayerSystem().Get(*event.GuildID())
	if !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	if !p.Pause() {
		if p.State() == StatePaused {
			musicRespondImmediate(event, MsgMusicAlreadyPausedReply, true)
		} else {
			musicRespondImmediate(event, ErrMusicNothingPlaying, true)
		}
		return
	}
	musicRespondImmediate(event, MsgMusicPausedReply, false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	p, ok := GetPlayerSystem().Get(*event.GuildID())
	if !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	if !p.Resume() {
		musicRespondImmediate(event, MsgMusicNotPausedReply, true)
		return
	}
	musicRespondImmediate(event, MsgMusicResumedReply, false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	p, ok := GetPlayerSystem().Get(*event.GuildID())
	if !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	current, queue := p.QueueSnapshot()
	if current == nil && len(queue) == 0 {
		musicRespondImmediate(event, ErrMusicQueueEmptyReply, true)
		return
	}

	var sb strings.Builder
	if current != nil {
		fmt.Fprintf(&sb, "Now playing: **%s** [%s]\n", current.Title, current.Duration.Round(time.Second))
	}
	for i, t := range queue {
		if i >= 10 {
			fmt.Fprintf(&sb, "...and %d more", len(queue)-i)
			break
		}
		fmt.Fprintf(&sb, "%d. **%s** [%s]\n", i+1, Truncate(t.Title, 80), t.Duration.Round(time.Second))
	}
	musicRespondImmediate(event, strings.TrimRight(sb.String(), "\n"), false)
}

func handleMusicNowPlaying(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	p, ok := GetPlayerSystem().Get(*event.GuildID())
	if !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	t := p.NowPlaying()
	if t == nil {
		musicRespondImmediate(event, ErrMusicNothingPlaying, true)
		return
	}
	musicRespondImmediate(event, fmt.Sprintf(MsgMusicNowPlayingReply, t.Title), false)
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	p, ok := GetPlayerSystem().Get(*event.GuildID())
	if !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	vol := event.SlashCommandInteractionData().Int("set")
	p.Volume.Store(int32(vol))
	musicRespondImmediate(event, fmt.Sprintf(MsgMusicVolumeReply, vol), false)
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		musicRespondImmediate(event, ErrMusicGuildOnly, true)
		return
	}
	p, ok := GetPlayerSystem().Get(*event.GuildID())
	if !ok {
		musicRespondImmediate(event, ErrMusicNoSessionReply, true)
		return
	}

	if p.ToggleLoop() {
		musicRespondImmediate(event, MsgMusicLoopOnReply, false)
	} else {
		musicRespondImmediate(event, MsgMusicLoopOffReply, false)
	}
}
