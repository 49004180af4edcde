package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"github.com/sho0pi/naturaltime"
	"golang.org/x/time/rate"
)

// ===========================
// Command Registration
// ===========================

func init() {
	initGiveawayParser()

	adminPerm := discord.PermissionAdministrator

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogGiveaway, func(ctx context.Context) (bool, func(), func()) { return StartGiveawaySweeper(ctx, client) })
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "giveaway",
		Description:              "Manage giveaways (Admin Only)",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "start",
				Description: "Start a giveaway in this channel",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "prize",
						Description: "What is being given away",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "duration",
						Description: "How long it runs (e.g. '1h', '2 days')",
						Required:    true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "winners",
						Description: "Number of winners (1-20)",
						Required:    false,
						MinValue:    intPtr(1),
						MaxValue:    intPtr(20),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "end",
				Description: "End the active giveaway in this channel now",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reroll",
				Description: "Redraw winners for the most recently ended giveaway",
			},
		},
	}, handleGiveaway)

	RegisterComponentHandler("giveaway_enter:", handleGiveawayEnter)
}

// ===========================
// Giveaway System Globals
// ===========================

const (
	giveawaySweepInterval  = 30 * time.Second
	giveawayFetchAttempts  = 3
	giveawayDegradedWait   = 15 * time.Second
	giveawayDueBatchLimit  = 100
	giveawayMinDuration    = time.Minute
	giveawayMaxDuration    = 30 * 24 * time.Hour
	giveawayDefaultWinners = 1
)

var (
	giveawaySweeperRunning int32
	giveawayParser         *naturaltime.Parser

	// Ended giveaways can announce in bursts after downtime.
	giveawayAnnounceLimiter = rate.NewLimiter(rate.Limit(2), 5)
)

// initGiveawayParser initializes the natural language duration parser
func initGiveawayParser() {
	var err error
	giveawayParser, err = naturaltime.New()
	if err != nil {
		LogFatal("Failed to initialize naturaltime parser: %v", err)
	}
}

// ===========================
// Command Handlers
// ===========================

// handleGiveaway routes giveaway subcommands to their respective handlers
func handleGiveaway(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	subCmd := data.SubCommandName
	if subCmd == nil {
		return
	}

	switch *subCmd {
	case "start":
		handleGiveawayStart(event, data)
	case "end":
		handleGiveawayEnd(event)
	case "reroll":
		handleGiveawayReroll(event)
	}
}

// giveawayRespondImmediate sends an ephemeral response message
func giveawayRespondImmediate(event *events.ApplicationCommandInteractionCreate, content string) {
	err := event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(content),
			),
		).
		SetEphemeral(true).
		Build())
	if err != nil {
		LogGiveaway(ErrGiveawayRespondFail, err)
	}
}

// parseGiveawayDuration parses a duration expression like "90m" or "2 days"
func parseGiveawayDuration(input string) (time.Duration, error) {
	if d, err := time.ParseDuration(input); err == nil {
		return d, nil
	}

	now := time.Now().UTC()
	result, err := giveawayParser.ParseDate(input, now)
	if err == nil && result != nil {
		return result.Sub(now), nil
	}

	return 0, fmt.Errorf("could not parse duration: %s", input)
}

// handleGiveawayStart creates a giveaway and posts its announcement with an entry button
func handleGiveawayStart(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	if event.GuildID() == nil {
		giveawayRespondImmediate(event, ErrGiveawayGuildOnly)
		return
	}

	prize := data.String("prize")
	durationStr := data.String("duration")
	winners := giveawayDefaultWinners
	if w, ok := data.OptInt("winners"); ok {
		winners = w
	}

	if winners < 1 || winners > 20 {
		giveawayRespondImmediate(event, ErrGiveawayWinnersRange)
		return
	}

	duration, err := parseGiveawayDuration(durationStr)
	if err != nil {
		giveawayRespondImmediate(event, ErrGiveawayBadDuration)
		return
	}
	if duration < giveawayMinDuration || duration > giveawayMaxDuration {
		giveawayRespondImmediate(event, ErrGiveawayDurationRange)
		return
	}

	endTime := time.Now().Add(duration).Unix()
	g := &Giveaway{
		GuildID:   *event.GuildID(),
		ChannelID: event.Channel().ID(),
		HostID:    event.User().ID,
		Prize:     prize,
		Winners:   winners,
		EndTime:   endTime,
	}

	id, err := CreateGiveaway(AppContext, g)
	if err != nil {
		LogGiveaway("Failed to create giveaway: %v", err)
		giveawayRespondImmediate(event, ErrGiveawaySaveFail)
		return
	}

	LogGiveaway(MsgGiveawayCreated, id, g.GuildID, prize, winners, time.Unix(endTime, 0).Format(time.RFC3339))

	err = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(fmt.Sprintf(MsgGiveawayAnnounceBody, prize, winners, endTime, g.HostID)),
			),
			discord.NewActionRow(
				discord.NewButton(discord.ButtonStyleSuccess, MsgGiveawayEnterButton, fmt.Sprintf("giveaway_enter:%d", id), "", 0),
			),
		).
		Build())
	if err != nil {
		LogGiveaway(ErrGiveawayRespondFail, err)
	}
}

// handleGiveawayEnter records a participant entry from the announcement button
func handleGiveawayEnter(event *events.ComponentInteractionCreate) {
	respond := func(content string) {
		err := event.CreateMessage(discord.NewMessageCreateBuilder().
			SetIsComponentsV2(true).
			AddComponents(
				discord.NewContainer(
					discord.NewTextDisplay(content),
				),
			).
			SetEphemeral(true).
			Build())
		if err != nil {
			LogGiveaway(ErrGiveawayRespondFail, err)
		}
	}

	idStr := strings.TrimPrefix(event.Data.CustomID(), "giveaway_enter:")
	giveawayID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		respond(ErrGiveawayNotFoundReply)
		return
	}

	switch err := AddGiveawayEntry(AppContext, giveawayID, event.User().ID); err {
	case nil:
		respond(MsgGiveawayEnteredReply)
	case ErrGiveawayNotFound:
		respond(ErrGiveawayNotFoundReply)
	case ErrGiveawayEnded:
		respond(ErrGiveawayEndedReply)
	case ErrAlreadyEntered:
		respond(ErrGiveawayDupEntryReply)
	default:
		LogGiveaway(MsgGiveawayEntrySaveFail, giveawayID, err)
		respond(ErrGiveawayEntryFailReply)
	}
}

// handleGiveawayEnd ends the active giveaway in the current channel immediately
func handleGiveawayEnd(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		giveawayRespondImmediate(event, ErrGiveawayGuildOnly)
		return
	}

	g, err := FindActiveGiveawayInChannel(AppContext, *event.GuildID(), event.Channel().ID())
	if err != nil {
		giveawayRespondImmediate(event, ErrGiveawayNoneActiveReply)
		return
	}

	giveawayRespondImmediate(event, MsgGiveawayEndingReply)
	client := event.Client()
	safeGo(func() { endGiveaway(AppContext, client, g) })
}

// handleGiveawayReroll redraws winners for the most recently ended giveaway in the guild
func handleGiveawayReroll(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		giveawayRespondImmediate(event, ErrGiveawayGuildOnly)
		return
	}

	g, err := FindLatestEndedGiveaway(AppContext, *event.GuildID())
	if err != nil {
		giveawayRespondImmediate(event, ErrGiveawayNoneEndedReply)
		return
	}

	entrants, err := GetGiveawayEntries(AppContext, g.ID)
	if err != nil {
		LogGiveaway("Failed to fetch entries for reroll of giveaway %d: %v", g.ID, err)
		giveawayRespondImmediate(event, ErrGiveawayRerollFailReply)
		return
	}
	if len(entrants) == 0 {
		giveawayRespondImmediate(event, ErrGiveawayNoEntrantsReply)
		return
	}

	winners := drawGiveawayWinners(entrants, g.Winners)
	if err := SaveGiveawayWinners(AppContext, g.ID, winners); err != nil {
		LogGiveaway("Failed to save rerolled winners for giveaway %d: %v", g.ID, err)
	}

	err = event.CreateMessage(discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(fmt.Sprintf(MsgGiveawayRerollAnnounce, g.Prize, mentionList(winners))),
			),
		).
		Build())
	if err != nil {
		LogGiveaway(ErrGiveawayRespondFail, err)
	}
}

// ===========================
// Winner Draw
// ===========================

// drawGiveawayWinners picks up to n entrants uniformly without replacement.
// Everyone wins when there are fewer entrants than requested winners.
func drawGiveawayWinners(entrants []snowflake.ID, n int) []snowflake.ID {
	if n >= len(entrants) {
		winners := make([]snowflake.ID, len(entrants))
		copy(winners, entrants)
		return winners
	}
	winners := make([]snowflake.ID, 0, n)
	for _, i := range rand.Perm(len(entrants))[:n] {
		winners = append(winners, entrants[i])
	}
	return winners
}

func mentionList(users []snowflake.ID) string {
	mentions := make([]string, 0, len(users))
	for _, u := range users {
		mentions = append(mentions, "<@"+u.String()+">")
	}
	return strings.Join(mentions, ", ")
}

// ===========================
// Sweep Daemon
// ===========================

// StartGiveawaySweeper starts the giveaway deadline sweeper daemon
func StartGiveawaySweeper(ctx context.Context, client *bot.Client) (bool, func(), func()) {
	if !atomic.CompareAndSwapInt32(&giveawaySweeperRunning, 0, 1) {
		return false, nil, nil
	}

	return true, func() {
			timer := time.NewTimer(giveawaySweepInterval)
			defer timer.Stop()

			for {
				select {
				case <-timer.C:
					timer.Reset(nextSweepInterval(sweepDueGiveaways(ctx, client)))
				case <-ctx.Done():
					return
				}
			}
		}, func() {
			LogGiveaway("Shutting down Giveaway System...")
		}
}

// nextSweepInterval shortens the sweep cadence after a failed fetch so a
// transient store outage is retried sooner than a full interval away
func nextSweepInterval(ok bool) time.Duration {
	if !ok {
		return giveawayDegradedWait
	}
	return giveawaySweepInterval
}

// fetchDueGiveawaysWithRetry retries transient store failures with exponential backoff
func fetchDueGiveawaysWithRetry(ctx context.Context, now int64) ([]*Giveaway, error) {
	var lastErr error
	for attempt := 1; attempt <= giveawayFetchAttempts; attempt++ {
		if attempt > 1 {
			backoff := min(time.Duration(1<<uint(attempt-2))*time.Second, 10*time.Second)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		due, err := FindDueGiveaways(ctx, now, giveawayDueBatchLimit)
		if err == nil {
			return due, nil
		}
		lastErr = err
		LogGiveaway(MsgGiveawaySweepFetchFail, attempt, giveawayFetchAttempts, err)
		if !IsTransientDBError(err) {
			break
		}
	}
	return nil, lastErr
}

// sweepDueGiveaways ends every giveaway whose deadline has passed. Returns
// false when the store could not be read so the caller reschedules sooner.
func sweepDueGiveaways(parentCtx context.Context, client *bot.Client) bool {
	ctx, cancel := context.WithTimeout(parentCtx, giveawaySweepInterval)
	defer cancel()

	due, err := fetchDueGiveawaysWithRetry(ctx, time.Now().Unix())
	if err != nil {
		// Tell a dead connection apart from a transient lock.
		LogGiveaway(MsgGiveawayStoreDegraded, giveawayDegradedWait, err)
		if pingErr := PingDatabase(ctx); pingErr == nil {
			LogGiveaway(MsgGiveawayStoreRecovered)
		}
		return false
	}

	for _, g := range due {
		safeGo(func() { endGiveaway(parentCtx, client, g) })
	}
	return true
}

// endGiveaway resolves a giveaway exactly once: mark ended, draw winners, announce
func endGiveaway(ctx context.Context, client *bot.Client, g *Giveaway) {
	won, err := MarkGiveawayEnded(ctx, g.ID)
	if err != nil {
		LogGiveaway(MsgGiveawayEndFail, g.ID, err)
		return
	}
	if !won {
		LogGiveaway(MsgGiveawayAlreadyEnded, g.ID)
		return
	}

	entrants, err := GetGiveawayEntries(ctx, g.ID)
	if err != nil {
		LogGiveaway(MsgGiveawayEndFail, g.ID, err)
		return
	}

	var content string
	if len(entrants) == 0 {
		content = fmt.Sprintf(MsgGiveawayNoEntrants, g.Prize)
	} else {
		winners := drawGiveawayWinners(entrants, g.Winners)
		if err := SaveGiveawayWinners(ctx, g.ID, winners); err != nil {
			LogGiveaway("Failed to save winners for giveaway %d: %v", g.ID, err)
		}
		content = fmt.Sprintf(MsgGiveawayWinnersAnnounce, g.Prize, mentionList(winners), g.HostID)
		LogGiveaway(MsgGiveawayEnded, g.ID, g.Prize, len(winners), len(entrants))
	}

	if err := giveawayAnnounceLimiter.Wait(ctx); err != nil {
		return
	}

	_, err = client.Rest.CreateMessage(g.ChannelID, discord.NewMessageCreateBuilder().
		SetIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(content),
			),
		).
		Build(), rest.WithCtx(ctx))
	if err != nil {
		LogGiveaway(MsgGiveawayAnnounceFail, g.ID, err)
	}
}
