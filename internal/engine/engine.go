// Package engine wires the detectors, the infraction ledger and the lockdown
// controller together. Detection runs under a per-guild lock and never waits
// on I/O; side effects are handed to the dispatcher after the lock is
// released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sentinel-antiraid/internal/actions"
	"sentinel-antiraid/internal/infractions"
	"sentinel-antiraid/internal/metrics"
	"sentinel-antiraid/internal/modules/antiraid"
	"sentinel-antiraid/internal/modules/antispam"
	"sentinel-antiraid/internal/modules/audit"
	"sentinel-antiraid/internal/modules/duplicate"
	"sentinel-antiraid/internal/modules/linkfilter"
	"sentinel-antiraid/internal/modules/verification"
	"sentinel-antiraid/internal/playbook"
	"sentinel-antiraid/internal/scheduler"
	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/storage"
	"sentinel-antiraid/internal/summary"
	"sentinel-antiraid/internal/utils"

	"go.uber.org/zap"
)

var ErrNoChallenge = errors.New("engine: no pending challenge")

type Member struct {
	ID      string
	RoleIDs []string
}

func (m Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// Platform is the chat platform as the engine sees it.
type Platform interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
	TextChannels(ctx context.Context, guildID string) ([]string, error)
	SetChannelSendPermission(ctx context.Context, guildID, channelID, roleID string, allowed bool) error
	SendDirectMessage(ctx context.Context, userID, text string) error
	SendChannelMessage(ctx context.Context, channelID, text string) error
	FetchMember(ctx context.Context, guildID, userID string) (Member, error)
}

type SettingsSource interface {
	GetGuildSettings(ctx context.Context, guildID string, defaults storage.GuildSettings) (storage.GuildSettings, error)
	GetModLogChannel(ctx context.Context, guildID string) (string, error)
}

type Publisher interface {
	Publish(sig signals.Signal) error
}

type Dispatcher interface {
	Submit(job actions.Job) error
}

// InfractionHistory persists lifetime infraction counts. Optional.
type InfractionHistory interface {
	IncrementInfraction(ctx context.Context, guildID, userID, category, lastAction string, at time.Time) (int, error)
}

type Options struct {
	Logger       *zap.Logger
	Platform     Platform
	Settings     SettingsSource
	Audit        *audit.Logger
	Publisher    Publisher
	Dispatcher   Dispatcher
	History      InfractionHistory
	Clock        scheduler.Clock
	Defaults     storage.GuildSettings
	Verification verification.Config

	SummaryDelay         time.Duration
	SettingsTimeout      time.Duration
	RecentJoinerCapacity int
}

type JoinEvent struct {
	GuildID  string
	MemberID string
	IsBot    bool
}

type MessageEvent struct {
	GuildID   string
	ChannelID string
	MessageID string
	AuthorID  string
	IsBot     bool
	Text      string
}

type Engine struct {
	logger          *zap.Logger
	platform        Platform
	settings        SettingsSource
	audit           *audit.Logger
	publisher       Publisher
	dispatcher      Dispatcher
	history         InfractionHistory
	clock           scheduler.Clock
	defaults        storage.GuildSettings
	settingsTimeout time.Duration

	guildMu     sync.Mutex
	guilds      map[string]*sync.Mutex
	permissions map[string]*sync.Mutex

	joins      *antiraid.Module
	spam       *antispam.Module
	duplicates *duplicate.Tracker
	links      *linkfilter.Module
	ledger     *infractions.Ledger
	lockdown   *playbook.Engine
	verify     *verification.Manager
	summary    *summary.Aggregator
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLogger(nil, opts.Logger)
	}
	if opts.SettingsTimeout <= 0 {
		opts.SettingsTimeout = 2 * time.Second
	}
	if opts.RecentJoinerCapacity <= 0 {
		opts.RecentJoinerCapacity = 100000
	}

	e := &Engine{
		logger:          opts.Logger,
		platform:        opts.Platform,
		settings:        opts.Settings,
		audit:           opts.Audit,
		publisher:       opts.Publisher,
		dispatcher:      opts.Dispatcher,
		history:         opts.History,
		clock:           opts.Clock,
		defaults:        opts.Defaults,
		settingsTimeout: opts.SettingsTimeout,
		guilds:          make(map[string]*sync.Mutex),
		permissions:     make(map[string]*sync.Mutex),
		joins:           antiraid.New(opts.RecentJoinerCapacity),
		spam:            antispam.New(),
		duplicates:      duplicate.New(),
		links:           linkfilter.New(),
		ledger:          infractions.NewLedger(),
		lockdown:        playbook.New(),
		verify:          verification.New(opts.Verification),
	}
	e.summary = summary.New(opts.Clock, opts.SummaryDelay, e.emitSummary)
	return e
}

// outcome collects what one event decided so it can be acted on after the
// guild lock is released.
type outcome struct {
	signals []signals.Signal
	jobs    []actions.Job
	audits  []storage.AuditLog
}

func (o *outcome) signal(sig signals.Signal) {
	o.signals = append(o.signals, sig)
}

func (o *outcome) job(name, guildID string, target actions.Target, run func(ctx context.Context) error) {
	o.jobs = append(o.jobs, actions.Job{Name: name, GuildID: guildID, Target: target, Run: run})
}

// HandleJoin runs join-spike detection and issues a verification challenge.
func (e *Engine) HandleJoin(ctx context.Context, event JoinEvent) []signals.Signal {
	if event.GuildID == "" || event.MemberID == "" {
		return nil
	}
	started := time.Now()
	defer func() { metrics.EventDuration.WithLabelValues("join").Observe(time.Since(started).Seconds()) }()

	settings := e.guildSettings(ctx, event.GuildID)
	out := &outcome{}

	unlock := e.lockGuild(event.GuildID)
	now := e.clock.Now()
	threshold := antiraid.Threshold{Count: settings.JoinThreshold.Count, WindowSeconds: settings.JoinThreshold.WindowSeconds}
	if sig, ok := e.joins.HandleJoin(event.GuildID, event.MemberID, now, threshold); ok {
		e.flagLocked(out, settings, sig, now)
	}
	if !event.IsBot {
		e.issueChallengeLocked(out, settings, event.MemberID, now)
	}
	unlock()

	e.dispatch(ctx, out)
	return out.signals
}

// HandleMessage runs the spam, link and duplicate detectors for one guild
// message. Bot messages are ignored.
func (e *Engine) HandleMessage(ctx context.Context, event MessageEvent) []signals.Signal {
	if event.IsBot || event.GuildID == "" || event.AuthorID == "" {
		return nil
	}
	started := time.Now()
	defer func() { metrics.EventDuration.WithLabelValues("message").Observe(time.Since(started).Seconds()) }()

	settings := e.guildSettings(ctx, event.GuildID)
	out := &outcome{}

	unlock := e.lockGuild(event.GuildID)
	now := e.clock.Now()
	filtered := false
	if e.joins.IsRecentJoiner(event.GuildID, event.AuthorID, now) {
		if sig, ok := e.spam.HandleMessage(event.GuildID, event.AuthorID, now, settings.MessageThreshold); ok {
			e.flagLocked(out, settings, sig, now)
			e.recordInfractionLocked(out, settings, sig, now)
		}
		if sig, ok := e.links.Check(event.GuildID, event.AuthorID, event.Text, utils.DomainSet(settings.AllowedDomains), now); ok {
			filtered = true
			channelID, messageID := event.ChannelID, event.MessageID
			out.job("delete_message", event.GuildID, actions.Platform, func(ctx context.Context) error {
				return e.platform.DeleteMessage(ctx, channelID, messageID)
			})
			e.flagLocked(out, settings, sig, now)
			e.recordInfractionLocked(out, settings, sig, now)
		}
	}
	if !filtered {
		if sig, ok := e.duplicates.Observe(event.GuildID, event.AuthorID, event.Text, now); ok {
			e.flagLocked(out, settings, sig, now)
			e.recordInfractionLocked(out, settings, sig, now)
		}
	}
	unlock()

	e.dispatch(ctx, out)
	return out.signals
}

// flagLocked records a detection signal and feeds the guild event rate.
func (e *Engine) flagLocked(out *outcome, settings storage.GuildSettings, sig signals.Signal, now time.Time) {
	out.signal(sig)
	out.audits = append(out.audits, e.audit.Entry(audit.LevelWarn, sig.GuildID, sig.UserID, string(sig.Kind), describe(sig)))
	e.countEventLocked(out, settings, sig.GuildID, now)
}

// countEventLocked adds one event to the guild's rate window. The event that
// crosses the lockdown threshold engages the lockdown.
func (e *Engine) countEventLocked(out *outcome, settings storage.GuildSettings, guildID string, now time.Time) {
	count, engaged := e.lockdown.RecordFlagged(guildID, now, settings.LockdownThreshold)
	if !engaged {
		return
	}
	metrics.LockdownsActive.Inc()

	lock := signals.New(signals.Lockdown, guildID, now)
	lock.Count = count
	lock.Rule = fmt.Sprintf("flagged>=%d/%ds", settings.LockdownThreshold, int(playbook.RateWindow/time.Second))
	lock.Response = signals.ResponseLocked
	out.signal(lock)
	out.audits = append(out.audits, e.audit.Entry(audit.LevelCrit, guildID, "", string(signals.Lockdown), describe(lock)))

	out.job("lock_channels", guildID, actions.Platform, func(ctx context.Context) error {
		return e.syncSendPermission(ctx, guildID)
	})
	notice := fmt.Sprintf("Lockdown engaged: %d flagged events in the last %d seconds. Members cannot send messages until a moderator runs /antiraid lockdown clear.", count, int(playbook.RateWindow/time.Second))
	out.job("modlog_notice", guildID, actions.Platform, func(ctx context.Context) error {
		return e.notifyModLog(ctx, guildID, notice)
	})
}

// recordInfractionLocked charges the signal's author, requests any role that
// became due and counts the infraction toward the guild event rate.
func (e *Engine) recordInfractionLocked(out *outcome, settings storage.GuildSettings, sig signals.Signal, now time.Time) {
	policy := infractions.Policy{
		ShadowMuteThreshold: settings.ShadowMuteThreshold,
		QuarantineThreshold: settings.QuarantineThreshold,
		MuteRoleID:          settings.MuteRoleID,
		SuspectRoleID:       settings.SuspectRoleID,
	}
	decision := e.ledger.Record(sig.GuildID, sig.UserID, policy)
	e.countEventLocked(out, settings, sig.GuildID, now)

	for _, grant := range decision.Applied {
		kind := signals.ShadowMute
		if grant.Tier == infractions.Quarantined {
			kind = signals.Quarantine
		}
		escalation := signals.New(kind, sig.GuildID, now)
		escalation.UserID = sig.UserID
		escalation.Count = decision.Count
		escalation.RoleID = grant.RoleID
		escalation.Rule = fmt.Sprintf("infractions>=%d", tierThreshold(policy, grant.Tier))
		escalation.Response = signals.ResponseRoleRequested
		out.signal(escalation)
		out.audits = append(out.audits, e.audit.Entry(audit.LevelWarn, sig.GuildID, sig.UserID, string(kind), describe(escalation)))

		guildID, userID, roleID := sig.GuildID, sig.UserID, grant.RoleID
		out.job("add_role", guildID, actions.Platform, func(ctx context.Context) error {
			return e.grantRole(ctx, guildID, userID, roleID)
		})
	}

	if e.history != nil {
		guildID, userID, category, action := sig.GuildID, sig.UserID, string(sig.Kind), decision.Tier.String()
		out.job("infraction_history", guildID, actions.Storage, func(ctx context.Context) error {
			_, err := e.history.IncrementInfraction(ctx, guildID, userID, category, action, now)
			return err
		})
	}
}

func tierThreshold(policy infractions.Policy, tier infractions.Tier) int {
	if tier == infractions.Quarantined {
		return policy.QuarantineThreshold
	}
	return policy.ShadowMuteThreshold
}

// grantRole adds the role unless the member already holds it.
func (e *Engine) grantRole(ctx context.Context, guildID, userID, roleID string) error {
	member, err := e.platform.FetchMember(ctx, guildID, userID)
	if err != nil {
		return fmt.Errorf("fetch member: %w", err)
	}
	if member.HasRole(roleID) {
		e.logger.Debug("role already held", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("role_id", roleID))
		return nil
	}
	return e.platform.AddRole(ctx, guildID, userID, roleID)
}

func (e *Engine) notifyModLog(ctx context.Context, guildID, text string) error {
	if e.settings == nil {
		return nil
	}
	channelID, err := e.settings.GetModLogChannel(ctx, guildID)
	if err != nil {
		return fmt.Errorf("mod-log channel: %w", err)
	}
	if channelID == "" {
		return nil
	}
	return e.platform.SendChannelMessage(ctx, channelID, text)
}

// dispatch publishes signals, queues audit writes and side effects, and feeds
// the raid summary.
func (e *Engine) dispatch(ctx context.Context, out *outcome) {
	for _, sig := range out.signals {
		e.publish(sig)
		switch sig.Kind {
		case signals.JoinSpike:
			e.summary.Record(sig.GuildID, summary.Joins, 1)
		case signals.MessageSpike, signals.DuplicateContent, signals.FilteredInvite:
			e.summary.Record(sig.GuildID, summary.SpamMessages, 1)
		}
	}
	for _, entry := range out.audits {
		out.job("audit_write", entry.GuildID, actions.Storage, func(ctx context.Context) error {
			return e.audit.Write(ctx, entry)
		})
	}
	for _, job := range out.jobs {
		e.submit(job)
	}
}

func (e *Engine) submit(job actions.Job) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Submit(job); err != nil {
		e.logger.Debug("job not queued", zap.String("action", job.Name), zap.String("guild_id", job.GuildID), zap.Error(err))
	}
}

func (e *Engine) publish(sig signals.Signal) {
	metrics.SignalsTotal.WithLabelValues(string(sig.Kind)).Inc()
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(sig); err != nil {
		e.logger.Warn("signal publish failed", zap.String("kind", string(sig.Kind)), zap.String("guild_id", sig.GuildID), zap.Error(err))
	}
}

func (e *Engine) emitSummary(sig signals.Signal) {
	e.publish(sig)
	entry := e.audit.Entry(audit.LevelInfo, sig.GuildID, "", string(sig.Kind), describe(sig))
	e.submit(actions.Job{Name: "audit_write", GuildID: sig.GuildID, Target: actions.Storage, Run: func(ctx context.Context) error {
		return e.audit.Write(ctx, entry)
	}})
}

func (e *Engine) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	fallback := e.defaults
	fallback.GuildID = guildID
	if e.settings == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, e.settingsTimeout)
	defer cancel()
	settings, err := e.settings.GetGuildSettings(ctx, guildID, e.defaults)
	if err != nil {
		metrics.SettingsFallbackTotal.Inc()
		e.logger.Warn("guild settings fallback", zap.String("guild_id", guildID), zap.Error(err))
		return fallback
	}
	return settings
}

func (e *Engine) lockGuild(guildID string) func() {
	e.guildMu.Lock()
	mu := e.guilds[guildID]
	if mu == nil {
		mu = &sync.Mutex{}
		e.guilds[guildID] = mu
	}
	e.guildMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Sweep drops idle detection state and expired challenges.
func (e *Engine) Sweep(ctx context.Context) int {
	now := e.clock.Now()
	removed := e.joins.Sweep(now, time.Hour)
	removed += e.spam.Sweep(now, 10*antispam.Window)
	removed += e.duplicates.Sweep(now)
	removed += e.lockdown.Sweep(now)

	out := &outcome{}
	for _, challenge := range e.verify.Sweep(now) {
		removed++
		out.audits = append(out.audits, e.audit.Entry(audit.LevelInfo, challenge.GuildID, challenge.UserID, "verify_expired", "challenge expired before an answer"))
	}
	e.dispatch(ctx, out)
	return removed
}

// Close stops pending summary flushes.
func (e *Engine) Close() {
	e.summary.Stop()
}

func describe(sig signals.Signal) string {
	parts := []string{"rule=" + sig.Rule, "response=" + sig.Response}
	if sig.Count > 0 {
		parts = append(parts, fmt.Sprintf("count=%d", sig.Count))
	}
	if sig.Domain != "" {
		parts = append(parts, "domain="+sig.Domain)
	}
	if sig.Hash != "" {
		parts = append(parts, "hash="+sig.Hash)
	}
	if sig.RoleID != "" {
		parts = append(parts, "role="+sig.RoleID)
	}
	if len(sig.UserIDs) > 0 {
		parts = append(parts, "users="+strings.Join(sig.UserIDs, ","))
	}
	if sig.Kind == signals.RaidSummary {
		parts = append(parts, fmt.Sprintf("joins=%d spam_messages=%d", sig.Joins, sig.SpamMessages))
	}
	return strings.Join(parts, " ")
}
