// Package notify posts escalation and raid digests to each guild's mod-log
// channel.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sentinel-antiraid/internal/metrics"
	"sentinel-antiraid/internal/signals"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Colors struct {
	Warning  int
	Critical int
}

type Field struct {
	Name  string
	Value string
}

type Notice struct {
	Title       string
	Description string
	Color       int
	Fields      []Field
	At          time.Time
}

type Sender interface {
	SendNotice(ctx context.Context, channelID string, notice Notice) error
}

type ChannelResolver interface {
	GetModLogChannel(ctx context.Context, guildID string) (string, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, name string, handler signals.Handler, kinds ...signals.Kind) error
}

type Config struct {
	// PerMinute is the sustained notice rate allowed per guild.
	PerMinute int
	Burst     int
	Timeout   time.Duration
	Colors    Colors
}

type guildLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Notifier struct {
	bus      Subscriber
	channels ChannelResolver
	sender   Sender
	logger   *zap.Logger
	timeout  time.Duration
	colors   Colors
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*guildLimiter
	limit    rate.Limit
	burst    int
}

var notifiedKinds = []signals.Kind{signals.JoinSpike, signals.RaidSummary, signals.ShadowMute, signals.Quarantine}

func New(bus Subscriber, channels ChannelResolver, sender Sender, cfg Config, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 12
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Colors.Warning == 0 {
		cfg.Colors.Warning = 0xF1C40F
	}
	if cfg.Colors.Critical == 0 {
		cfg.Colors.Critical = 0xE74C3C
	}
	return &Notifier{
		bus:      bus,
		channels: channels,
		sender:   sender,
		logger:   logger,
		timeout:  cfg.Timeout,
		colors:   cfg.Colors,
		now:      time.Now,
		limiters: make(map[string]*guildLimiter),
		limit:    rate.Every(time.Minute / time.Duration(cfg.PerMinute)),
		burst:    cfg.Burst,
	}
}

// Serve subscribes to the bus and blocks until ctx is done.
func (n *Notifier) Serve(ctx context.Context) error {
	if err := n.bus.Subscribe(ctx, n.String(), n.Handle, notifiedKinds...); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (n *Notifier) String() string {
	return "modlog-notifier"
}

// Handle posts one signal. Signals over the guild's rate are dropped.
func (n *Notifier) Handle(ctx context.Context, sig signals.Signal) {
	notice, ok := render(sig, n.colors)
	if !ok {
		return
	}
	if !n.allow(sig.GuildID) {
		metrics.NotificationsTotal.WithLabelValues("throttled").Inc()
		n.logger.Debug("notice throttled", zap.String("guild_id", sig.GuildID), zap.String("kind", string(sig.Kind)))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	channelID, err := n.channels.GetModLogChannel(ctx, sig.GuildID)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		n.logger.Warn("mod-log lookup failed", zap.String("guild_id", sig.GuildID), zap.Error(err))
		return
	}
	if channelID == "" {
		metrics.NotificationsTotal.WithLabelValues("unconfigured").Inc()
		return
	}
	if err := n.sender.SendNotice(ctx, channelID, notice); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		n.logger.Warn("mod-log notice failed", zap.String("guild_id", sig.GuildID), zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

func (n *Notifier) allow(guildID string) bool {
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()

	entry, ok := n.limiters[guildID]
	if !ok {
		entry = &guildLimiter{limiter: rate.NewLimiter(n.limit, n.burst)}
		n.limiters[guildID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Sweep drops limiters of guilds that have been quiet longer than idle.
func (n *Notifier) Sweep(idle time.Duration) int {
	cutoff := n.now().Add(-idle)
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for guildID, entry := range n.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(n.limiters, guildID)
			removed++
		}
	}
	return removed
}

func render(sig signals.Signal, colors Colors) (Notice, bool) {
	notice := Notice{At: sig.At, Color: colors.Warning}
	switch sig.Kind {
	case signals.JoinSpike:
		notice.Title = "Join spike"
		notice.Description = fmt.Sprintf("%d members joined in quick succession.", sig.Count)
		notice.Fields = []Field{{Name: "Rule", Value: sig.Rule}}
	case signals.RaidSummary:
		notice.Title = "Raid summary"
		notice.Color = colors.Critical
		notice.Description = "Suspicious activity was detected in the last few seconds."
		notice.Fields = []Field{
			{Name: "Join spikes", Value: fmt.Sprint(sig.Joins)},
			{Name: "Spam messages", Value: fmt.Sprint(sig.SpamMessages)},
		}
	case signals.ShadowMute, signals.Quarantine:
		notice.Title = "Member shadow-muted"
		if sig.Kind == signals.Quarantine {
			notice.Title = "Member quarantined"
			notice.Color = colors.Critical
		}
		notice.Description = fmt.Sprintf("<@%s> reached %d infractions.", sig.UserID, sig.Count)
		notice.Fields = []Field{
			{Name: "Role", Value: fmt.Sprintf("<@&%s>", sig.RoleID)},
			{Name: "Rule", Value: sig.Rule},
		}
	default:
		return Notice{}, false
	}
	return notice, true
}

// Plain flattens a notice for channels that only take text.
func (n Notice) Plain() string {
	var b strings.Builder
	b.WriteString("**" + n.Title + "**")
	if n.Description != "" {
		b.WriteString("\n" + n.Description)
	}
	for _, field := range n.Fields {
		b.WriteString("\n" + field.Name + ": " + field.Value)
	}
	return b.String()
}
