package engine

import (
	"context"
	"fmt"
	"sync"

	"sentinel-antiraid/internal/actions"
	"sentinel-antiraid/internal/metrics"
	"sentinel-antiraid/internal/modules/audit"
	"sentinel-antiraid/internal/playbook"
	"sentinel-antiraid/internal/signals"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const channelFanOut = 4

func (e *Engine) LockdownState(guildID string) playbook.State {
	return e.lockdown.IsLockdown(guildID)
}

// EventRate returns the flagged events counted in the current window.
func (e *Engine) EventRate(guildID string) int {
	return e.lockdown.Rate(guildID, e.clock.Now())
}

// ClearLockdown reopens a locked guild: the send deny is lifted on every text
// channel and the event-rate window restarts. It returns false if the guild
// was not locked.
func (e *Engine) ClearLockdown(ctx context.Context, guildID, operatorID string) bool {
	unlock := e.lockGuild(guildID)
	cleared := e.lockdown.Clear(guildID)
	now := e.clock.Now()
	unlock()
	if !cleared {
		return false
	}
	metrics.LockdownsActive.Dec()

	sig := signals.New(signals.LockdownCleared, guildID, now)
	sig.UserID = operatorID
	sig.Rule = "operator"
	sig.Response = signals.ResponseUnlocked

	out := &outcome{}
	out.signal(sig)
	out.audits = append(out.audits, e.audit.Entry(audit.LevelInfo, guildID, operatorID, string(signals.LockdownCleared), describe(sig)))
	out.job("unlock_channels", guildID, actions.Platform, func(ctx context.Context) error {
		return e.syncSendPermission(ctx, guildID)
	})
	out.job("modlog_notice", guildID, actions.Platform, func(ctx context.Context) error {
		return e.notifyModLog(ctx, guildID, fmt.Sprintf("Lockdown cleared by <@%s>. Members can send messages again.", operatorID))
	})
	e.dispatch(ctx, out)
	return true
}

// syncSendPermission brings every text channel in line with the guild's
// current lockdown state: send-messages is denied for the default role while
// locked and restored otherwise. Syncs for one guild run one at a time so a
// slow lock cannot land after the clear that followed it. Every channel is
// attempted; the first failure is returned.
func (e *Engine) syncSendPermission(ctx context.Context, guildID string) error {
	unlock := e.lockPermissions(guildID)
	defer unlock()

	allowed := !e.lockdown.IsLockdown(guildID).Locked
	channels, err := e.platform.TextChannels(ctx, guildID)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(channelFanOut)
	for _, channelID := range channels {
		g.Go(func() error {
			// the default role shares the guild's id
			if err := e.platform.SetChannelSendPermission(ctx, guildID, channelID, guildID, allowed); err != nil {
				e.logger.Warn("channel permission update failed", zap.String("guild_id", guildID), zap.String("channel_id", channelID), zap.Bool("allowed", allowed), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) lockPermissions(guildID string) func() {
	e.guildMu.Lock()
	mu := e.permissions[guildID]
	if mu == nil {
		mu = &sync.Mutex{}
		e.permissions[guildID] = mu
	}
	e.guildMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
