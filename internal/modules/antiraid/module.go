package antiraid

import (
	"fmt"
	"time"

	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/utils"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RecentJoinWindow bounds how long a member counts as a new account for the
// spam and link checks.
const RecentJoinWindow = 10 * time.Minute

type Threshold struct {
	Count         int
	WindowSeconds int
}

type Module struct {
	joins   *utils.SlidingWindow
	joiners *expirable.LRU[string, time.Time]
}

func New(capacity int) *Module {
	return &Module{
		joins:   utils.NewSlidingWindow(),
		joiners: expirable.NewLRU[string, time.Time](capacity, nil, RecentJoinWindow),
	}
}

// HandleJoin records the join and returns a JoinSpike while the guild's join
// count inside the window is at or above the threshold.
func (m *Module) HandleJoin(guildID, memberID string, now time.Time, threshold Threshold) (signals.Signal, bool) {
	m.joiners.Add(joinerKey(guildID, memberID), now)

	window := time.Duration(threshold.WindowSeconds) * time.Second
	m.joins.RecordID(guildID, memberID, now)
	count := m.joins.Count(guildID, now, window)
	if threshold.Count <= 0 || count < threshold.Count {
		return signals.Signal{}, false
	}

	sig := signals.New(signals.JoinSpike, guildID, now)
	sig.UserID = memberID
	sig.Count = count
	sig.UserIDs = m.joins.IDs(guildID, now, window)
	sig.Rule = fmt.Sprintf("joins>=%d/%ds", threshold.Count, threshold.WindowSeconds)
	sig.Response = signals.ResponseFlagged
	return sig, true
}

func (m *Module) IsRecentJoiner(guildID, memberID string, now time.Time) bool {
	joinedAt, ok := m.joiners.Get(joinerKey(guildID, memberID))
	if !ok {
		return false
	}
	return now.Sub(joinedAt) < RecentJoinWindow
}

// Forget drops a member from the recent-joiner registry, e.g. after they left.
func (m *Module) Forget(guildID, memberID string) {
	m.joiners.Remove(joinerKey(guildID, memberID))
}

func (m *Module) Sweep(now time.Time, idle time.Duration) int {
	return m.joins.Sweep(now, idle)
}

func joinerKey(guildID, memberID string) string {
	return guildID + ":" + memberID
}
