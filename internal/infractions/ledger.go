package infractions

import (
	"sort"
	"strings"
	"sync"
)

type Tier int

const (
	Clean Tier = iota
	ShadowMuted
	Quarantined
)

func (t Tier) String() string {
	switch t {
	case ShadowMuted:
		return "shadow-mute"
	case Quarantined:
		return "quarantine"
	default:
		return "clean"
	}
}

// Policy is the escalation slice of a guild's settings. A threshold of zero
// or an empty role disables that tier.
type Policy struct {
	ShadowMuteThreshold int
	QuarantineThreshold int
	MuteRoleID          string
	SuspectRoleID       string
}

type RoleGrant struct {
	Tier   Tier
	RoleID string
}

type Decision struct {
	Count   int
	Tier    Tier
	Applied []RoleGrant
}

// Escalated returns the most severe grant applied by this decision.
func (d Decision) Escalated() (RoleGrant, bool) {
	if len(d.Applied) == 0 {
		return RoleGrant{}, false
	}
	return d.Applied[len(d.Applied)-1], true
}

type entry struct {
	count       int
	muted       bool
	quarantined bool
}

func (e *entry) tier() Tier {
	switch {
	case e.quarantined:
		return Quarantined
	case e.muted:
		return ShadowMuted
	default:
		return Clean
	}
}

type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type CountEntry struct {
	UserID string
	Count  int
	Tier   Tier
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*entry)}
}

// Record adds one infraction and returns the role grants that became due.
// Each tier is granted at most once per user until Reset.
func (l *Ledger) Record(guildID, userID string, policy Policy) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := guildID + ":" + userID
	item := l.entries[key]
	if item == nil {
		item = &entry{}
		l.entries[key] = item
	}
	item.count++

	decision := Decision{Count: item.count}
	if policy.ShadowMuteThreshold > 0 && item.count >= policy.ShadowMuteThreshold && policy.MuteRoleID != "" && !item.muted {
		item.muted = true
		decision.Applied = append(decision.Applied, RoleGrant{Tier: ShadowMuted, RoleID: policy.MuteRoleID})
	}
	if policy.QuarantineThreshold > 0 && item.count >= policy.QuarantineThreshold && policy.SuspectRoleID != "" && !item.quarantined {
		item.quarantined = true
		decision.Applied = append(decision.Applied, RoleGrant{Tier: Quarantined, RoleID: policy.SuspectRoleID})
	}
	decision.Tier = item.tier()
	return decision
}

func (l *Ledger) Count(guildID, userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := l.entries[guildID+":"+userID]
	if item == nil {
		return 0
	}
	return item.count
}

func (l *Ledger) Tier(guildID, userID string) Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := l.entries[guildID+":"+userID]
	if item == nil {
		return Clean
	}
	return item.tier()
}

func (l *Ledger) Reset(guildID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := guildID + ":" + userID
	if _, ok := l.entries[key]; !ok {
		return false
	}
	delete(l.entries, key)
	return true
}

// Top lists the guild's users with the most infractions.
func (l *Ledger) Top(guildID string, limit int) []CountEntry {
	if limit <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := guildID + ":"
	entries := make([]CountEntry, 0, limit)
	for key, item := range l.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entries = append(entries, CountEntry{UserID: key[len(prefix):], Count: item.count, Tier: item.tier()})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count == entries[j].Count {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].Count > entries[j].Count
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
