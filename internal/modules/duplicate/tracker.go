package duplicate

import (
	"sync"
	"time"

	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/utils"
)

// TTL is how long a fingerprint survives without a new hit.
const TTL = 30 * time.Second

type entry struct {
	firstSeen time.Time
	lastHit   time.Time
	authors   []string
}

func (e *entry) has(userID string) bool {
	for _, author := range e.authors {
		if author == userID {
			return true
		}
	}
	return false
}

// Tracker maps content fingerprints to the distinct authors that posted them,
// one table per guild.
type Tracker struct {
	mu     sync.Mutex
	guilds map[string]map[string]*entry
}

func New() *Tracker {
	return &Tracker{guilds: make(map[string]map[string]*entry)}
}

// Observe returns a DuplicateContent signal when userID is a new author of
// content that another author posted within TTL.
func (t *Tracker) Observe(guildID, userID, content string, now time.Time) (signals.Signal, bool) {
	if content == "" {
		return signals.Signal{}, false
	}
	hash := utils.Fingerprint(content)

	t.mu.Lock()
	defer t.mu.Unlock()

	table := t.guilds[guildID]
	if table == nil {
		table = make(map[string]*entry)
		t.guilds[guildID] = table
	}

	current := table[hash]
	if current == nil || now.Sub(current.lastHit) > TTL {
		table[hash] = &entry{firstSeen: now, lastHit: now, authors: []string{userID}}
		return signals.Signal{}, false
	}

	current.lastHit = now
	if current.has(userID) {
		return signals.Signal{}, false
	}
	current.authors = append(current.authors, userID)
	if len(current.authors) < 2 {
		return signals.Signal{}, false
	}

	sig := signals.New(signals.DuplicateContent, guildID, now)
	sig.UserID = userID
	sig.Hash = hash
	sig.Count = len(current.authors)
	sig.UserIDs = append([]string(nil), current.authors...)
	sig.Rule = "duplicate_content/30s"
	sig.Response = signals.ResponseFlagged
	return sig, true
}

// Sweep drops expired fingerprints and empty guild tables.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for guildID, table := range t.guilds {
		for hash, current := range table {
			if now.Sub(current.lastHit) > TTL {
				delete(table, hash)
				removed++
			}
		}
		if len(table) == 0 {
			delete(t.guilds, guildID)
		}
	}
	return removed
}
