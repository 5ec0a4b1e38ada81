// Package verification issues question/answer challenges to new members and
// checks their direct-message replies.
package verification

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Config struct {
	// MaxAttempts drops a challenge after that many wrong answers. Zero
	// allows unlimited retries.
	MaxAttempts int
	// Expiry drops a challenge that has been pending longer. Zero keeps it
	// until answered or reset.
	Expiry     time.Duration
	OperandMax int
}

type Question struct {
	Question string
	Answer   string
}

type Challenge struct {
	GuildID  string
	UserID   string
	Question string
	Answer   string
	Custom   bool
	IssuedAt time.Time
	Attempts int
}

type Outcome int

const (
	Incorrect Outcome = iota
	Correct
	Exhausted
	Expired
)

func (o Outcome) String() string {
	switch o {
	case Correct:
		return "correct"
	case Exhausted:
		return "exhausted"
	case Expired:
		return "expired"
	default:
		return "incorrect"
	}
}

type Result struct {
	Challenge Challenge
	Outcome   Outcome
}

// Manager keeps pending challenges keyed by user, then guild, since replies
// arrive over direct messages without a guild.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	intn    func(n int) int
	pending map[string]map[string]*Challenge
}

func New(cfg Config) *Manager {
	if cfg.OperandMax <= 0 {
		cfg.OperandMax = 10
	}
	return &Manager{
		cfg:     cfg,
		intn:    rand.IntN,
		pending: make(map[string]map[string]*Challenge),
	}
}

// WithRand replaces the operand source.
func (m *Manager) WithRand(intn func(n int) int) {
	m.intn = intn
}

// Issue builds a challenge for the member, replacing any pending one for the
// same guild. A nil or incomplete custom question falls back to an addition
// problem.
func (m *Manager) Issue(guildID, userID string, custom *Question, now time.Time) Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	challenge := &Challenge{GuildID: guildID, UserID: userID, IssuedAt: now}
	if custom != nil && strings.TrimSpace(custom.Question) != "" && strings.TrimSpace(custom.Answer) != "" {
		challenge.Question = custom.Question
		challenge.Answer = custom.Answer
		challenge.Custom = true
	} else {
		a := m.intn(m.cfg.OperandMax) + 1
		b := m.intn(m.cfg.OperandMax) + 1
		challenge.Question = fmt.Sprintf("What is %d + %d?", a, b)
		challenge.Answer = strconv.Itoa(a + b)
	}

	byGuild := m.pending[userID]
	if byGuild == nil {
		byGuild = make(map[string]*Challenge)
		m.pending[userID] = byGuild
	}
	byGuild[guildID] = challenge
	return *challenge
}

// Answer checks a reply against every challenge pending for the user. When
// the reply matches at least one, only the matches are consumed; otherwise
// each pending challenge records a failed attempt.
func (m *Manager) Answer(userID, reply string, now time.Time) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	byGuild := m.pending[userID]
	if len(byGuild) == 0 {
		return nil
	}

	guildIDs := make([]string, 0, len(byGuild))
	for guildID := range byGuild {
		guildIDs = append(guildIDs, guildID)
	}
	sort.Strings(guildIDs)

	normalized := Normalize(reply)
	results := make([]Result, 0, len(guildIDs))
	var live []*Challenge
	matched := false
	for _, guildID := range guildIDs {
		challenge := byGuild[guildID]
		if m.expiredLocked(challenge, now) {
			delete(byGuild, guildID)
			results = append(results, Result{Challenge: *challenge, Outcome: Expired})
			continue
		}
		if Normalize(challenge.Answer) == normalized {
			delete(byGuild, guildID)
			results = append(results, Result{Challenge: *challenge, Outcome: Correct})
			matched = true
			continue
		}
		live = append(live, challenge)
	}

	if !matched {
		for _, challenge := range live {
			challenge.Attempts++
			if m.cfg.MaxAttempts > 0 && challenge.Attempts >= m.cfg.MaxAttempts {
				delete(byGuild, challenge.GuildID)
				results = append(results, Result{Challenge: *challenge, Outcome: Exhausted})
				continue
			}
			results = append(results, Result{Challenge: *challenge, Outcome: Incorrect})
		}
	}

	if len(byGuild) == 0 {
		delete(m.pending, userID)
	}
	return results
}

func (m *Manager) Pending(guildID, userID string) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	challenge, ok := m.pending[userID][guildID]
	if !ok {
		return Challenge{}, false
	}
	return *challenge, true
}

func (m *Manager) Cancel(guildID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	byGuild := m.pending[userID]
	if _, ok := byGuild[guildID]; !ok {
		return false
	}
	delete(byGuild, guildID)
	if len(byGuild) == 0 {
		delete(m.pending, userID)
	}
	return true
}

// Sweep removes expired challenges and returns them. It is a no-op when no
// expiry is configured.
func (m *Manager) Sweep(now time.Time) []Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Expiry <= 0 {
		return nil
	}
	var expired []Challenge
	for userID, byGuild := range m.pending {
		for guildID, challenge := range byGuild {
			if m.expiredLocked(challenge, now) {
				expired = append(expired, *challenge)
				delete(byGuild, guildID)
			}
		}
		if len(byGuild) == 0 {
			delete(m.pending, userID)
		}
	}
	return expired
}

func (m *Manager) expiredLocked(challenge *Challenge, now time.Time) bool {
	return m.cfg.Expiry > 0 && now.Sub(challenge.IssuedAt) > m.cfg.Expiry
}

// Normalize trims, lowercases and collapses inner whitespace.
func Normalize(answer string) string {
	return strings.Join(strings.Fields(strings.ToLower(answer)), " ")
}
