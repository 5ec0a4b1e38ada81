// Package signals defines the detection and response signals the engine emits
// and the bus they travel on.
package signals

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	JoinSpike             Kind = "join_spike"
	MessageSpike          Kind = "message_spike"
	DuplicateContent      Kind = "duplicate_content"
	FilteredInvite        Kind = "filtered_invite"
	ShadowMute            Kind = "shadow_mute"
	Quarantine            Kind = "quarantine"
	Lockdown              Kind = "lockdown"
	LockdownCleared       Kind = "lockdown_cleared"
	RaidSummary           Kind = "raid_summary"
	VerifyChallengeIssued Kind = "verify_challenge_issued"
	VerifyAttempt         Kind = "verify_attempt"
)

// Responses describe what the engine did about a signal.
const (
	ResponseFlagged       = "flagged"
	ResponseDeleted       = "message_deleted"
	ResponseRoleRequested = "role_requested"
	ResponseLocked        = "channels_locked"
	ResponseUnlocked      = "channels_unlocked"
	ResponseDigest        = "digest"
	ResponseChallengeSent = "challenge_sent"
	ResponsePromoted      = "member_promoted"
	ResponseRetry         = "retry_allowed"
	ResponseRejected      = "challenge_dropped"
)

type Signal struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	GuildID  string    `json:"guild_id"`
	UserID   string    `json:"user_id,omitempty"`
	At       time.Time `json:"at"`
	Rule     string    `json:"rule"`
	Response string    `json:"response"`

	Count   int      `json:"count,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"`
	Domain  string   `json:"domain,omitempty"`
	Hash    string   `json:"hash,omitempty"`
	RoleID  string   `json:"role_id,omitempty"`

	Joins        int  `json:"joins,omitempty"`
	SpamMessages int  `json:"spam_messages,omitempty"`
	Success      bool `json:"success,omitempty"`
}

func New(kind Kind, guildID string, at time.Time) Signal {
	return Signal{
		ID:      uuid.NewString(),
		Kind:    kind,
		GuildID: guildID,
		At:      at,
	}
}

// Flagged reports whether the signal counts toward the guild event rate.
func (s Signal) Flagged() bool {
	switch s.Kind {
	case JoinSpike, MessageSpike, DuplicateContent, FilteredInvite:
		return true
	}
	return false
}
