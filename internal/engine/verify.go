package engine

import (
	"context"
	"time"

	"sentinel-antiraid/internal/actions"
	"sentinel-antiraid/internal/modules/audit"
	"sentinel-antiraid/internal/modules/verification"
	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/storage"
)

const (
	verifiedReply  = "You are verified. Welcome!"
	incorrectReply = "That answer is not correct. Please try again."
	exhaustedReply = "Too many incorrect answers. Ask a moderator to reset your verification."
	expiredReply   = "Your verification challenge expired. Ask a moderator to reset your verification."
)

func challengeText(challenge verification.Challenge) string {
	return "Please answer this question to get access to the server: " + challenge.Question
}

// issueChallengeLocked stores a fresh challenge and queues its delivery plus
// the unverified role. Delivery failures are only logged.
func (e *Engine) issueChallengeLocked(out *outcome, settings storage.GuildSettings, userID string, now time.Time) verification.Challenge {
	var custom *verification.Question
	if settings.VerifyQuestion != nil {
		custom = &verification.Question{Question: settings.VerifyQuestion.Question, Answer: settings.VerifyQuestion.Answer}
	}
	challenge := e.verify.Issue(settings.GuildID, userID, custom, now)

	sig := signals.New(signals.VerifyChallengeIssued, settings.GuildID, now)
	sig.UserID = userID
	sig.Rule = "new_member"
	if challenge.Custom {
		sig.Rule = "new_member/custom_question"
	}
	sig.Response = signals.ResponseChallengeSent
	out.signal(sig)
	out.audits = append(out.audits, e.audit.Entry(audit.LevelInfo, settings.GuildID, userID, string(sig.Kind), describe(sig)))

	guildID, text := settings.GuildID, challengeText(challenge)
	out.job("send_dm", guildID, actions.Platform, func(ctx context.Context) error {
		return e.platform.SendDirectMessage(ctx, userID, text)
	})
	if roleID := settings.UnverifiedRoleID; roleID != "" {
		out.job("add_role", guildID, actions.Platform, func(ctx context.Context) error {
			return e.platform.AddRole(ctx, guildID, userID, roleID)
		})
	}
	return challenge
}

// HandleDirectMessage treats a private message as an answer to the sender's
// pending challenges. Users without one are ignored.
func (e *Engine) HandleDirectMessage(ctx context.Context, userID, text string) []signals.Signal {
	now := e.clock.Now()
	results := e.verify.Answer(userID, text, now)
	if len(results) == 0 {
		return nil
	}

	out := &outcome{}
	replies := make(map[string]bool)
	var order []string
	reply := func(text string) {
		if !replies[text] {
			replies[text] = true
			order = append(order, text)
		}
	}

	for _, result := range results {
		guildID := result.Challenge.GuildID
		sig := signals.New(signals.VerifyAttempt, guildID, now)
		sig.UserID = userID
		sig.Rule = "answer/" + result.Outcome.String()
		sig.Count = result.Challenge.Attempts

		level := audit.LevelInfo
		switch result.Outcome {
		case verification.Correct:
			sig.Success = true
			sig.Response = signals.ResponsePromoted
			settings := e.guildSettings(ctx, guildID)
			if settings.MemberRoleID != "" && settings.UnverifiedRoleID != "" {
				memberRole, unverifiedRole := settings.MemberRoleID, settings.UnverifiedRoleID
				out.job("add_role", guildID, actions.Platform, func(ctx context.Context) error {
					return e.platform.AddRole(ctx, guildID, userID, memberRole)
				})
				out.job("remove_role", guildID, actions.Platform, func(ctx context.Context) error {
					return e.platform.RemoveRole(ctx, guildID, userID, unverifiedRole)
				})
			}
			reply(verifiedReply)
		case verification.Incorrect:
			sig.Response = signals.ResponseRetry
			reply(incorrectReply)
		case verification.Exhausted:
			level = audit.LevelWarn
			sig.Response = signals.ResponseRejected
			reply(exhaustedReply)
		case verification.Expired:
			sig.Response = signals.ResponseRejected
			reply(expiredReply)
		}
		out.signal(sig)
		out.audits = append(out.audits, e.audit.Entry(level, guildID, userID, string(sig.Kind), describe(sig)))
	}

	for _, text := range order {
		out.job("send_dm", "", actions.Platform, func(ctx context.Context) error {
			return e.platform.SendDirectMessage(ctx, userID, text)
		})
	}
	e.dispatch(ctx, out)
	return out.signals
}

// ResetChallenge replaces the member's challenge with a fresh one and
// delivers it again.
func (e *Engine) ResetChallenge(ctx context.Context, guildID, userID string) verification.Challenge {
	settings := e.guildSettings(ctx, guildID)
	out := &outcome{}

	unlock := e.lockGuild(guildID)
	challenge := e.issueChallengeLocked(out, settings, userID, e.clock.Now())
	unlock()

	e.dispatch(ctx, out)
	return challenge
}

func (e *Engine) PendingChallenge(guildID, userID string) (verification.Challenge, error) {
	challenge, ok := e.verify.Pending(guildID, userID)
	if !ok {
		return verification.Challenge{}, ErrNoChallenge
	}
	return challenge, nil
}
