package engine

import "sentinel-antiraid/internal/infractions"

// ForgetMember drops per-member state for someone who left the guild. The
// infraction count is kept so rejoining does not reset escalation.
func (e *Engine) ForgetMember(guildID, userID string) {
	unlock := e.lockGuild(guildID)
	defer unlock()
	e.joins.Forget(guildID, userID)
	e.spam.Reset(guildID, userID)
	e.verify.Cancel(guildID, userID)
}

func (e *Engine) Infractions(guildID, userID string) (int, infractions.Tier) {
	return e.ledger.Count(guildID, userID), e.ledger.Tier(guildID, userID)
}

func (e *Engine) TopInfractions(guildID string, limit int) []infractions.CountEntry {
	return e.ledger.Top(guildID, limit)
}

// ResetInfractions clears the user's count and tier flags so escalation
// roles may be requested again.
func (e *Engine) ResetInfractions(guildID, userID string) bool {
	unlock := e.lockGuild(guildID)
	defer unlock()
	return e.ledger.Reset(guildID, userID)
}
