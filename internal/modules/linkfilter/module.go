package linkfilter

import (
	"time"

	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/utils"
)

type Module struct{}

func New() *Module {
	return &Module{}
}

// Check returns a FilteredInvite for the first linked domain that is not on
// the allow-list. Later links in the same message are not inspected.
func (m *Module) Check(guildID, userID, content string, allowlist map[string]struct{}, now time.Time) (signals.Signal, bool) {
	for _, domain := range utils.ExtractDomains(content) {
		if utils.DomainAllowed(domain, allowlist) {
			continue
		}
		sig := signals.New(signals.FilteredInvite, guildID, now)
		sig.UserID = userID
		sig.Domain = domain
		sig.Rule = "domain_allowlist"
		sig.Response = signals.ResponseDeleted
		return sig, true
	}
	return signals.Signal{}, false
}
