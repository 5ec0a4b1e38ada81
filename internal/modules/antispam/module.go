package antispam

import (
	"fmt"
	"time"

	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/utils"
)

// Window is the fixed span message bursts are measured over.
const Window = 5 * time.Second

type Module struct {
	windows *utils.SlidingWindow
}

func New() *Module {
	return &Module{windows: utils.NewSlidingWindow()}
}

// HandleMessage records one message for the author and returns a MessageSpike
// once the count inside the window exceeds threshold.
func (m *Module) HandleMessage(guildID, userID string, now time.Time, threshold int) (signals.Signal, bool) {
	count := m.windows.Add(guildID+":"+userID, now, Window)
	if threshold <= 0 || count <= threshold {
		return signals.Signal{}, false
	}

	sig := signals.New(signals.MessageSpike, guildID, now)
	sig.UserID = userID
	sig.Count = count
	sig.Rule = fmt.Sprintf("messages>%d/%ds", threshold, int(Window/time.Second))
	sig.Response = signals.ResponseFlagged
	return sig, true
}

func (m *Module) Reset(guildID, userID string) {
	m.windows.Reset(guildID + ":" + userID)
}

func (m *Module) Sweep(now time.Time, idle time.Duration) int {
	return m.windows.Sweep(now, idle)
}
