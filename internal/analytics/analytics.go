package analytics

import (
	"context"
	"sort"
	"time"

	"sentinel-antiraid/internal/storage"
)

type Source interface {
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]storage.AuditLog, error)
}

type Service struct {
	store Source
}

func New(store Source) *Service {
	return &Service{store: store}
}

type EventCount struct {
	Event string
	Count int
}

type Report struct {
	Since   time.Time
	Total   int
	ByLevel map[string]int
	ByEvent map[string]int
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{Since: since, ByLevel: make(map[string]int), ByEvent: make(map[string]int)}
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
		report.ByEvent[log.Event]++
	}
	return report, nil
}

// TopEvents returns the most frequent events, ties broken by name.
func (r Report) TopEvents(limit int) []EventCount {
	events := make([]EventCount, 0, len(r.ByEvent))
	for event, count := range r.ByEvent {
		events = append(events, EventCount{Event: event, Count: count})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Count != events[j].Count {
			return events[i].Count > events[j].Count
		}
		return events[i].Event < events[j].Event
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
