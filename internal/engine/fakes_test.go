package engine

import (
	"context"
	"errors"
	"sync"

	"sentinel-antiraid/internal/actions"
	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/storage"
)

type permissionCall struct {
	channelID string
	roleID    string
	allowed   bool
}

type roleCall struct {
	userID string
	roleID string
}

type fakePlatform struct {
	mu          sync.Mutex
	channels    []string
	memberRoles map[string][]string
	addRoleErr  error

	deleted     []string
	added       []roleCall
	removed     []roleCall
	permissions []permissionCall
	dms         map[string][]string
	channelMsgs map[string][]string
}

func newFakePlatform(channels ...string) *fakePlatform {
	return &fakePlatform{
		channels:    channels,
		memberRoles: make(map[string][]string),
		dms:         make(map[string][]string),
		channelMsgs: make(map[string][]string),
	}
}

func (f *fakePlatform) DeleteMessage(_ context.Context, _ string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakePlatform) AddRole(_ context.Context, _ string, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addRoleErr != nil {
		return f.addRoleErr
	}
	f.added = append(f.added, roleCall{userID: userID, roleID: roleID})
	f.memberRoles[userID] = append(f.memberRoles[userID], roleID)
	return nil
}

func (f *fakePlatform) RemoveRole(_ context.Context, _ string, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, roleCall{userID: userID, roleID: roleID})
	return nil
}

func (f *fakePlatform) TextChannels(context.Context, string) ([]string, error) {
	return f.channels, nil
}

func (f *fakePlatform) SetChannelSendPermission(_ context.Context, _ string, channelID, roleID string, allowed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, permissionCall{channelID: channelID, roleID: roleID, allowed: allowed})
	return nil
}

func (f *fakePlatform) SendDirectMessage(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[userID] = append(f.dms[userID], text)
	return nil
}

func (f *fakePlatform) SendChannelMessage(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelMsgs[channelID] = append(f.channelMsgs[channelID], text)
	return nil
}

func (f *fakePlatform) FetchMember(_ context.Context, _ string, userID string) (Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Member{ID: userID, RoleIDs: append([]string(nil), f.memberRoles[userID]...)}, nil
}

func (f *fakePlatform) rolesAdded(roleID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.added {
		if call.roleID == roleID {
			count++
		}
	}
	return count
}

func (f *fakePlatform) lastDM(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.dms[userID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type fakeSettings struct {
	mu       sync.Mutex
	settings map[string]storage.GuildSettings
	err      error
}

func (f *fakeSettings) GetGuildSettings(_ context.Context, guildID string, defaults storage.GuildSettings) (storage.GuildSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.GuildSettings{}, f.err
	}
	if settings, ok := f.settings[guildID]; ok {
		return settings, nil
	}
	defaults.GuildID = guildID
	return defaults, nil
}

func (f *fakeSettings) GetModLogChannel(ctx context.Context, guildID string) (string, error) {
	settings, err := f.GetGuildSettings(ctx, guildID, storage.DefaultGuildSettings())
	if err != nil {
		return "", err
	}
	return settings.ModLogChannelID, nil
}

// inlineDispatcher runs each job as it is submitted.
type inlineDispatcher struct {
	mu     sync.Mutex
	names  []string
	failed int
}

func (d *inlineDispatcher) Submit(job actions.Job) error {
	err := job.Run(context.Background())
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = append(d.names, job.Name)
	if err != nil {
		d.failed++
	}
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	sigs []signals.Signal
}

func (p *recordingPublisher) Publish(sig signals.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sigs = append(p.sigs, sig)
	return nil
}

func (p *recordingPublisher) ofKind(kind signals.Kind) []signals.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []signals.Signal
	for _, sig := range p.sigs {
		if sig.Kind == kind {
			out = append(out, sig)
		}
	}
	return out
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []storage.AuditLog
}

func (m *memoryAudit) AddAuditLog(_ context.Context, entry storage.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryAudit) events(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, entry := range m.entries {
		if entry.Event == event {
			count++
		}
	}
	return count
}

var errBoom = errors.New("boom")

// gatedPlatform holds every deny call until release is closed.
type gatedPlatform struct {
	*fakePlatform
	started chan struct{}
	release chan struct{}
}

func (g *gatedPlatform) SetChannelSendPermission(ctx context.Context, guildID, channelID, roleID string, allowed bool) error {
	if !allowed {
		select {
		case g.started <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.fakePlatform.SetChannelSendPermission(ctx, guildID, channelID, roleID, allowed)
}
