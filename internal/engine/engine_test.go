package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"sentinel-antiraid/internal/actions"
	"sentinel-antiraid/internal/metrics"
	"sentinel-antiraid/internal/modules/audit"
	"sentinel-antiraid/internal/scheduler/schedulertest"
	"sentinel-antiraid/internal/signals"
	"sentinel-antiraid/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type harness struct {
	engine    *Engine
	clock     *schedulertest.Clock
	platform  *fakePlatform
	settings  *fakeSettings
	published *recordingPublisher
	audits    *memoryAudit
	jobs      *inlineDispatcher
}

func newHarness(t *testing.T, guild storage.GuildSettings) *harness {
	t.Helper()
	h := &harness{
		clock:     schedulertest.NewClock(time.Unix(1_700_000_000, 0)),
		platform:  newFakePlatform("c1", "c2"),
		settings:  &fakeSettings{settings: map[string]storage.GuildSettings{guild.GuildID: guild}},
		published: &recordingPublisher{},
		audits:    &memoryAudit{},
		jobs:      &inlineDispatcher{},
	}
	h.engine = New(Options{
		Logger:     zap.NewNop(),
		Platform:   h.platform,
		Settings:   h.settings,
		Audit:      audit.NewLogger(h.audits, zap.NewNop()),
		Publisher:  h.published,
		Dispatcher: h.jobs,
		Clock:      h.clock,
		Defaults:   storage.DefaultGuildSettings(),
	})
	t.Cleanup(h.engine.Close)
	return h
}

func guildSettings(guildID string) storage.GuildSettings {
	settings := storage.DefaultGuildSettings()
	settings.GuildID = guildID
	return settings
}

func hasKind(sigs []signals.Signal, kind signals.Kind) (signals.Signal, bool) {
	for _, sig := range sigs {
		if sig.Kind == kind {
			return sig, true
		}
	}
	return signals.Signal{}, false
}

func TestJoinSpikeOnFifthJoin(t *testing.T) {
	h := newHarness(t, guildSettings("g1"))
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		sigs := h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: fmt.Sprintf("m%d", i)})
		spike, fired := hasKind(sigs, signals.JoinSpike)
		switch {
		case i < 5 && fired:
			t.Fatalf("join %d fired early", i)
		case i == 5:
			if !fired || spike.Count != 5 || len(spike.UserIDs) != 5 {
				t.Fatalf("expected JoinSpike{count:5} on fifth join, got %+v", spike)
			}
		}
		h.clock.Advance(1500 * time.Millisecond)
	}
	if got := len(h.published.ofKind(signals.JoinSpike)); got != 2 {
		t.Fatalf("expected spikes on joins 5 and 6, got %d", got)
	}
	if got := len(h.published.ofKind(signals.VerifyChallengeIssued)); got != 6 {
		t.Fatalf("expected a challenge per join, got %d", got)
	}
}

func TestDuplicateContentAcrossAuthors(t *testing.T) {
	settings := guildSettings("g1")
	settings.MuteRoleID = "mute"
	h := newHarness(t, settings)
	ctx := context.Background()
	text := "join my server now"

	if sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: "1", AuthorID: "u1", Text: text}); len(sigs) != 0 {
		t.Fatalf("first post must not fire: %+v", sigs)
	}
	h.clock.Advance(10 * time.Second)
	sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: "2", AuthorID: "u2", Text: text})
	dup, ok := hasKind(sigs, signals.DuplicateContent)
	if !ok || len(dup.UserIDs) != 2 || dup.UserIDs[0] != "u1" || dup.UserIDs[1] != "u2" {
		t.Fatalf("expected DuplicateContent with both authors, got %+v", sigs)
	}
	if mute, ok := hasKind(sigs, signals.ShadowMute); !ok || mute.UserID != "u2" {
		t.Fatalf("posting author should be charged, got %+v", sigs)
	}

	h.clock.Advance(5 * time.Second)
	if sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: "3", AuthorID: "u1", Text: text}); len(sigs) != 0 {
		t.Fatalf("repeat by the first author must not re-trigger: %+v", sigs)
	}
}

func TestMessageSpikeAppliesMuteOnce(t *testing.T) {
	settings := guildSettings("g1")
	settings.MuteRoleID = "mute"
	settings.SuspectRoleID = "suspect"
	h := newHarness(t, settings)
	ctx := context.Background()

	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "u1"})
	h.clock.Advance(2 * time.Minute)

	var spike signals.Signal
	for i := 1; i <= 6; i++ {
		sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: fmt.Sprint(i), AuthorID: "u1", Text: fmt.Sprintf("msg %d", i)})
		if sig, ok := hasKind(sigs, signals.MessageSpike); ok {
			if i != 6 {
				t.Fatalf("spike fired on message %d", i)
			}
			spike = sig
			if _, ok := hasKind(sigs, signals.ShadowMute); !ok {
				t.Fatalf("expected immediate shadow mute, got %+v", sigs)
			}
		}
		h.clock.Advance(500 * time.Millisecond)
	}
	if spike.Count != 6 {
		t.Fatalf("expected MessageSpike{count:6}, got %+v", spike)
	}
	if h.platform.rolesAdded("mute") != 1 {
		t.Fatalf("expected one mute role request, got %d", h.platform.rolesAdded("mute"))
	}

	h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: "7", AuthorID: "u1", Text: "msg 7"})
	if h.platform.rolesAdded("mute") != 1 {
		t.Fatalf("mute must not be requested twice")
	}
	count, tier := h.engine.Infractions("g1", "u1")
	if count != 2 || tier.String() != "shadow-mute" {
		t.Fatalf("unexpected ledger state: %d %s", count, tier)
	}
}

func TestMessageSpikeIgnoresEstablishedMembers(t *testing.T) {
	h := newHarness(t, guildSettings("g1"))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", AuthorID: "old", Text: fmt.Sprintf("hi %d", i)})
		if _, ok := hasKind(sigs, signals.MessageSpike); ok {
			t.Fatalf("established members are not rate checked")
		}
	}
	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "new"})
	h.clock.Advance(11 * time.Minute)
	for i := 0; i < 10; i++ {
		sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", AuthorID: "new", Text: fmt.Sprintf("hi %d", i)})
		if _, ok := hasKind(sigs, signals.MessageSpike); ok {
			t.Fatalf("members past the recent window are not rate checked")
		}
	}
}

func TestLockdownEngagesOnceAndClears(t *testing.T) {
	settings := guildSettings("g1")
	settings.JoinThreshold = storage.JoinThreshold{Count: 1, WindowSeconds: 10}
	settings.ModLogChannelID = "modlog"
	h := newHarness(t, settings)
	ctx := context.Background()

	for i := 1; i <= 21; i++ {
		sigs := h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: fmt.Sprintf("m%d", i)})
		_, locked := hasKind(sigs, signals.Lockdown)
		if locked != (i == 20) {
			t.Fatalf("join %d: lockdown=%v", i, locked)
		}
		h.clock.Advance(time.Second)
	}
	if !h.engine.LockdownState("g1").Locked {
		t.Fatalf("expected locked guild")
	}
	if len(h.platform.permissions) != 2 {
		t.Fatalf("expected one deny per channel, got %+v", h.platform.permissions)
	}
	for _, call := range h.platform.permissions {
		if call.allowed || call.roleID != "g1" {
			t.Fatalf("expected deny for the default role, got %+v", call)
		}
	}
	if len(h.platform.channelMsgs["modlog"]) != 1 {
		t.Fatalf("expected one mod-log notice, got %v", h.platform.channelMsgs["modlog"])
	}
	if h.audits.events(string(signals.Lockdown)) != 1 {
		t.Fatalf("expected one lockdown audit entry")
	}

	if !h.engine.ClearLockdown(ctx, "g1", "mod") {
		t.Fatalf("expected clear")
	}
	if h.engine.LockdownState("g1").Locked || h.engine.EventRate("g1") != 0 {
		t.Fatalf("expected open guild with a fresh window")
	}
	restored := h.platform.permissions[2:]
	if len(restored) != 2 || !restored[0].allowed || !restored[1].allowed {
		t.Fatalf("expected send restored on both channels, got %+v", restored)
	}
	if h.engine.ClearLockdown(ctx, "g1", "mod") {
		t.Fatalf("clearing an open guild is a no-op")
	}
}

func TestFilteredLinkDeletesMessage(t *testing.T) {
	settings := guildSettings("g1")
	settings.AllowedDomains = []string{"youtube.com"}
	h := newHarness(t, settings)
	ctx := context.Background()

	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "u1"})
	sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: "m1", AuthorID: "u1", Text: "free stuff https://www.evil.example/x https://other.example"})
	filtered, ok := hasKind(sigs, signals.FilteredInvite)
	if !ok || filtered.Domain != "evil.example" {
		t.Fatalf("expected FilteredInvite for evil.example, got %+v", sigs)
	}
	if len(h.platform.deleted) != 1 || h.platform.deleted[0] != "m1" {
		t.Fatalf("expected message deletion, got %v", h.platform.deleted)
	}

	sigs = h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: "m2", AuthorID: "u1", Text: "https://youtube.com/watch"})
	if _, ok := hasKind(sigs, signals.FilteredInvite); ok {
		t.Fatalf("allow-listed domain must pass")
	}
}

func TestVerificationGeneratedQuestion(t *testing.T) {
	settings := guildSettings("g1")
	settings.MemberRoleID = "member"
	settings.UnverifiedRoleID = "unverified"
	h := newHarness(t, settings)
	ctx := context.Background()

	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "u1"})
	prompt := h.platform.lastDM("u1")
	idx := strings.Index(prompt, "What is ")
	if idx < 0 {
		t.Fatalf("expected an addition question, got %q", prompt)
	}
	var a, b int
	if _, err := fmt.Sscanf(prompt[idx:], "What is %d + %d?", &a, &b); err != nil {
		t.Fatalf("parse question %q: %v", prompt, err)
	}
	if h.platform.rolesAdded("unverified") != 1 {
		t.Fatalf("expected unverified role on join")
	}

	sigs := h.engine.HandleDirectMessage(ctx, "u1", "not a number")
	if attempt, ok := hasKind(sigs, signals.VerifyAttempt); !ok || attempt.Success {
		t.Fatalf("expected failed attempt, got %+v", sigs)
	}
	if h.platform.rolesAdded("member") != 0 {
		t.Fatalf("wrong answer must not promote")
	}
	if _, err := h.engine.PendingChallenge("g1", "u1"); err != nil {
		t.Fatalf("challenge should stay pending: %v", err)
	}

	sigs = h.engine.HandleDirectMessage(ctx, "u1", fmt.Sprintf("  %d ", a+b))
	if attempt, ok := hasKind(sigs, signals.VerifyAttempt); !ok || !attempt.Success {
		t.Fatalf("expected successful attempt, got %+v", sigs)
	}
	if h.platform.rolesAdded("member") != 1 || len(h.platform.removed) != 1 || h.platform.removed[0].roleID != "unverified" {
		t.Fatalf("expected promotion, added=%+v removed=%+v", h.platform.added, h.platform.removed)
	}
	if h.platform.lastDM("u1") != verifiedReply {
		t.Fatalf("expected success acknowledgement, got %q", h.platform.lastDM("u1"))
	}
	if _, err := h.engine.PendingChallenge("g1", "u1"); err != ErrNoChallenge {
		t.Fatalf("expected ErrNoChallenge, got %v", err)
	}
}

func TestVerificationCustomQuestionAnyCase(t *testing.T) {
	settings := guildSettings("g1")
	settings.VerifyQuestion = &storage.VerifyQuestion{Question: "What colour is the sky?", Answer: "Blue"}
	h := newHarness(t, settings)
	ctx := context.Background()

	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "u1"})
	if !strings.Contains(h.platform.lastDM("u1"), "What colour is the sky?") {
		t.Fatalf("expected custom question, got %q", h.platform.lastDM("u1"))
	}
	sigs := h.engine.HandleDirectMessage(ctx, "u1", "bLUE")
	if attempt, ok := hasKind(sigs, signals.VerifyAttempt); !ok || !attempt.Success {
		t.Fatalf("expected case-insensitive match, got %+v", sigs)
	}
	if len(h.platform.added) != 0 {
		t.Fatalf("roles are only swapped when both are configured")
	}
}

func TestResetChallengeRedelivers(t *testing.T) {
	h := newHarness(t, guildSettings("g1"))
	ctx := context.Background()
	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "u1"})

	challenge := h.engine.ResetChallenge(ctx, "g1", "u1")
	if len(h.platform.dms["u1"]) != 2 || !strings.Contains(h.platform.lastDM("u1"), challenge.Question) {
		t.Fatalf("expected the fresh challenge to be delivered, got %v", h.platform.dms["u1"])
	}
	pending, err := h.engine.PendingChallenge("g1", "u1")
	if err != nil || pending.Answer != challenge.Answer {
		t.Fatalf("pending challenge mismatch: %+v %v", pending, err)
	}
}

func TestRoleAlreadyHeldIsNotRequested(t *testing.T) {
	settings := guildSettings("g1")
	settings.MuteRoleID = "mute"
	h := newHarness(t, settings)
	h.platform.memberRoles["u2"] = []string{"mute"}
	ctx := context.Background()

	h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", AuthorID: "u1", Text: "same"})
	sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", AuthorID: "u2", Text: "same"})
	if _, ok := hasKind(sigs, signals.ShadowMute); !ok {
		t.Fatalf("expected shadow mute decision")
	}
	if h.platform.rolesAdded("mute") != 0 {
		t.Fatalf("member already holds the role")
	}
	if mute, _ := hasKind(sigs, signals.ShadowMute); mute.Response != signals.ResponseRoleRequested {
		t.Fatalf("escalation must not claim the role was added, got %q", mute.Response)
	}
}

func TestInfractionCountsTowardLockdown(t *testing.T) {
	settings := guildSettings("g1")
	settings.LockdownThreshold = 2
	h := newHarness(t, settings)
	ctx := context.Background()

	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "u1"})
	sigs := h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", ChannelID: "c1", MessageID: "m1", AuthorID: "u1", Text: "https://evil.example/x"})
	if _, ok := hasKind(sigs, signals.FilteredInvite); !ok {
		t.Fatalf("expected FilteredInvite, got %+v", sigs)
	}
	if got := h.engine.EventRate("g1"); got != 2 {
		t.Fatalf("filtered link and its infraction should both count, rate=%d", got)
	}
	if _, ok := hasKind(sigs, signals.Lockdown); !ok || !h.engine.LockdownState("g1").Locked {
		t.Fatalf("expected lockdown at threshold 2, got %+v", sigs)
	}
}

func TestClearLockdownWinsOverSlowLock(t *testing.T) {
	settings := guildSettings("g1")
	settings.JoinThreshold = storage.JoinThreshold{Count: 1, WindowSeconds: 10}
	settings.LockdownThreshold = 1
	platform := &gatedPlatform{fakePlatform: newFakePlatform("c1"), started: make(chan struct{}, 1), release: make(chan struct{})}

	dispatcher := actions.New(actions.Config{Workers: 4, QueueSize: 32}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Serve(ctx)

	eng := New(Options{
		Platform:   platform,
		Settings:   &fakeSettings{settings: map[string]storage.GuildSettings{"g1": settings}},
		Dispatcher: dispatcher,
		Clock:      schedulertest.NewClock(time.Unix(1_700_000_000, 0)),
		Defaults:   storage.DefaultGuildSettings(),
	})
	defer eng.Close()

	eng.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "m1"})
	select {
	case <-platform.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("lock job never started")
	}
	if !eng.ClearLockdown(ctx, "g1", "mod") {
		t.Fatalf("expected clear")
	}
	// give the unlock job a chance to overtake the held lock
	time.Sleep(20 * time.Millisecond)
	close(platform.release)
	dispatcher.Wait()

	calls := platform.permissions
	if len(calls) != 2 || calls[0].allowed || !calls[1].allowed {
		t.Fatalf("expected deny then restore, got %+v", calls)
	}
	if eng.LockdownState("g1").Locked {
		t.Fatalf("expected open guild")
	}
}

func TestSideEffectFailureDoesNotStopDetection(t *testing.T) {
	settings := guildSettings("g1")
	settings.MuteRoleID = "mute"
	settings.SuspectRoleID = "suspect"
	h := newHarness(t, settings)
	h.platform.addRoleErr = errBoom
	ctx := context.Background()

	for i, author := range []string{"a", "b", "c", "d"} {
		h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", AuthorID: author, Text: "raid"})
		h.clock.Advance(time.Duration(i+1) * time.Second)
	}
	if got := len(h.published.ofKind(signals.DuplicateContent)); got != 3 {
		t.Fatalf("expected detection to continue, got %d duplicates", got)
	}
	if h.jobs.failed == 0 {
		t.Fatalf("expected failed role jobs")
	}
}

func TestSettingsFallback(t *testing.T) {
	h := newHarness(t, guildSettings("g1"))
	h.settings.err = errBoom
	before := testutil.ToFloat64(metrics.SettingsFallbackTotal)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		sigs := h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: fmt.Sprintf("m%d", i)})
		if i == 5 {
			if _, ok := hasKind(sigs, signals.JoinSpike); !ok {
				t.Fatalf("defaults should still detect the spike")
			}
		}
	}
	if got := testutil.ToFloat64(metrics.SettingsFallbackTotal) - before; got != 5 {
		t.Fatalf("expected 5 fallbacks, got %v", got)
	}
}

func TestRaidSummaryDigest(t *testing.T) {
	h := newHarness(t, guildSettings("g1"))
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: fmt.Sprintf("m%d", i)})
	}
	h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", AuthorID: "x", Text: "dup"})
	h.engine.HandleMessage(ctx, MessageEvent{GuildID: "g1", AuthorID: "y", Text: "dup"})

	if len(h.published.ofKind(signals.RaidSummary)) != 0 {
		t.Fatalf("digest must wait for the timer")
	}
	h.clock.Advance(10 * time.Second)
	digests := h.published.ofKind(signals.RaidSummary)
	if len(digests) != 1 || digests[0].Joins != 2 || digests[0].SpamMessages != 1 {
		t.Fatalf("unexpected digest: %+v", digests)
	}
}

func TestGuildsAreIsolated(t *testing.T) {
	h := newHarness(t, guildSettings("g1"))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: fmt.Sprintf("a%d", i)})
		h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g2", MemberID: fmt.Sprintf("b%d", i)})
	}
	if len(h.published.ofKind(signals.JoinSpike)) != 0 {
		t.Fatalf("joins from different guilds must not add up")
	}
}

func TestForgetMember(t *testing.T) {
	h := newHarness(t, guildSettings("g1"))
	ctx := context.Background()
	h.engine.HandleJoin(ctx, JoinEvent{GuildID: "g1", MemberID: "u1"})
	h.engine.ForgetMember("g1", "u1")
	if _, err := h.engine.PendingChallenge("g1", "u1"); err != ErrNoChallenge {
		t.Fatalf("challenge should be dropped when the member leaves")
	}
	if sigs := h.engine.HandleDirectMessage(ctx, "u1", "2"); sigs != nil {
		t.Fatalf("no challenge, nothing to answer")
	}
}
