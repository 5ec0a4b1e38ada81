package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentinel-antiraid/internal/modules/audit"
	"sentinel-antiraid/internal/storage"
	"sentinel-antiraid/internal/utils"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type invocation struct {
	group   string
	sub     string
	options map[string]*discordgo.ApplicationCommandInteractionDataOption
}

func (inv invocation) str(name string) string {
	if opt, ok := inv.options[name]; ok {
		return strings.TrimSpace(opt.StringValue())
	}
	return ""
}

func (inv invocation) integer(name string) int {
	if opt, ok := inv.options[name]; ok {
		return int(opt.IntValue())
	}
	return 0
}

// user returns the mentioned user's id without a REST lookup.
func (inv invocation) user(name string) string {
	if opt, ok := inv.options[name]; ok {
		if user := opt.UserValue(nil); user != nil {
			return user.ID
		}
	}
	return ""
}

// parseInvocation flattens "/antiraid group sub opts" or "/antiraid sub opts".
func parseInvocation(data discordgo.ApplicationCommandInteractionData) invocation {
	inv := invocation{options: make(map[string]*discordgo.ApplicationCommandInteractionDataOption)}
	options := data.Options
	if len(options) == 1 && options[0].Type == discordgo.ApplicationCommandOptionSubCommandGroup {
		inv.group = options[0].Name
		options = options[0].Options
	}
	if len(options) == 1 && options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		inv.sub = options[0].Name
		options = options[0].Options
	}
	for _, opt := range options {
		inv.options[opt.Name] = opt
	}
	return inv
}

func interactionUserID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := interaction.ApplicationCommandData()
	if data.Name != commandName {
		return
	}
	if interaction.GuildID == "" {
		b.respondEmbed(session, interaction, b.errorEmbed("Anti-raid", "This command only works inside a server."))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	inv := parseInvocation(data)
	guildID := interaction.GuildID
	operatorID := interactionUserID(interaction)

	var embed *discordgo.MessageEmbed
	switch inv.group {
	case "set":
		embed = b.handleSetCommand(ctx, guildID, operatorID, inv)
	case "whitelist":
		embed = b.handleWhitelistCommand(ctx, guildID, operatorID, inv)
	case "verify-question":
		embed = b.handleVerifyQuestionCommand(ctx, guildID, operatorID, inv)
	case "verify":
		embed = b.handleVerifyCommand(ctx, guildID, operatorID, inv)
	case "lockdown":
		embed = b.handleLockdownCommand(ctx, guildID, operatorID, inv)
	case "infractions":
		embed = b.handleInfractionsCommand(ctx, guildID, operatorID, inv)
	case "":
		if inv.sub == "status" {
			embed = b.handleStatusCommand(ctx, guildID)
		}
	}
	if embed == nil {
		embed = b.errorEmbed("Anti-raid", "Unknown command.")
	}
	b.respondEmbed(session, interaction, embed)
}

// updateSettings loads the stored settings, applies change and saves them.
func (b *Bot) updateSettings(ctx context.Context, guildID, operatorID, details string, change func(*storage.GuildSettings)) error {
	settings, err := b.guildSettings(ctx, guildID)
	if err != nil {
		return err
	}
	change(&settings)
	if err := b.saveSettings(ctx, settings); err != nil {
		return err
	}
	b.auditCommand(ctx, guildID, operatorID, "settings_updated", details)
	return nil
}

func (b *Bot) handleSetCommand(ctx context.Context, guildID, operatorID string, inv invocation) *discordgo.MessageEmbed {
	const title = "Anti-raid thresholds"
	switch inv.sub {
	case "join-threshold":
		count, seconds := inv.integer("count"), inv.integer("seconds")
		if count < 1 || seconds < 1 {
			return b.errorEmbed(title, "Count and seconds must be at least 1.")
		}
		details := fmt.Sprintf("join_threshold=%d/%ds", count, seconds)
		if err := b.updateSettings(ctx, guildID, operatorID, details, func(s *storage.GuildSettings) {
			s.JoinThreshold = storage.JoinThreshold{Count: count, WindowSeconds: seconds}
		}); err != nil {
			return b.commandFailed(title, guildID, err)
		}
		return b.okEmbed(title, fmt.Sprintf("A join spike is now %d joins within %d seconds.", count, seconds))
	case "msg-threshold":
		count := inv.integer("count")
		if count < 1 {
			return b.errorEmbed(title, "Count must be at least 1.")
		}
		details := fmt.Sprintf("msg_threshold=%d", count)
		if err := b.updateSettings(ctx, guildID, operatorID, details, func(s *storage.GuildSettings) {
			s.MessageThreshold = count
		}); err != nil {
			return b.commandFailed(title, guildID, err)
		}
		return b.okEmbed(title, fmt.Sprintf("New members may send up to %d messages per 5 seconds.", count))
	}
	return nil
}

func (b *Bot) handleWhitelistCommand(ctx context.Context, guildID, operatorID string, inv invocation) *discordgo.MessageEmbed {
	const title = "Link allow-list"
	if inv.sub == "list" {
		domains, err := b.store.ListDomainAllow(ctx, guildID)
		if err != nil {
			return b.commandFailed(title, guildID, err)
		}
		if len(domains) == 0 {
			return b.okEmbed(title, "No domains are allowed. New members cannot post links.")
		}
		return b.okEmbed(title, strings.Join(domains, "\n"))
	}

	domain := utils.BareDomain(inv.str("domain"))
	if _, host, err := utils.NormalizeURL(domain); err == nil && host != "" {
		domain = utils.BareDomain(host)
	}
	if domain == "" {
		return b.errorEmbed(title, "Provide a domain such as youtube.com.")
	}

	switch inv.sub {
	case "add":
		if err := b.store.AddDomainAllow(ctx, guildID, domain); err != nil {
			return b.commandFailed(title, guildID, err)
		}
		b.settings.Invalidate(ctx, guildID)
		b.auditCommand(ctx, guildID, operatorID, "whitelist_add", "domain="+domain)
		return b.okEmbed(title, "Allowed "+domain+".")
	case "remove":
		err := b.store.RemoveDomainAllow(ctx, guildID, domain)
		if errors.Is(err, storage.ErrNotFound) {
			return b.errorEmbed(title, domain+" is not on the allow-list.")
		}
		if err != nil {
			return b.commandFailed(title, guildID, err)
		}
		b.settings.Invalidate(ctx, guildID)
		b.auditCommand(ctx, guildID, operatorID, "whitelist_remove", "domain="+domain)
		return b.okEmbed(title, "Removed "+domain+".")
	}
	return nil
}

func (b *Bot) handleVerifyQuestionCommand(ctx context.Context, guildID, operatorID string, inv invocation) *discordgo.MessageEmbed {
	const title = "Verification question"
	switch inv.sub {
	case "set":
		question, answer := inv.str("question"), inv.str("answer")
		if question == "" || answer == "" {
			return b.errorEmbed(title, "Both a question and an answer are required.")
		}
		if err := b.updateSettings(ctx, guildID, operatorID, "verify_question=custom", func(s *storage.GuildSettings) {
			s.VerifyQuestion = &storage.VerifyQuestion{Question: question, Answer: answer}
		}); err != nil {
			return b.commandFailed(title, guildID, err)
		}
		return b.okEmbed(title, "New members will be asked: "+question)
	case "clear":
		if err := b.updateSettings(ctx, guildID, operatorID, "verify_question=generated", func(s *storage.GuildSettings) {
			s.VerifyQuestion = nil
		}); err != nil {
			return b.commandFailed(title, guildID, err)
		}
		return b.okEmbed(title, "New members will get a generated sum.")
	}
	return nil
}

func (b *Bot) handleVerifyCommand(ctx context.Context, guildID, operatorID string, inv invocation) *discordgo.MessageEmbed {
	const title = "Verification"
	if inv.sub != "reset" {
		return nil
	}
	userID := inv.user("user")
	if userID == "" {
		return b.errorEmbed(title, "Pick a member.")
	}
	b.engine.ResetChallenge(ctx, guildID, userID)
	b.auditCommand(ctx, guildID, operatorID, "verify_reset", "user="+userID)
	return b.okEmbed(title, fmt.Sprintf("Sent <@%s> a fresh challenge.", userID))
}

func (b *Bot) handleLockdownCommand(ctx context.Context, guildID, operatorID string, inv invocation) *discordgo.MessageEmbed {
	const title = "Lockdown"
	switch inv.sub {
	case "status":
		state := b.engine.LockdownState(guildID)
		status := "open"
		if state.Locked {
			status = "locked since " + discordTime(state.Since)
		}
		fields := []*discordgo.MessageEmbedField{
			{Name: "State", Value: status, Inline: true},
			{Name: "Flagged events (60s)", Value: fmt.Sprint(b.engine.EventRate(guildID)), Inline: true},
		}
		return b.okEmbed(title, "", fields...)
	case "clear":
		if !b.engine.ClearLockdown(ctx, guildID, operatorID) {
			return b.errorEmbed(title, "The server is not locked.")
		}
		return b.okEmbed(title, "Lockdown lifted. Send permission is being restored.")
	}
	return nil
}

func (b *Bot) handleInfractionsCommand(ctx context.Context, guildID, operatorID string, inv invocation) *discordgo.MessageEmbed {
	const title = "Infractions"
	switch inv.sub {
	case "top":
		top := b.engine.TopInfractions(guildID, 10)
		if len(top) == 0 {
			return b.okEmbed(title, "Nobody has infractions.")
		}
		lines := make([]string, 0, len(top))
		for _, entry := range top {
			lines = append(lines, fmt.Sprintf("<@%s>: %d", entry.UserID, entry.Count))
		}
		return b.okEmbed(title, strings.Join(lines, "\n"))
	case "show":
		userID := inv.user("user")
		if userID == "" {
			return b.errorEmbed(title, "Pick a member.")
		}
		count, tier := b.engine.Infractions(guildID, userID)
		fields := []*discordgo.MessageEmbedField{
			{Name: "Current count", Value: fmt.Sprint(count), Inline: true},
			{Name: "Tier", Value: tier.String(), Inline: true},
		}
		history, err := b.store.ListInfractions(ctx, guildID, userID)
		if err != nil {
			b.logger.Warn("infraction history failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		}
		for _, entry := range history {
			fields = append(fields, &discordgo.MessageEmbedField{
				Name:  entry.Category,
				Value: fmt.Sprintf("%d total, last %s (%s)", entry.CountTotal, discordTime(entry.LastAt), entry.LastAction),
			})
		}
		return b.okEmbed(title, fmt.Sprintf("<@%s>", userID), fields...)
	case "reset":
		userID := inv.user("user")
		if userID == "" {
			return b.errorEmbed(title, "Pick a member.")
		}
		if !b.engine.ResetInfractions(guildID, userID) {
			return b.errorEmbed(title, fmt.Sprintf("<@%s> has no infractions.", userID))
		}
		b.auditCommand(ctx, guildID, operatorID, "infractions_reset", "user="+userID)
		return b.okEmbed(title, fmt.Sprintf("Cleared infractions for <@%s>.", userID))
	}
	return nil
}

func (b *Bot) handleStatusCommand(ctx context.Context, guildID string) *discordgo.MessageEmbed {
	const title = "Anti-raid status"
	settings, err := b.guildSettings(ctx, guildID)
	if err != nil {
		return b.commandFailed(title, guildID, err)
	}
	state := b.engine.LockdownState(guildID)

	verify := "generated sum"
	if settings.VerifyQuestion != nil {
		verify = "custom question"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Join spike", Value: fmt.Sprintf("%d in %ds", settings.JoinThreshold.Count, settings.JoinThreshold.WindowSeconds), Inline: true},
		{Name: "Message limit", Value: fmt.Sprintf("%d per 5s", settings.MessageThreshold), Inline: true},
		{Name: "Escalation", Value: fmt.Sprintf("mute at %d, quarantine at %d", settings.ShadowMuteThreshold, settings.QuarantineThreshold), Inline: true},
		{Name: "Lockdown", Value: fmt.Sprintf("locked=%t, %d/%d flagged in 60s", state.Locked, b.engine.EventRate(guildID), settings.LockdownThreshold), Inline: true},
		{Name: "Allowed domains", Value: fmt.Sprint(len(settings.AllowedDomains)), Inline: true},
		{Name: "Verification", Value: verify, Inline: true},
	}
	if b.analytics != nil {
		report, err := b.analytics.Report(ctx, guildID, time.Now().Add(-24*time.Hour))
		if err != nil {
			b.logger.Warn("status report failed", zap.String("guild_id", guildID), zap.Error(err))
		} else {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Last 24h", Value: formatReport(report)})
		}
	}
	return b.okEmbed(title, "", fields...)
}

func (b *Bot) commandFailed(title, guildID string, err error) *discordgo.MessageEmbed {
	b.logger.Error("command failed", zap.String("guild_id", guildID), zap.String("command", title), zap.Error(err))
	return b.errorEmbed(title, "Something went wrong, try again later.")
}

func (b *Bot) auditCommand(ctx context.Context, guildID, operatorID, event, details string) {
	if err := b.audit.Log(ctx, audit.LevelInfo, guildID, operatorID, event, details); err != nil {
		b.logger.Warn("audit write failed", zap.String("guild_id", guildID), zap.String("event", event), zap.Error(err))
	}
}

func discordTime(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}
