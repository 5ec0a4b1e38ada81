package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sentinel-antiraid/internal/analytics"
	"sentinel-antiraid/internal/cache"
	"sentinel-antiraid/internal/config"
	"sentinel-antiraid/internal/engine"
	"sentinel-antiraid/internal/modules/audit"
	"sentinel-antiraid/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const eventTimeout = 15 * time.Second

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	session   *discordgo.Session
	engine    *engine.Engine
	store     *storage.Store
	settings  *cache.Provider
	audit     *audit.Logger
	analytics *analytics.Service
	defaults  storage.GuildSettings
}

// NewSession prepares a gateway session with the intents the engine needs.
// Events are dispatched in arrival order so per-guild windows see them in
// sequence.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.SyncEvents = true
	return session, nil
}

func New(cfg config.Config, logger *zap.Logger, session *discordgo.Session, eng *engine.Engine, store *storage.Store, settings *cache.Provider, auditLogger *audit.Logger, analyticsEngine *analytics.Service) *Bot {
	return &Bot{
		cfg:       cfg,
		logger:    logger,
		session:   session,
		engine:    eng,
		store:     store,
		settings:  settings,
		audit:     auditLogger,
		analytics: analyticsEngine,
		defaults:  cfg.GuildDefaults(),
	}
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}
	return b.registerCommands()
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || (session.State.User != nil && msg.Author.ID == session.State.User.ID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	if msg.GuildID == "" {
		if msg.Author.Bot {
			return
		}
		b.engine.HandleDirectMessage(ctx, msg.Author.ID, msg.Content)
		return
	}

	b.engine.HandleMessage(ctx, engine.MessageEvent{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		AuthorID:  msg.Author.ID,
		IsBot:     msg.Author.Bot,
		Text:      msg.Content,
	})
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.Member.User == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	b.engine.HandleJoin(ctx, engine.JoinEvent{
		GuildID:  event.GuildID,
		MemberID: event.Member.User.ID,
		IsBot:    event.Member.User.Bot,
	})
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil || event.Member.User == nil {
		return
	}
	b.engine.ForgetMember(event.GuildID, event.Member.User.ID)
}

// guildSettings reads straight from the database so operator commands edit
// the stored row, not a cached copy.
func (b *Bot) guildSettings(ctx context.Context, guildID string) (storage.GuildSettings, error) {
	return b.store.GetGuildSettings(ctx, guildID, b.defaults)
}

func (b *Bot) saveSettings(ctx context.Context, settings storage.GuildSettings) error {
	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		return err
	}
	b.settings.Invalidate(ctx, settings.GuildID)
	return nil
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", true)
		return
	}
	_ = session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func (b *Bot) okEmbed(title, description string, fields ...*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return b.commandEmbed(title, description, b.cfg.Notifications.EmbedColors.Warning, fields)
}

func (b *Bot) errorEmbed(title, description string) *discordgo.MessageEmbed {
	return b.commandEmbed(title, description, b.cfg.Notifications.EmbedColors.Critical, nil)
}

func formatReport(report analytics.Report) string {
	lines := []string{fmt.Sprintf("Total: %d | INFO: %d | WARN: %d | CRIT: %d", report.Total, report.ByLevel[audit.LevelInfo], report.ByLevel[audit.LevelWarn], report.ByLevel[audit.LevelCrit])}
	for _, event := range report.TopEvents(5) {
		lines = append(lines, fmt.Sprintf("%s: %d", event.Event, event.Count))
	}
	return strings.Join(lines, "\n")
}
