package bot

import (
	"context"
	"fmt"
	"time"

	"sentinel-antiraid/internal/engine"
	"sentinel-antiraid/internal/notify"

	"github.com/bwmarrin/discordgo"
)

// Platform carries engine side effects to Discord.
type Platform struct {
	session *discordgo.Session
}

func NewPlatform(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

func (p *Platform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return p.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (p *Platform) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return p.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (p *Platform) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return p.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (p *Platform) FetchMember(ctx context.Context, guildID, userID string) (engine.Member, error) {
	member, err := p.session.State.Member(guildID, userID)
	if err != nil || member == nil {
		member, err = p.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return engine.Member{}, err
		}
	}
	return engine.Member{ID: userID, RoleIDs: member.Roles}, nil
}

// TextChannels lists text and announcement channels, preferring the state
// cache.
func (p *Platform) TextChannels(ctx context.Context, guildID string) ([]string, error) {
	var channels []*discordgo.Channel
	if guild, err := p.session.State.Guild(guildID); err == nil && len(guild.Channels) > 0 {
		channels = guild.Channels
	} else {
		channels, err = p.session.GuildChannels(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(channels))
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		if channel.Type != discordgo.ChannelTypeGuildText && channel.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		ids = append(ids, channel.ID)
	}
	return ids, nil
}

// SetChannelSendPermission toggles only the send-messages deny bit on the
// role's overwrite; other bits are kept.
func (p *Platform) SetChannelSendPermission(ctx context.Context, guildID, channelID, roleID string, allowed bool) error {
	channel, err := p.session.State.Channel(channelID)
	if err != nil || channel == nil {
		channel, err = p.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("load channel %s: %w", channelID, err)
		}
	}

	allow, deny, op := sendOverwrite(channel.PermissionOverwrites, roleID, allowed)
	switch op {
	case overwriteDelete:
		return p.session.ChannelPermissionDelete(channelID, roleID, discordgo.WithContext(ctx))
	case overwriteSet:
		return p.session.ChannelPermissionSet(channelID, roleID, discordgo.PermissionOverwriteTypeRole, allow, deny, discordgo.WithContext(ctx))
	}
	return nil
}

type overwriteOp int

const (
	overwriteNone overwriteOp = iota
	overwriteSet
	overwriteDelete
)

// sendOverwrite computes the role overwrite after denying or restoring send
// permission. Restoring clears only the deny bit; an overwrite left empty is
// deleted.
func sendOverwrite(overwrites []*discordgo.PermissionOverwrite, roleID string, allowed bool) (allow, deny int64, op overwriteOp) {
	existed := false
	for _, overwrite := range overwrites {
		if overwrite != nil && overwrite.Type == discordgo.PermissionOverwriteTypeRole && overwrite.ID == roleID {
			allow, deny = overwrite.Allow, overwrite.Deny
			existed = true
			break
		}
	}
	if !allowed {
		return allow &^ discordgo.PermissionSendMessages, deny | discordgo.PermissionSendMessages, overwriteSet
	}
	if !existed || deny&discordgo.PermissionSendMessages == 0 {
		return allow, deny, overwriteNone
	}
	deny &^= discordgo.PermissionSendMessages
	if allow == 0 && deny == 0 {
		return 0, 0, overwriteDelete
	}
	return allow, deny, overwriteSet
}

func (p *Platform) SendDirectMessage(ctx context.Context, userID, text string) error {
	channel, err := p.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open dm: %w", err)
	}
	_, err = p.session.ChannelMessageSend(channel.ID, text, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) SendChannelMessage(ctx context.Context, channelID, text string) error {
	_, err := p.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) SendNotice(ctx context.Context, channelID string, notice notify.Notice) error {
	_, err := p.session.ChannelMessageSendEmbed(channelID, noticeEmbed(notice), discordgo.WithContext(ctx))
	return err
}

func noticeEmbed(notice notify.Notice) *discordgo.MessageEmbed {
	at := notice.At
	if at.IsZero() {
		at = time.Now()
	}
	fields := make([]*discordgo.MessageEmbedField, 0, len(notice.Fields))
	for _, field := range notice.Fields {
		fields = append(fields, &discordgo.MessageEmbedField{Name: field.Name, Value: field.Value, Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:       notice.Title,
		Description: notice.Description,
		Color:       notice.Color,
		Timestamp:   at.Format(time.RFC3339),
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Sentinel anti-raid"},
	}
}
