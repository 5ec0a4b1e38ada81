package bot

import "github.com/bwmarrin/discordgo"

const commandName = "antiraid"

func minValue(v float64) *float64 {
	return &v
}

func userOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        "user",
		Description: description,
		Required:    true,
	}
}

func antiraidCommand() *discordgo.ApplicationCommand {
	manageGuild := int64(discordgo.PermissionManageServer)
	dm := false
	return &discordgo.ApplicationCommand{
		Name:                     commandName,
		Description:              "Configure and operate raid protection",
		DefaultMemberPermissions: &manageGuild,
		DMPermission:             &dm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "set",
				Description: "Change detection thresholds",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "join-threshold",
						Description: "Joins within a window that count as a spike",
						Options: []*discordgo.ApplicationCommandOption{
							{Type: discordgo.ApplicationCommandOptionInteger, Name: "count", Description: "Number of joins", Required: true, MinValue: minValue(1)},
							{Type: discordgo.ApplicationCommandOptionInteger, Name: "seconds", Description: "Window length in seconds", Required: true, MinValue: minValue(1)},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "msg-threshold",
						Description: "Messages per 5 seconds allowed for new members",
						Options: []*discordgo.ApplicationCommandOption{
							{Type: discordgo.ApplicationCommandOptionInteger, Name: "count", Description: "Number of messages", Required: true, MinValue: minValue(1)},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "whitelist",
				Description: "Domains new members may link",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "add",
						Description: "Allow a domain",
						Options: []*discordgo.ApplicationCommandOption{
							{Type: discordgo.ApplicationCommandOptionString, Name: "domain", Description: "Domain, e.g. youtube.com", Required: true},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "remove",
						Description: "Stop allowing a domain",
						Options: []*discordgo.ApplicationCommandOption{
							{Type: discordgo.ApplicationCommandOptionString, Name: "domain", Description: "Domain to remove", Required: true},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "list",
						Description: "Show allowed domains",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "verify-question",
				Description: "Custom verification question",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "set",
						Description: "Ask new members this question instead of a sum",
						Options: []*discordgo.ApplicationCommandOption{
							{Type: discordgo.ApplicationCommandOptionString, Name: "question", Description: "Question sent by DM", Required: true},
							{Type: discordgo.ApplicationCommandOptionString, Name: "answer", Description: "Expected answer (any letter case)", Required: true},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "clear",
						Description: "Go back to generated questions",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "verify",
				Description: "Member verification",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "reset",
						Description: "Send a member a fresh challenge",
						Options:     []*discordgo.ApplicationCommandOption{userOption("Member to re-challenge")},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "lockdown",
				Description: "Guild lockdown",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "status", Description: "Show lockdown state"},
					{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "clear", Description: "Lift the lockdown"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        "infractions",
				Description: "Member infractions",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "show",
						Description: "Show a member's infractions",
						Options:     []*discordgo.ApplicationCommandOption{userOption("Member to inspect")},
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        "reset",
						Description: "Clear a member's infraction count",
						Options:     []*discordgo.ApplicationCommandOption{userOption("Member to reset")},
					},
					{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "top", Description: "Members with the most infractions"},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Settings and activity for the last 24 hours",
			},
		},
	}
}

func (b *Bot) registerCommands() error {
	commands := []*discordgo.ApplicationCommand{antiraidCommand()}

	appID := b.session.State.User.ID
	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}
