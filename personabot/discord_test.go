package personabot

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestInboundFromDiscord(t *testing.T) {
	t.Parallel()

	msg := inboundFromDiscord(
		&discordgo.Message{
			ID:        "m1",
			GuildID:   "guild",
			ChannelID: "channel",
			Content:   "hello there",
			Author: &discordgo.User{
				ID:         "user-1",
				Username:   "alice123",
				GlobalName: "alice",
			},
			MentionRoles: []string{"role-1"},
			Mentions:     []*discordgo.User{{ID: "user-2"}},
		},
	)

	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, "guild", msg.GuildID)
	assert.Equal(t, "channel", msg.ChannelID)
	assert.Equal(t, "user-1", msg.AuthorID)
	assert.Equal(t, "alice", msg.AuthorName)
	assert.False(t, msg.AuthorIsBot)
	assert.Equal(t, []string{"role-1"}, msg.MentionedRoleIDs)
	assert.Equal(t, []string{"user-2"}, msg.MentionedUserIDs)
	assert.False(t, msg.HasImageAttachment)
	assert.False(t, msg.IsDirect())
}

func TestInboundFromDiscordWebhookAuthorIsBot(t *testing.T) {
	t.Parallel()

	// impersonated output arrives via webhook and must never re-trigger
	msg := inboundFromDiscord(
		&discordgo.Message{
			ID:        "m1",
			ChannelID: "channel",
			WebhookID: "webhook-1",
			Content:   "I am the persona",
			Author:    &discordgo.User{ID: "hook", Username: "Greeter"},
		},
	)
	assert.True(t, msg.AuthorIsBot)
}

func TestInboundFromDiscordBotAuthor(t *testing.T) {
	t.Parallel()

	msg := inboundFromDiscord(
		&discordgo.Message{
			ID:        "m1",
			ChannelID: "channel",
			Content:   "beep",
			Author:    &discordgo.User{ID: "bot-1", Username: "otherbot", Bot: true},
		},
	)
	assert.True(t, msg.AuthorIsBot)
}

func TestInboundFromDiscordImageAttachment(t *testing.T) {
	t.Parallel()

	msg := inboundFromDiscord(
		&discordgo.Message{
			ID:        "m1",
			ChannelID: "channel",
			Author:    &discordgo.User{ID: "user-1", Username: "alice"},
			Attachments: []*discordgo.MessageAttachment{
				{
					URL:         "https://cdn.example.com/doc.pdf",
					ContentType: "application/pdf",
				},
				{
					URL:         "https://cdn.example.com/cat.png",
					ContentType: "image/png",
				},
			},
		},
	)
	assert.True(t, msg.HasImageAttachment)
	assert.Equal(t, "https://cdn.example.com/cat.png", msg.ImageURL)
}

func TestInboundFromDiscordDirectMessage(t *testing.T) {
	t.Parallel()

	msg := inboundFromDiscord(
		&discordgo.Message{
			ID:        "m1",
			ChannelID: "dm-channel",
			Content:   "psst",
			Author:    &discordgo.User{ID: "user-1", Username: "alice"},
		},
	)
	assert.True(t, msg.IsDirect())
}
