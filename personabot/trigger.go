package personabot

import (
	"log/slog"
	"strings"
)

// Framing records why a message activated a persona.
type Framing string

const (
	FramingDedicatedChannel Framing = "dedicated_channel"
	FramingRoleMention      Framing = "role_mention"
	FramingDirectMessage    Framing = "direct_message"
)

// InboundMessage is the platform-independent descriptor for a message
// the bot saw, as handed to the trigger resolver and orchestrator.
type InboundMessage struct {
	MessageID          string
	AuthorID           string
	AuthorName         string
	AuthorIsBot        bool
	GuildID            string
	ChannelID          string
	MentionedUserIDs   []string
	MentionedRoleIDs   []string
	HasImageAttachment bool
	ImageURL           string
	Text               string
}

func (m InboundMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("author_id", m.AuthorID),
		slog.Bool("author_is_bot", m.AuthorIsBot),
	)
}

// IsDirect reports whether the message arrived outside any guild.
func (m InboundMessage) IsDirect() bool {
	return m.GuildID == ""
}

// Activation is a positive trigger decision: which persona answers, and
// under what framing.
type Activation struct {
	Persona Persona
	Framing Framing
}

// ResolveTrigger decides whether a guild message activates one of the
// guild's personas. It's a pure function - no activation is a nil
// result, never an error.
//
// Rules, in order:
//  1. Automated authors (including the bot's own impersonated output)
//     never activate anything, preventing feedback loops.
//  2. A message in a persona's dedicated channel activates that persona,
//     taking priority over any role mention in the same message.
//  3. Otherwise a mentioned trigger role activates its persona.
//  4. A message with no text, no image, and no role mention is ignored -
//     a bare mention with nothing to say shouldn't trigger a reply.
//  5. Messages matching the guild's command prefix are ignored even when
//     otherwise eligible; they're intended for other automated systems.
func ResolveTrigger(
	msg InboundMessage,
	personas []Persona,
	commandPrefix string,
) *Activation {
	if msg.AuthorIsBot {
		return nil
	}

	if commandPrefix != "" &&
		strings.HasPrefix(strings.TrimSpace(msg.Text), commandPrefix) {
		return nil
	}

	roleMentioned := func(roleID string) bool {
		if roleID == "" {
			return false
		}
		for _, mentioned := range msg.MentionedRoleIDs {
			if mentioned == roleID {
				return true
			}
		}
		return false
	}

	for _, persona := range personas {
		if persona.DedicatedChannelID != "" &&
			persona.DedicatedChannelID == msg.ChannelID {
			if emptyActivation(msg, persona, roleMentioned) {
				return nil
			}
			return &Activation{
				Persona: persona,
				Framing: FramingDedicatedChannel,
			}
		}
	}

	for _, persona := range personas {
		if roleMentioned(persona.TriggerRoleID) {
			if strings.TrimSpace(msg.Text) == "" && !msg.HasImageAttachment {
				// role mention alone is an explicit address; a bare one
				// still activates only when it carries content
				return nil
			}
			return &Activation{
				Persona: persona,
				Framing: FramingRoleMention,
			}
		}
	}

	return nil
}

// emptyActivation reports whether a dedicated-channel message carries
// nothing to respond to: no text, no image, and no explicit role mention.
func emptyActivation(
	msg InboundMessage,
	persona Persona,
	roleMentioned func(string) bool,
) bool {
	if strings.TrimSpace(msg.Text) != "" {
		return false
	}
	if msg.HasImageAttachment {
		return false
	}
	return !roleMentioned(persona.TriggerRoleID)
}
