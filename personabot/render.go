package personabot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/singleflight"
)

// ImageGenerator renders an image directive into raw image bytes.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// webhookRef is the cached identity of a channel's impersonation webhook.
type webhookRef struct {
	ID    string
	Token string
}

// ReplyRenderer delivers model results to Discord under the persona's
// identity. Guild replies go through a per-channel webhook with
// username/avatar overrides; direct messages are sent as the bot itself.
//
// Exactly one send attempt is made per reply. Delivery failures are
// logged and the reply is dropped - retrying sends risks duplicate
// messages, which are worse than missing ones in a chat setting.
type ReplyRenderer struct {
	session DiscordSessionHandler
	images  ImageGenerator
	config  *DiscordConfig
	logger  *slog.Logger

	mu       sync.Mutex
	webhooks map[string]webhookRef

	// webhookFlight collapses concurrent get-or-create calls for the
	// same channel into one, so racing replies never provision
	// duplicate webhooks
	webhookFlight singleflight.Group
}

func NewReplyRenderer(
	session DiscordSessionHandler,
	images ImageGenerator,
	config *DiscordConfig,
	logger *slog.Logger,
) *ReplyRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyRenderer{
		session:  session,
		images:   images,
		config:   config,
		logger:   logger.With(loggerNameKey, "renderer"),
		webhooks: map[string]webhookRef{},
	}
}

// Render delivers a model result for an activation. A result with no
// reply text and no image directive is a deliberate non-response and
// renders nothing.
func (r *ReplyRenderer) Render(
	ctx context.Context,
	activation Activation,
	msg InboundMessage,
	result ModelResult,
) error {
	file := r.renderImage(ctx, result.ImageDirective)
	if result.ReplyText == "" && file == nil {
		r.logger.DebugContext(
			ctx,
			"nothing to send",
			"persona_id", activation.Persona.ID,
			"channel_id", msg.ChannelID,
		)
		return nil
	}

	if activation.Framing == FramingDirectMessage {
		return r.sendDirect(ctx, msg.AuthorID, result.ReplyText, file)
	}
	return r.sendImpersonated(ctx, activation.Persona, msg.ChannelID, result.ReplyText, file)
}

// renderImage turns an image directive into an attachable file. Image
// generation failure is never fatal to the reply; the text still goes
// out without the attachment.
func (r *ReplyRenderer) renderImage(
	ctx context.Context,
	directive string,
) *discordgo.File {
	if directive == "" || r.images == nil {
		return nil
	}
	data, err := r.images.GenerateImage(ctx, directive)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"image generation failed, sending text only",
			tint.Err(err),
			"directive", truncate(directive, 100),
		)
		return nil
	}
	return &discordgo.File{
		Name:        "generated.png",
		ContentType: "image/png",
		Reader:      bytes.NewReader(data),
	}
}

// sendImpersonated executes the channel's webhook with the persona's
// name and avatar overriding the webhook identity.
func (r *ReplyRenderer) sendImpersonated(
	ctx context.Context,
	persona Persona,
	channelID string,
	content string,
	file *discordgo.File,
) error {
	ref, err := r.channelWebhook(ctx, channelID)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"unable to get channel webhook, dropping reply",
			tint.Err(err),
			"channel_id", channelID,
			"persona", persona,
		)
		return err
	}

	params := &discordgo.WebhookParams{
		Content:   content,
		Username:  persona.Name,
		AvatarURL: persona.AvatarURL,
	}
	if file != nil {
		params.Files = []*discordgo.File{file}
	}

	if _, err = r.session.WebhookExecute(
		ref.ID,
		ref.Token,
		true,
		params,
	); err != nil {
		r.logger.ErrorContext(
			ctx,
			"webhook execution failed, dropping reply",
			tint.Err(err),
			"channel_id", channelID,
			"webhook_id", ref.ID,
			"persona", persona,
		)
		return err
	}
	return nil
}

// sendDirect delivers a reply to a user's DM channel. Webhooks don't
// exist in DM channels, so the message is sent under the bot's own
// identity; the DM binding already establishes which persona is talking.
func (r *ReplyRenderer) sendDirect(
	ctx context.Context,
	userID string,
	content string,
	file *discordgo.File,
) error {
	channel, err := r.session.UserChannelCreate(userID)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"unable to open DM channel, dropping reply",
			tint.Err(err),
			"user_id", userID,
		)
		return err
	}

	send := &discordgo.MessageSend{Content: content}
	if file != nil {
		send.Files = []*discordgo.File{file}
	}
	_, err = r.session.ChannelMessageSendComplex(channel.ID, send)
	return err
}

// SendSystemMessage delivers an out-of-band message (the apology) to
// wherever the triggering message came from, as the bot's own identity.
func (r *ReplyRenderer) SendSystemMessage(
	ctx context.Context,
	framing Framing,
	channelID string,
	userID string,
	content string,
) error {
	if framing == FramingDirectMessage {
		return r.sendDirect(ctx, userID, content, nil)
	}
	_, err := r.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Content: content},
	)
	return err
}

// NotifyOperators DMs diagnostic content to each configured operator.
// Failures are logged per operator and never propagated.
func (r *ReplyRenderer) NotifyOperators(ctx context.Context, content string) {
	for _, operatorID := range r.config.OperatorUserIDs {
		channel, err := r.session.UserChannelCreate(operatorID)
		if err != nil {
			r.logger.ErrorContext(
				ctx,
				"unable to open operator DM channel",
				tint.Err(err),
				"operator_id", operatorID,
			)
			continue
		}
		if _, err = r.session.ChannelMessageSendComplex(
			channel.ID,
			&discordgo.MessageSend{
				Content: truncate(content, discordMaxMessageLength),
			},
		); err != nil {
			r.logger.ErrorContext(
				ctx,
				"unable to notify operator",
				tint.Err(err),
				"operator_id", operatorID,
			)
		}
	}
}

// channelWebhook returns the channel's impersonation webhook, reusing
// an existing one named for the bot before provisioning a new one.
func (r *ReplyRenderer) channelWebhook(
	ctx context.Context,
	channelID string,
) (webhookRef, error) {
	r.mu.Lock()
	ref, ok := r.webhooks[channelID]
	r.mu.Unlock()
	if ok {
		return ref, nil
	}

	v, err, _ := r.webhookFlight.Do(
		channelID, func() (any, error) {
			existing, lookupErr := r.session.ChannelWebhooks(channelID)
			if lookupErr != nil {
				return webhookRef{}, fmt.Errorf(
					"error listing channel webhooks: %w",
					lookupErr,
				)
			}
			for _, webhook := range existing {
				if webhook.Name == r.config.WebhookName &&
					webhook.ApplicationID == r.config.ApplicationID {
					return webhookRef{
						ID:    webhook.ID,
						Token: webhook.Token,
					}, nil
				}
			}

			created, createErr := r.session.WebhookCreate(
				channelID,
				r.config.WebhookName,
				"",
			)
			if createErr != nil {
				return webhookRef{}, fmt.Errorf(
					"error creating channel webhook: %w",
					createErr,
				)
			}
			return webhookRef{ID: created.ID, Token: created.Token}, nil
		},
	)
	if err != nil {
		return webhookRef{}, err
	}

	ref = v.(webhookRef)
	r.mu.Lock()
	r.webhooks[channelID] = ref
	r.mu.Unlock()
	return ref, nil
}
