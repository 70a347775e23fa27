package personabot

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the gateway session: connecting, converting inbound
// messages, and surfacing the send operations the renderer needs.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesSeen          atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *PersonaBot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token required")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected to discord gateway")

		if d.config.CustomStatus != "" {
			if statusErr := d.updateCustomStatus(d.config.CustomStatus); statusErr != nil {
				d.logger.Warn(
					"unable to set custom status",
					tint.Err(statusErr),
				)
			}
		}

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, sendErr := d.session.ChannelMessageSendComplex(
				d.config.NotificationChannelID,
				&discordgo.MessageSend{Content: d.config.StartupMessage},
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error(
					"unable to send startup message",
					tint.Err(sendErr),
				)
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected from discord gateway")
	}
}

// handlerMessageCreate converts gateway messages into InboundMessage
// descriptors and hands them to the orchestrator. Each message is
// processed in its own goroutine; per-channel ordering is enforced
// further down by the orchestrator's channel locks.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.metricMessagesSeen.Add(1)
		if m.Message == nil {
			return
		}
		msg := inboundFromDiscord(m.Message)
		go d.bot.orchestrator.HandleMessage(
			WithLogger(d.bot.shutdownCtx(), d.bot.logger),
			msg,
		)
	}
}

// inboundFromDiscord maps a discord message to the platform-independent
// descriptor consumed by the trigger resolver.
func inboundFromDiscord(m *discordgo.Message) InboundMessage {
	msg := InboundMessage{
		MessageID:        m.ID,
		GuildID:          m.GuildID,
		ChannelID:        m.ChannelID,
		MentionedRoleIDs: m.MentionRoles,
		Text:             m.Content,
	}

	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author != nil {
		msg.AuthorID = author.ID
		msg.AuthorName = author.Username
		if author.GlobalName != "" {
			msg.AuthorName = author.GlobalName
		}
		msg.AuthorIsBot = author.Bot
	}
	// webhook-delivered messages include the bot's own impersonated
	// output, which must never re-activate a persona
	if m.WebhookID != "" {
		msg.AuthorIsBot = true
	}

	for _, mention := range m.Mentions {
		msg.MentionedUserIDs = append(msg.MentionedUserIDs, mention.ID)
	}

	for _, attachment := range m.Attachments {
		if strings.HasPrefix(attachment.ContentType, "image/") {
			msg.HasImageAttachment = true
			msg.ImageURL = attachment.URL
			break
		}
	}

	return msg
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSendComplex sends a message to the given channel as
	// the bot's own identity
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate returns (or creates) the DM channel with the
	// given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelWebhooks lists the webhooks provisioned for a channel
	ChannelWebhooks(
		channelID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Webhook, error)

	// WebhookCreate provisions a webhook for a channel
	WebhookCreate(
		channelID string,
		name string,
		avatar string,
		options ...discordgo.RequestOption,
	) (*discordgo.Webhook, error)

	// WebhookExecute sends a message through a webhook, allowing
	// per-message username/avatar overrides (the impersonation
	// mechanism)
	WebhookExecute(
		webhookID string,
		token string,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string
	UpdateCustomStatus(status string) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending channel message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ChannelWebhooks(
	channelID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Webhook, error) {
	return d.session.ChannelWebhooks(channelID, options...)
}

func (d DiscordSession) WebhookCreate(
	channelID string,
	name string,
	avatar string,
	options ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	webhook, err := d.session.WebhookCreate(channelID, name, avatar, options...)
	if err != nil {
		d.logger.Error(
			"error creating webhook",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Info(
			"created webhook",
			"channel_id", channelID,
			"webhook_id", webhook.ID,
		)
	}
	return webhook, err
}

func (d DiscordSession) WebhookExecute(
	webhookID string,
	token string,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.WebhookExecute(webhookID, token, wait, data, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

var _ DiscordSessionHandler = (*DiscordSession)(nil)
