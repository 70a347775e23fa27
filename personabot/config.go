//nolint:lll // struct tags can't be split
package personabot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix = "PERSONABOT_ENV_PREFIX"
	DefaultEnvPrefix   = "PB"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "personabot.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultOpenAILogLevel    = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultHistoryCapacity    = 15
	DefaultHistoryMaxChannels = 512

	DefaultConsolidationWorkers   = 2
	DefaultConsolidationQueueSize = 64

	DefaultOpenAISummaryModel         = openai.GPT4oMini
	DefaultOpenAIImageModel           = openai.CreateImageModelDallE3
	DefaultOpenAIImageSize            = openai.CreateImageSize1024x1024
	DefaultOpenAIMaxRequestsPerSecond = 1

	DefaultDiscordApologyMessage = "sorry, I'm a little overwhelmed right now - try me again in a bit!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged
	DefaultWebhookName           = "persona-relay"
	discordMaxMessageLength      = 2000

	DefaultAPIListen             = "127.0.0.1:5000"
	defaultListenNetwork         = "tcp"
	DefaultReadTimeout           = 5 * time.Second
	DefaultReadHeaderTimeout     = 5 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultIdleTimeout           = 30 * time.Second
	DefaultGuildConfigTTL        = 5 * time.Minute
	DefaultAPICORSMaxAge         = 12 * time.Hour
	DefaultCORSAllowCredentials  = true
)

var (
	// DefaultReplyModels is the static model priority list for the reply
	// cascade, most capable first.
	DefaultReplyModels = []string{
		openai.GPT4o,
		openai.GPT4oMini,
		openai.GPT3Dot5Turbo,
	}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Location",
		"ETag",
		"Last-Modified",
	}
)

// Config is the top-level configuration for PersonaBot.
type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// GuildConfigTTL sets the time-to-live for the guild conversation
	// config cache. Entries older than this are reloaded from the database
	// on next access.
	GuildConfigTTL time.Duration `yaml:"guild_config_ttl" mapstructure:"guild_config_ttl" json:"guild_config_ttl"`

	// History configures the per-channel conversation history buffer
	History *HistoryConfig `yaml:"history" mapstructure:"history" json:"history"`

	// Consolidation configures the background memory consolidation workers
	Consolidation *ConsolidationConfig `yaml:"consolidation" mapstructure:"consolidation" json:"consolidation"`

	// OpenAI holds the configuration for OpenAI integration
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// HistoryConfig bounds the in-process conversation history.
type HistoryConfig struct {
	// Capacity is the maximum number of turns retained per channel.
	// Oldest turns are dropped first.
	Capacity int `yaml:"capacity" mapstructure:"capacity" json:"capacity" binding:"min=1"`

	// MaxChannels bounds the number of channels tracked at once. The
	// least recently used channel's history is evicted beyond this.
	MaxChannels int `yaml:"max_channels" mapstructure:"max_channels" json:"max_channels" binding:"min=1"`
}

// ConsolidationConfig configures the background memory consolidation pipeline.
type ConsolidationConfig struct {
	// Workers is the number of goroutines consuming consolidation jobs
	Workers int `yaml:"workers" mapstructure:"workers" json:"workers" binding:"min=1"`

	// QueueSize bounds the consolidation job queue. When full, new jobs
	// are dropped (consolidation is best-effort).
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" json:"queue_size" binding:"min=1"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// If set, the bot sends this message to NotificationChannelID whenever
	// it connects to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// NotificationChannelID receives the startup message, if set
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// OperatorUserIDs are DM'd diagnostic details when the reply cascade
	// is exhausted
	OperatorUserIDs []string `yaml:"operator_user_ids" mapstructure:"operator_user_ids" json:"operator_user_ids"`

	// ApologyMessage is the single user-visible error message, sent when
	// every model in the reply cascade failed
	ApologyMessage string `yaml:"apology_message" mapstructure:"apology_message" json:"apology_message"`

	// WebhookName is the name given to per-channel impersonation webhooks
	// provisioned by the bot
	WebhookName string `yaml:"webhook_name" mapstructure:"webhook_name" json:"webhook_name"`

	// CustomStatus, if set, is applied as the bot's custom status on
	// each gateway connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// OpenAIConfig configures OpenAI API integration and model selection.
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ReplyModels is the ordered model cascade for reply generation,
	// most capable (and most expensive) first
	ReplyModels []string `yaml:"reply_models" mapstructure:"reply_models" json:"reply_models" binding:"min=1"`

	// SummaryModel generates memory candidates from transcripts. No
	// cascade applies here - a failure just yields zero new memories.
	SummaryModel string `yaml:"summary_model" mapstructure:"summary_model" json:"summary_model"`

	// ImageModel renders image directives emitted by personas
	ImageModel string `yaml:"image_model" mapstructure:"image_model" json:"image_model"`

	// ImageSize is the generated image size (e.g. "1024x1024")
	ImageSize string `yaml:"image_size" mapstructure:"image_size" json:"image_size"`

	// MaxRequestsPerSecond is the rate limit for chat completion requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`
}

// APIConfig configures the backend API server.
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultAPICORSMaxAge,
		AllowCredentials: DefaultCORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	replyModels := make([]string, len(DefaultReplyModels))
	copy(replyModels, DefaultReplyModels)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		GuildConfigTTL:        DefaultGuildConfigTTL,
		History: &HistoryConfig{
			Capacity:    DefaultHistoryCapacity,
			MaxChannels: DefaultHistoryMaxChannels,
		},
		Consolidation: &ConsolidationConfig{
			Workers:   DefaultConsolidationWorkers,
			QueueSize: DefaultConsolidationQueueSize,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			ReplyModels:          replyModels,
			SummaryModel:         DefaultOpenAISummaryModel,
			ImageModel:           DefaultOpenAIImageModel,
			ImageSize:            DefaultOpenAIImageSize,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			ApologyMessage:    DefaultDiscordApologyMessage,
			WebhookName:       DefaultWebhookName,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
