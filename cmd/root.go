package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/softpython2884/The-new-MEE6-sub000/personabot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = personabot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "personabot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", personabot.DefaultDatabase)
	viper.SetDefault("database_type", personabot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		personabot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		personabot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", personabot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", personabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", personabot.DefaultShutdownTimeout)
	viper.SetDefault("guild_config_ttl", personabot.DefaultGuildConfigTTL)

	// History buffer
	viper.SetDefault("history.capacity", personabot.DefaultHistoryCapacity)
	viper.SetDefault(
		"history.max_channels",
		personabot.DefaultHistoryMaxChannels,
	)

	// Consolidation worker pool
	viper.SetDefault(
		"consolidation.workers",
		personabot.DefaultConsolidationWorkers,
	)
	viper.SetDefault(
		"consolidation.queue_size",
		personabot.DefaultConsolidationQueueSize,
	)

	// OpenAI config
	viper.SetDefault("openai.log_level", personabot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.reply_models", personabot.DefaultReplyModels)
	viper.SetDefault("openai.summary_model", personabot.DefaultOpenAISummaryModel)
	viper.SetDefault("openai.image_model", personabot.DefaultOpenAIImageModel)
	viper.SetDefault("openai.image_size", personabot.DefaultOpenAIImageSize)
	viper.SetDefault(
		"openai.max_requests_per_second",
		personabot.DefaultOpenAIMaxRequestsPerSecond,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault(
		"discord.log_level",
		personabot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		personabot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		personabot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		personabot.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.operator_user_ids", []string{})
	viper.SetDefault(
		"discord.apology_message",
		personabot.DefaultDiscordApologyMessage,
	)
	viper.SetDefault("discord.webhook_name", personabot.DefaultWebhookName)
	viper.SetDefault("discord.custom_status", "")

	// API config
	viper.SetDefault("api.listen", personabot.DefaultAPIListen)
	viper.SetDefault("api.log_level", personabot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", personabot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		personabot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", personabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", personabot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		personabot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		personabot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		personabot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", personabot.DefaultAPICORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		personabot.DefaultCORSAllowCredentials,
	)

	envPrefix := os.Getenv(personabot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = personabot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"openai.reply_models",
		viper.GetStringSlice("openai.reply_models"),
	)
	viper.Set(
		"discord.operator_user_ids",
		viper.GetStringSlice("discord.operator_user_ids"),
	)
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	setLevelVar := func(key string) {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
	setLevelVar("log_level")
	setLevelVar("database_log_level")
	setLevelVar("discord.log_level")
	setLevelVar("discord.discordgo_log_level")
	setLevelVar("openai.log_level")
	setLevelVar("api.log_level")
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
