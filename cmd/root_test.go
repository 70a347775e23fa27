package cmd

import (
	"log/slog"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/softpython2884/The-new-MEE6-sub000/personabot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshalConfig(t *testing.T) *personabot.Config {
	t.Helper()
	cfg := personabot.DefaultConfig()
	err := viper.Unmarshal(
		cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)
	return cfg
}

func TestInitConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	initConfig()
	cfg := unmarshalConfig(t)

	assert.Equal(t, personabot.DefaultDatabase, cfg.Database)
	assert.Equal(t, personabot.DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, personabot.DefaultHistoryCapacity, cfg.History.Capacity)
	assert.Equal(
		t,
		personabot.DefaultHistoryMaxChannels,
		cfg.History.MaxChannels,
	)
	assert.Equal(
		t,
		personabot.DefaultConsolidationWorkers,
		cfg.Consolidation.Workers,
	)
	assert.Equal(t, personabot.DefaultReplyModels, cfg.OpenAI.ReplyModels)
	assert.Equal(
		t,
		personabot.DefaultOpenAISummaryModel,
		cfg.OpenAI.SummaryModel,
	)
	assert.Equal(t, personabot.DefaultWebhookName, cfg.Discord.WebhookName)
	assert.Equal(
		t,
		personabot.DefaultDiscordApologyMessage,
		cfg.Discord.ApologyMessage,
	)
	assert.Equal(t, personabot.DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)

	require.NotNil(t, cfg.LogLevel)
	assert.Equal(t, personabot.DefaultLogLevel, cfg.LogLevel.Level())
	require.NotNil(t, cfg.Discord.DiscordGoLogLevel)
	assert.Equal(
		t,
		personabot.DefaultDiscordgoLogLevel,
		cfg.Discord.DiscordGoLogLevel.Level(),
	)
}

func TestInitConfigEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("PB_DISCORD_TOKEN", "discord-token")
	t.Setenv("PB_OPENAI_TOKEN", "openai-token")
	t.Setenv("PB_LOG_LEVEL", "DEBUG")
	t.Setenv("PB_HISTORY_CAPACITY", "25")

	initConfig()
	cfg := unmarshalConfig(t)

	assert.Equal(t, "discord-token", cfg.Discord.Token)
	assert.Equal(t, "openai-token", cfg.OpenAI.Token)
	assert.Equal(t, 25, cfg.History.Capacity)
	require.NotNil(t, cfg.LogLevel)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
}

func TestGetLogLevel(t *testing.T) {
	for _, expected := range []slog.Level{
		slog.LevelDebug,
		slog.LevelInfo,
		slog.LevelWarn,
		slog.LevelError,
	} {
		lvl, err := getLogLevel(expected.String())
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}
