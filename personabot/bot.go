package personabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// PersonaBot is the top-level application: it owns the database, the
// Discord gateway connection, the OpenAI client, the conversation
// components, and the backend API server.
type PersonaBot struct {
	config       *Config
	logger       *slog.Logger
	logHandler   slog.Handler
	db           *gorm.DB
	writeDB      DBI
	personas     *PersonaStore
	memories     MemoryStore
	history      *HistoryBuffer
	openai       *OpenAI
	discord      *Discord
	renderer     *ReplyRenderer
	consolidator *Consolidator
	orchestrator *Orchestrator
	api          *API

	runCtx context.Context
}

// New creates a PersonaBot from the given config: opens and migrates the
// database, builds the conversation components, and prepares (but does
// not open) the Discord session. Call Run to start everything.
func New(config *Config) (*PersonaBot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.OpenAI == nil || config.OpenAI.Token == "" {
		return nil, errors.New("openai token required")
	}
	if config.Discord == nil || config.Discord.Token == "" {
		return nil, errors.New("discord token required")
	}
	if len(config.OpenAI.ReplyModels) == 0 {
		return nil, errors.New("at least one reply model required")
	}

	logHandler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	logger := slog.New(logHandler).With(loggerNameKey, "personabot")
	slog.SetDefault(logger)

	bot := &PersonaBot{
		config:     config,
		logger:     logger,
		logHandler: logHandler,
	}

	db, err := openDatabase(config, logHandler)
	if err != nil {
		return nil, err
	}
	bot.db = db
	bot.writeDB = NewDatabase(
		db,
		logger,
		config.DatabaseType == dbTypePostgres,
	)

	bot.personas = NewPersonaStore(db, bot.writeDB, logger, config.GuildConfigTTL)
	bot.memories = NewMemoryStore(db, bot.writeDB, logger)
	bot.history = NewHistoryBuffer(
		config.History.Capacity,
		config.History.MaxChannels,
	)
	bot.openai = newOpenAI(config.OpenAI, logHandler, config.HTTPClient)

	config.Discord.httpClient = config.HTTPClient
	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.logger = slog.New(logHandler).With(loggerNameKey, "discord")
	discord.bot = bot
	bot.discord = discord

	session, err := discord.newSession()
	if err != nil {
		return nil, err
	}
	discord.session = session
	discordgo.Logger = discordgoLoggerFunc(context.Background(), logHandler)

	bot.renderer = NewReplyRenderer(session, bot.openai, config.Discord, logger)
	bot.consolidator = NewConsolidator(
		config.Consolidation,
		bot.openai,
		bot.memories,
		logger,
	)
	bot.orchestrator = NewOrchestrator(
		bot.personas,
		bot.memories,
		bot.history,
		bot.openai,
		bot.renderer,
		bot.consolidator,
		config.Discord,
		config.OpenAI.ReplyModels,
		logger,
	)

	api, err := newAPI(bot, config.API, logger)
	if err != nil {
		return nil, err
	}
	bot.api = api

	return bot, nil
}

// Run connects to Discord, starts the consolidation workers and the API
// server, and blocks until the context is canceled or a component fails.
// Shutdown is graceful up to Config.ShutdownTimeout.
func (b *PersonaBot) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.runCtx = runCtx

	b.consolidator.Start(runCtx)

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = append(
		b.discord.discordgoRemoveHandlerFuncs,
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerMessageCreate()),
	)

	if err := b.openSession(runCtx); err != nil {
		return err
	}

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- b.api.Serve(runCtx)
	}()

	b.logger.InfoContext(runCtx, "personabot running", "config", b.config)

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("shutdown requested")
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("api server failed: %w", err)
			b.logger.Error("api server failed", tint.Err(err))
		}
	}

	b.shutdown()
	return runErr
}

// openSession opens the gateway connection, bounded by the configured
// startup timeout.
func (b *PersonaBot) openSession(ctx context.Context) error {
	startupTimeout := b.config.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}

	opened := make(chan error, 1)
	go func() {
		opened <- b.discord.session.Open()
	}()

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	select {
	case err := <-opened:
		if err != nil {
			return fmt.Errorf("error opening discord session: %w", err)
		}
		return nil
	case <-startupCtx.Done():
		return fmt.Errorf(
			"timed out connecting to discord: %w",
			startupCtx.Err(),
		)
	}
}

// shutdown tears down components in reverse dependency order: stop
// accepting API traffic, close the gateway connection, then drain the
// consolidation queue.
func (b *PersonaBot) shutdown() {
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.api.shutdown(ctx); err != nil {
		b.logger.Error("error shutting down api server", tint.Err(err))
	}

	for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil
	if err := b.discord.session.Close(); err != nil {
		b.logger.Error("error closing discord session", tint.Err(err))
	}

	if err := b.consolidator.Stop(ctx); err != nil {
		b.logger.Error("error stopping consolidator", tint.Err(err))
	}

	if sqlDB, err := b.db.DB(); err == nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			b.logger.Error("error closing database", tint.Err(closeErr))
		}
	}

	b.logger.Info("shutdown complete")
}

// shutdownCtx returns the bot's run context, for work spawned by gateway
// handlers. Before Run is called it falls back to the background context.
func (b *PersonaBot) shutdownCtx() context.Context {
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}
