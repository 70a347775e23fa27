package personabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API is the backend HTTP server used by the dashboard: persona CRUD
// and guild configuration, plus a health endpoint. It has no part in
// the conversation flow itself.
type API struct {
	bot        *PersonaBot
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
}

func newAPI(bot *PersonaBot, config *APIConfig, logger *slog.Logger) (*API, error) {
	if config == nil {
		return nil, errors.New("nil api config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	api := &API{
		bot:    bot,
		config: config,
		logger: logger.With(loggerNameKey, "api"),
		engine: engine,
	}

	engine.Use(gin.Recovery())
	engine.Use(api.loggingMiddleware())
	engine.Use(cors.New(config.CORS.GINConfig()))

	api.httpServer = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	api.registerRoutes()
	return api, nil
}

func (a *API) registerRoutes() {
	root := a.engine.Group("/api")

	root.GET("/health", a.health)

	personas := root.Group("/personas")
	personas.GET("", a.listPersonas)
	personas.POST("", a.createPersona)
	personas.GET("/:id", a.getPersona)
	personas.PUT("/:id", a.updatePersona)
	personas.DELETE("/:id", a.deletePersona)

	guilds := root.Group("/guilds")
	guilds.GET("/:guild_id/config", a.getGuildConfig)
	guilds.PUT("/:guild_id/config", a.setGuildConfig)
}

// Serve starts the HTTP listener and blocks until the server exits.
func (a *API) Serve(ctx context.Context) error {
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listener, err := net.Listen(network, a.config.Listen)
	if err != nil {
		return fmt.Errorf(
			"unable to listen on %s:%s: %w",
			network,
			a.config.Listen,
			err,
		)
	}
	a.listener = listener
	a.logger.InfoContext(
		ctx,
		"api server listening",
		"listen", a.config.Listen,
		"network", network,
	)

	if err = a.httpServer.Serve(listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) shutdown(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"discord_connected":   a.bot.discord.connected.Load(),
			"consolidation_queue": a.bot.consolidator.QueueDepth(),
			"tracked_channels":    a.bot.history.ChannelCount(),
		},
	)
}

func (a *API) listPersonas(c *gin.Context) {
	guildID := c.Query("guild_id")
	if guildID == "" {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"error": "guild_id query parameter required"},
		)
		return
	}
	personas, err := a.bot.personas.GuildPersonas(c.Request.Context(), guildID)
	if err != nil {
		a.logger.Error("error listing personas", tint.Err(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, personas)
}

func (a *API) createPersona(c *gin.Context) {
	var persona Persona
	if err := c.ShouldBindJSON(&persona); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.bot.personas.CreatePersona(
		c.Request.Context(),
		&persona,
	); err != nil {
		a.logger.Error("error creating persona", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, persona)
}

func (a *API) getPersona(c *gin.Context) {
	id, ok := a.personaID(c)
	if !ok {
		return
	}
	persona, err := a.bot.personas.GetPersona(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPersonaNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		a.logger.Error("error loading persona", tint.Err(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, persona)
}

func (a *API) updatePersona(c *gin.Context) {
	id, ok := a.personaID(c)
	if !ok {
		return
	}
	existing, err := a.bot.personas.GetPersona(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPersonaNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusInternalServerError)
		return
	}

	var update Persona
	if err = c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	update.ID = existing.ID
	update.CreatedAt = existing.CreatedAt
	if err = a.bot.personas.UpdatePersona(
		c.Request.Context(),
		&update,
	); err != nil {
		a.logger.Error("error updating persona", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, update)
}

func (a *API) deletePersona(c *gin.Context) {
	id, ok := a.personaID(c)
	if !ok {
		return
	}
	err := a.bot.personas.DeletePersona(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPersonaNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		a.logger.Error("error deleting persona", tint.Err(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getGuildConfig(c *gin.Context) {
	guildID := c.Param("guild_id")
	config := a.bot.personas.GuildConfig(c.Request.Context(), guildID)
	c.JSON(http.StatusOK, config)
}

func (a *API) setGuildConfig(c *gin.Context) {
	guildID := c.Param("guild_id")

	var config GuildConversationConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	config.GuildID = guildID
	if err := a.bot.personas.SetGuildConfig(
		c.Request.Context(),
		&config,
	); err != nil {
		a.logger.Error("error saving guild config", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, config)
}

func (a *API) personaID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid persona id"})
		return 0, false
	}
	return uint(id), true
}
