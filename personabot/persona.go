package personabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	columnPersonaGuildID          = "guild_id"
	columnGuildConfigGuildID      = "guild_id"
	columnBindingPersonaID        = "persona_id"
	columnBindingLastInteractedAt = "last_interacted_at"
	columnMemoryLastAccessedAt    = "last_accessed_at"
)

// ErrPersonaNotFound indicates a persona lookup by ID found no record.
var ErrPersonaNotFound = errors.New("persona not found")

// Persona is a simulated character configured for a guild. Personas are
// only ever created by an administrator action - never automatically.
//
//nolint:lll // struct tags can't be split
type Persona struct {
	ModelUintID
	ModelUnixTime

	// GuildID is the guild that owns this persona
	GuildID string `json:"guild_id" gorm:"index;not null" binding:"required"`

	// Name is the display name replies are rendered under
	Name string `json:"name" gorm:"not null" binding:"required,min=1,max=80"`

	// Prompt is the free-text behavioral description sent to the model
	Prompt string `json:"prompt" gorm:"type:text" binding:"required,min=1"`

	// DedicatedChannelID, if set, activates this persona for every
	// message in that channel
	DedicatedChannelID string `json:"dedicated_channel_id" gorm:"index"`

	// TriggerRoleID, if set, activates this persona when the role is
	// mentioned in any channel of the guild
	TriggerRoleID string `json:"trigger_role_id"`

	// AvatarURL is the display avatar replies are rendered with
	AvatarURL string `json:"avatar_url"`
}

func (p Persona) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(p.ID)),
		slog.String("guild_id", p.GuildID),
		slog.String("name", p.Name),
	)
}

// GuildConversationConfig is the per-guild switch and tuning for the
// persona conversation feature.
//
//nolint:lll // struct tags can't be split
type GuildConversationConfig struct {
	ModelUintID
	ModelUnixTime

	// GuildID is set server-side from the request path, never bound from
	// the request body
	GuildID string `json:"guild_id" gorm:"uniqueIndex;not null"`

	// Enabled gates the conversation feature for the guild entirely
	Enabled bool `json:"enabled" gorm:"not null;default:false"`

	// PremiumEligible guilds get the full reply model cascade; others
	// start at the second model in the list (if there is one)
	PremiumEligible bool `json:"premium_eligible" gorm:"not null;default:false"`

	// CommandPrefix marks messages intended for other automated systems.
	// Messages starting with this prefix never activate a persona.
	CommandPrefix string `json:"command_prefix" gorm:"default:!"`
}

func (GuildConversationConfig) TableName() string {
	return "guild_conversation_config"
}

// DirectMessageBinding maps a user to the persona that answers their
// direct messages: the persona they most recently interacted with in any
// guild. Updated on every activated turn the user participates in.
type DirectMessageBinding struct {
	// UserID is the discord user ID
	UserID string `json:"user_id" gorm:"primaryKey"`

	// PersonaID is the persona answering this user's DMs
	PersonaID uint `json:"persona_id" gorm:"not null"`

	// LastInteractedAt is when the user last participated in an
	// activated turn with this persona (unix milliseconds)
	LastInteractedAt int64 `json:"last_interacted_at"`
}

func (DirectMessageBinding) TableName() string {
	return "direct_message_bindings"
}

// PersonaStore provides persona CRUD and guild configuration lookup. It's
// the pass-through surface exposed to the command/dashboard layer, and
// the read surface for the trigger resolver.
type PersonaStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger

	guildConfigTTL time.Duration
	cacheMu        sync.Mutex
	guildConfigs   map[string]*cachedGuildConfig
}

type cachedGuildConfig struct {
	config   GuildConversationConfig
	loadedAt time.Time
}

func NewPersonaStore(
	db *gorm.DB,
	writeDB DBI,
	logger *slog.Logger,
	guildConfigTTL time.Duration,
) *PersonaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersonaStore{
		db:             db,
		writeDB:        writeDB,
		logger:         logger.With(loggerNameKey, "persona_store"),
		guildConfigTTL: guildConfigTTL,
		guildConfigs:   map[string]*cachedGuildConfig{},
	}
}

// GuildPersonas returns all personas configured for the given guild.
func (s *PersonaStore) GuildPersonas(
	ctx context.Context,
	guildID string,
) ([]Persona, error) {
	var personas []Persona
	err := s.db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnPersonaGuildID), guildID,
	).Order("id asc").Find(&personas).Error
	if err != nil {
		return nil, fmt.Errorf("error loading guild personas: %w", err)
	}
	return personas, nil
}

// GetPersona returns the persona with the given ID, or ErrPersonaNotFound.
func (s *PersonaStore) GetPersona(ctx context.Context, id uint) (
	*Persona,
	error,
) {
	var persona Persona
	err := s.db.WithContext(ctx).First(&persona, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPersonaNotFound
		}
		return nil, err
	}
	return &persona, nil
}

// CreatePersona persists a new persona. Personas are never auto-created -
// this is only reachable from an administrator action.
func (s *PersonaStore) CreatePersona(ctx context.Context, p *Persona) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("persona name required")
	}
	if p.GuildID == "" {
		return errors.New("persona guild ID required")
	}
	_, err := s.writeDB.Create(ctx, p)
	return err
}

// UpdatePersona saves configuration edits to an existing persona.
func (s *PersonaStore) UpdatePersona(ctx context.Context, p *Persona) error {
	if p.ID == 0 {
		return ErrPersonaNotFound
	}
	_, err := s.writeDB.Save(ctx, p)
	return err
}

// DeletePersona removes a persona explicitly. Any direct message
// bindings pointing at it are removed alongside, so DM resolution
// never returns a deleted persona.
func (s *PersonaStore) DeletePersona(ctx context.Context, id uint) error {
	if _, err := s.writeDB.Delete(
		ctx,
		&DirectMessageBinding{},
		fmt.Sprintf("%s = ?", columnBindingPersonaID),
		id,
	); err != nil {
		s.logger.Error(
			"error deleting direct message bindings",
			"persona_id", id,
			"error", err,
		)
	}
	affected, err := s.writeDB.Delete(ctx, &Persona{}, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

// GuildConfig returns the conversation config for the guild, from cache
// when fresh. A guild with no stored config is treated as disabled.
func (s *PersonaStore) GuildConfig(
	ctx context.Context,
	guildID string,
) GuildConversationConfig {
	s.cacheMu.Lock()
	cached, ok := s.guildConfigs[guildID]
	if ok && (s.guildConfigTTL <= 0 || time.Since(cached.loadedAt) < s.guildConfigTTL) {
		cfg := cached.config
		s.cacheMu.Unlock()
		return cfg
	}
	s.cacheMu.Unlock()

	var config GuildConversationConfig
	err := s.db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnGuildConfigGuildID), guildID,
	).First(&config).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error(
				"error loading guild config",
				"guild_id", guildID,
				"error", err,
			)
		}
		// absence of config means the feature is off for this guild
		config = GuildConversationConfig{GuildID: guildID, Enabled: false}
	}

	s.cacheMu.Lock()
	s.guildConfigs[guildID] = &cachedGuildConfig{
		config:   config,
		loadedAt: time.Now(),
	}
	s.cacheMu.Unlock()
	return config
}

// SetGuildConfig upserts the guild conversation config and refreshes the
// cache entry.
func (s *PersonaStore) SetGuildConfig(
	ctx context.Context,
	config *GuildConversationConfig,
) error {
	var existing GuildConversationConfig
	err := s.db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnGuildConfigGuildID), config.GuildID,
	).First(&existing).Error
	switch {
	case err == nil:
		config.ID = existing.ID
		config.CreatedAt = existing.CreatedAt
		_, err = s.writeDB.Save(ctx, config)
	case errors.Is(err, gorm.ErrRecordNotFound):
		_, err = s.writeDB.Create(ctx, config)
	}
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.guildConfigs[config.GuildID] = &cachedGuildConfig{
		config:   *config,
		loadedAt: time.Now(),
	}
	s.cacheMu.Unlock()
	return nil
}

// DirectMessagePersona resolves the persona that answers the given
// user's DMs via their most recent interaction binding. Returns nil
// (not an error) when no binding exists.
func (s *PersonaStore) DirectMessagePersona(
	ctx context.Context,
	userID string,
) (*Persona, error) {
	var binding DirectMessageBinding
	err := s.db.WithContext(ctx).Where(
		"user_id = ?", userID,
	).First(&binding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	persona, err := s.GetPersona(ctx, binding.PersonaID)
	if err != nil {
		if errors.Is(err, ErrPersonaNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return persona, nil
}

// RecordInteraction updates the user's DM binding to the persona they
// just interacted with.
func (s *PersonaStore) RecordInteraction(
	ctx context.Context,
	userID string,
	personaID uint,
) error {
	binding := DirectMessageBinding{
		UserID:           userID,
		PersonaID:        personaID,
		LastInteractedAt: time.Now().UnixMilli(),
	}
	var existing DirectMessageBinding
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error
	switch {
	case err == nil:
		_, err = s.writeDB.Updates(
			ctx,
			&existing,
			map[string]any{
				columnBindingPersonaID:        binding.PersonaID,
				columnBindingLastInteractedAt: binding.LastInteractedAt,
			},
		)
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		_, err = s.writeDB.Create(ctx, &binding)
		return err
	default:
		return err
	}
}
