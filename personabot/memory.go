package personabot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// MemoryKind classifies what a long-term memory records.
type MemoryKind string

const (
	MemoryKindFact               MemoryKind = "fact"
	MemoryKindRelationship       MemoryKind = "relationship"
	MemoryKindInteractionSummary MemoryKind = "interaction_summary"
	MemoryKindPreference         MemoryKind = "preference"
)

const (
	// MinSalience and MaxSalience bound the importance score attached to
	// a memory. Retrieval prefers higher salience when a limit truncates
	// results.
	MinSalience = 1
	MaxSalience = 10
)

// Memory is a long-term record a persona holds about a participant (or
// about a conversation generally, when SubjectUserID is empty). Memories
// are created in batches by the consolidation pipeline and read when
// assembling prompts; only LastAccessedAt is ever mutated in place.
//
//nolint:lll // struct tags can't be split
type Memory struct {
	ModelUintID
	ModelUnixTime

	PersonaID uint `json:"persona_id" gorm:"index;not null"`

	// SubjectUserID is the participant the memory is about, if any
	SubjectUserID string `json:"subject_user_id" gorm:"index"`

	Kind MemoryKind `json:"kind" gorm:"type:string;not null"`

	Content string `json:"content" gorm:"type:text;not null"`

	// Salience scores importance from 1-10
	Salience int `json:"salience" gorm:"not null;check:salience >= 1 AND salience <= 10"`

	// LastAccessedAt is updated whenever the memory is returned from
	// retrieval (unix milliseconds)
	LastAccessedAt int64 `json:"last_accessed_at"`
}

func (m Memory) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(m.ID)),
		slog.Uint64("persona_id", uint64(m.PersonaID)),
		slog.String("subject_user_id", m.SubjectUserID),
		slog.String("kind", string(m.Kind)),
		slog.Int("salience", m.Salience),
	)
}

// clampSalience forces the score into [MinSalience, MaxSalience]. The
// summarizer occasionally returns scores outside the requested range.
func clampSalience(v int) int {
	if v < MinSalience {
		return MinSalience
	}
	if v > MaxSalience {
		return MaxSalience
	}
	return v
}

// MemoryStore is the persistence surface for persona memories. Retrieval
// failures must never fail a conversation turn - callers degrade to an
// empty result and log.
type MemoryStore interface {
	// Retrieve returns memories for the persona involving any of the
	// given participants (or no particular participant), ordered by
	// salience descending with ties broken by recency descending.
	// A limit <= 0 means no limit.
	Retrieve(
		ctx context.Context,
		personaID uint,
		participantIDs []string,
		limit int,
	) ([]Memory, error)

	// CreateBatch persists the given memories in one write. An empty
	// batch is a no-op, not an error.
	CreateBatch(ctx context.Context, memories []Memory) error
}

type gormMemoryStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger
}

// NewMemoryStore returns a MemoryStore backed by the given gorm
// connection.
func NewMemoryStore(db *gorm.DB, writeDB DBI, logger *slog.Logger) MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormMemoryStore{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "memory_store"),
	}
}

func (s *gormMemoryStore) Retrieve(
	ctx context.Context,
	personaID uint,
	participantIDs []string,
	limit int,
) ([]Memory, error) {
	var memories []Memory

	query := s.db.WithContext(ctx).Where("persona_id = ?", personaID)
	if len(participantIDs) > 0 {
		query = query.Where(
			"subject_user_id IN ? OR subject_user_id = ''",
			participantIDs,
		)
	} else {
		query = query.Where("subject_user_id = ''")
	}
	query = query.Order("salience desc, created_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&memories).Error; err != nil {
		return nil, fmt.Errorf("error retrieving memories: %w", err)
	}

	if len(memories) > 0 {
		s.touch(memories)
	}
	return memories, nil
}

// touch updates LastAccessedAt for the retrieved records. Best-effort -
// a failure here doesn't affect the retrieval result.
func (s *gormMemoryStore) touch(memories []Memory) {
	ids := make([]uint, 0, len(memories))
	for _, m := range memories {
		ids = append(ids, m.ID)
	}
	go func() {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			dbOperationTimeout,
		)
		defer cancel()
		if _, err := s.writeDB.Update(
			ctx,
			&Memory{},
			columnMemoryLastAccessedAt,
			time.Now().UnixMilli(),
			"id IN ?",
			ids,
		); err != nil {
			s.logger.Warn("error updating memory access times", tint.Err(err))
		}
	}()
}

func (s *gormMemoryStore) CreateBatch(
	ctx context.Context,
	memories []Memory,
) error {
	if len(memories) == 0 {
		return nil
	}
	for i := range memories {
		memories[i].Salience = clampSalience(memories[i].Salience)
	}
	if _, err := s.writeDB.Create(ctx, &memories); err != nil {
		return fmt.Errorf("error saving memory batch: %w", err)
	}
	s.logger.Info("saved memory batch", "count", len(memories))
	return nil
}
