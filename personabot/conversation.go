package personabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

// memoryRetrievalLimit caps how many memories are pulled into a single
// prompt. Higher-salience memories win when the cap truncates.
const memoryRetrievalLimit = 20

// Renderer delivers conversation output to the chat platform.
type Renderer interface {
	// Render delivers a model result under the activated persona's
	// identity
	Render(
		ctx context.Context,
		activation Activation,
		msg InboundMessage,
		result ModelResult,
	) error

	// SendSystemMessage delivers an out-of-band message as the bot's own
	// identity
	SendSystemMessage(
		ctx context.Context,
		framing Framing,
		channelID string,
		userID string,
		content string,
	) error

	// NotifyOperators DMs diagnostic content to the configured operators
	NotifyOperators(ctx context.Context, content string)
}

// Orchestrator ties the conversation components together for one inbound
// message: resolve the trigger, snapshot history, gather memories, run
// the model cascade, render the reply, and enqueue consolidation.
type Orchestrator struct {
	personas     *PersonaStore
	memories     MemoryStore
	history      *HistoryBuffer
	invoker      ModelInvoker
	renderer     Renderer
	consolidator *Consolidator
	discord      *DiscordConfig
	replyModels  []string
	logger       *slog.Logger

	// channelLocks serializes turns per channel so snapshot/append pairs
	// never interleave. Across channels, turns run freely concurrent.
	lockMu       sync.Mutex
	channelLocks map[string]*sync.Mutex
}

func NewOrchestrator(
	personas *PersonaStore,
	memories MemoryStore,
	history *HistoryBuffer,
	invoker ModelInvoker,
	renderer Renderer,
	consolidator *Consolidator,
	discord *DiscordConfig,
	replyModels []string,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		personas:     personas,
		memories:     memories,
		history:      history,
		invoker:      invoker,
		renderer:     renderer,
		consolidator: consolidator,
		discord:      discord,
		replyModels:  replyModels,
		logger:       logger.With(loggerNameKey, "orchestrator"),
		channelLocks: map[string]*sync.Mutex{},
	}
}

// HandleMessage is the single entry point for inbound messages. It never
// returns an error; every failure mode is contained here (logged, or
// converted into the one user-visible apology).
func (o *Orchestrator) HandleMessage(ctx context.Context, msg InboundMessage) {
	if msg.AuthorIsBot {
		return
	}

	logger := o.logger
	if ctxLogger, ok := ContextLogger(ctx); ok {
		logger = ctxLogger.With(loggerNameKey, "orchestrator")
	}

	activation, models := o.resolve(ctx, msg)
	if activation == nil {
		return
	}

	logger.InfoContext(
		ctx,
		"persona activated",
		"message", msg,
		"persona", activation.Persona,
		"framing", string(activation.Framing),
	)
	o.runTurn(ctx, msg, *activation, models)
}

// resolve decides whether the message activates a persona, and with
// which model list. Guild messages go through the trigger rules against
// the guild's personas; direct messages resolve through the user's DM
// binding.
func (o *Orchestrator) resolve(
	ctx context.Context,
	msg InboundMessage,
) (*Activation, []string) {
	if msg.IsDirect() {
		return o.resolveDirect(ctx, msg), o.replyModels
	}

	guildConfig := o.personas.GuildConfig(ctx, msg.GuildID)
	if !guildConfig.Enabled {
		return nil, nil
	}

	personas, err := o.personas.GuildPersonas(ctx, msg.GuildID)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"error loading guild personas",
			tint.Err(err),
			"message", msg,
		)
		return nil, nil
	}

	activation := ResolveTrigger(msg, personas, guildConfig.CommandPrefix)
	if activation == nil {
		return nil, nil
	}

	models := o.replyModels
	if !guildConfig.PremiumEligible && len(models) > 1 {
		// non-premium guilds skip the most expensive model
		models = models[1:]
	}
	return activation, models
}

// resolveDirect activates the persona bound to the user's DMs, if any.
// An unbound user's DMs are silently ignored.
func (o *Orchestrator) resolveDirect(
	ctx context.Context,
	msg InboundMessage,
) *Activation {
	if strings.TrimSpace(msg.Text) == "" && !msg.HasImageAttachment {
		return nil
	}

	persona, err := o.personas.DirectMessagePersona(ctx, msg.AuthorID)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"error resolving direct message persona",
			tint.Err(err),
			"message", msg,
		)
		return nil
	}
	if persona == nil {
		return nil
	}
	return &Activation{Persona: *persona, Framing: FramingDirectMessage}
}

// runTurn executes one activated conversation turn end to end. The
// channel lock serializes snapshot/append pairs so concurrent messages
// in the same channel can't corrupt history ordering.
func (o *Orchestrator) runTurn(
	ctx context.Context,
	msg InboundMessage,
	activation Activation,
	models []string,
) {
	lock := o.channelLock(msg.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	persona := activation.Persona

	snapshot := o.history.Snapshot(msg.ChannelID)

	participantIDs := o.participantIDs(msg)
	memories, err := o.memories.Retrieve(
		ctx,
		persona.ID,
		participantIDs,
		memoryRetrievalLimit,
	)
	if err != nil {
		// degraded turn, not a failed one
		o.logger.WarnContext(
			ctx,
			"memory retrieval failed, continuing without memories",
			tint.Err(err),
			"persona", persona,
		)
		memories = nil
	}

	current := ConversationTurn{Speaker: msg.AuthorName, Text: msg.Text}
	o.history.Append(msg.ChannelID, current)

	cascade := NewCascadeExecutor(models, o.invoker, o.logger)
	result, err := cascade.Execute(
		ctx, PromptPayload{
			Persona:  persona,
			History:  snapshot,
			Current:  current,
			Memories: memories,
			ImageURL: msg.ImageURL,
		},
	)
	if err != nil {
		o.apologize(ctx, msg, activation, err)
		return
	}

	if renderErr := o.renderer.Render(
		ctx,
		activation,
		msg,
		*result,
	); renderErr != nil {
		// delivery failures are dropped, never retried; the turn still
		// counts as completed
		o.logger.WarnContext(
			ctx,
			"reply delivery failed",
			tint.Err(renderErr),
			"message", msg,
			"persona", persona,
		)
	}

	if result.ReplyText != "" {
		o.history.Append(
			msg.ChannelID,
			ConversationTurn{Speaker: persona.Name, Text: result.ReplyText},
		)
	}

	if err = o.personas.RecordInteraction(ctx, msg.AuthorID, persona.ID); err != nil {
		o.logger.WarnContext(
			ctx,
			"error recording interaction",
			tint.Err(err),
			"persona", persona,
			"user_id", msg.AuthorID,
		)
	}

	if result.ReplyText != "" || result.ImageDirective != "" {
		o.consolidator.Enqueue(
			ctx, ConsolidationJob{
				Persona:        persona,
				ChannelKey:     msg.ChannelID,
				Transcript:     o.history.Transcript(msg.ChannelID),
				ParticipantIDs: participantIDs,
			},
		)
	}
}

// apologize handles cascade failure: one user-visible apology where the
// triggering message came from, and one diagnostic DM per operator.
func (o *Orchestrator) apologize(
	ctx context.Context,
	msg InboundMessage,
	activation Activation,
	cascadeErr error,
) {
	o.logger.ErrorContext(
		ctx,
		"reply cascade failed",
		tint.Err(cascadeErr),
		"message", msg,
		"persona", activation.Persona,
	)

	apology := o.discord.ApologyMessage
	if apology == "" {
		apology = DefaultDiscordApologyMessage
	}
	if err := o.renderer.SendSystemMessage(
		ctx,
		activation.Framing,
		msg.ChannelID,
		msg.AuthorID,
		apology,
	); err != nil {
		o.logger.ErrorContext(
			ctx,
			"unable to deliver apology",
			tint.Err(err),
			"message", msg,
		)
	}

	detail := fmt.Sprintf(
		"Reply cascade failed for persona %q (channel %s): %s",
		activation.Persona.Name,
		msg.ChannelID,
		cascadeErr,
	)
	var cascadeError *CascadeError
	if errors.As(cascadeErr, &cascadeError) {
		lines := make([]string, 0, len(cascadeError.Attempts))
		for _, attempt := range cascadeError.Attempts {
			line := fmt.Sprintf(
				"- %s: %s",
				attempt.Model,
				attempt.Outcome,
			)
			if attempt.Err != nil {
				line = fmt.Sprintf("%s (%s)", line, attempt.Err)
			}
			lines = append(lines, line)
		}
		detail = fmt.Sprintf("%s\nAttempts:\n%s", detail, strings.Join(lines, "\n"))
	}
	o.renderer.NotifyOperators(ctx, detail)
}

// participantIDs collects the users involved in a message: the author
// plus anyone mentioned.
func (o *Orchestrator) participantIDs(msg InboundMessage) []string {
	ids := []string{msg.AuthorID}
	for _, mentioned := range msg.MentionedUserIDs {
		if mentioned != msg.AuthorID {
			ids = append(ids, mentioned)
		}
	}
	return ids
}

func (o *Orchestrator) channelLock(channelID string) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	lock, ok := o.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		o.channelLocks[channelID] = lock
	}
	return lock
}
