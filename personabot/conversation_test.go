package personabot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingInvoker records every invocation's model and payload, and
// returns a canned outcome per model.
type capturingInvoker struct {
	mu       sync.Mutex
	results  map[string]*ModelResult
	errs     map[string]error
	invoked  []string
	payloads []PromptPayload
}

func (c *capturingInvoker) Invoke(
	_ context.Context,
	model string,
	payload PromptPayload,
) (*ModelResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoked = append(c.invoked, model)
	c.payloads = append(c.payloads, payload)
	if err, ok := c.errs[model]; ok {
		return nil, err
	}
	if result, ok := c.results[model]; ok {
		return result, nil
	}
	return &ModelResult{ReplyText: "canned reply"}, nil
}

// recordingRenderer records renderer calls without touching Discord.
type recordingRenderer struct {
	mu             sync.Mutex
	rendered       []ModelResult
	activations    []Activation
	systemMessages []string
	systemFramings []Framing
	operatorNotes  []string
	renderErr      error
}

func (r *recordingRenderer) Render(
	_ context.Context,
	activation Activation,
	_ InboundMessage,
	result ModelResult,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, result)
	r.activations = append(r.activations, activation)
	return r.renderErr
}

func (r *recordingRenderer) SendSystemMessage(
	_ context.Context,
	framing Framing,
	_ string,
	_ string,
	content string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemMessages = append(r.systemMessages, content)
	r.systemFramings = append(r.systemFramings, framing)
	return nil
}

func (r *recordingRenderer) NotifyOperators(_ context.Context, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operatorNotes = append(r.operatorNotes, content)
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	personas     *PersonaStore
	history      *HistoryBuffer
	invoker      *capturingInvoker
	renderer     *recordingRenderer
	summarizer   *mockSummarizer
	consolidator *Consolidator
	memoryStore  *recordingMemoryStore
}

func newOrchestratorFixture(t testing.TB, models []string) *orchestratorFixture {
	t.Helper()

	db, writeDB := newTestDB(t)
	personas := NewPersonaStore(db, writeDB, testLogger(), 0)
	history := NewHistoryBuffer(10, 16)
	invoker := &capturingInvoker{
		results: map[string]*ModelResult{},
		errs:    map[string]error{},
	}
	renderer := &recordingRenderer{}
	summarizer := &mockSummarizer{}
	memoryStore := &recordingMemoryStore{}
	consolidator := NewConsolidator(
		&ConsolidationConfig{Workers: 1, QueueSize: 8},
		summarizer,
		memoryStore,
		testLogger(),
	)
	consolidator.Start(context.Background())
	t.Cleanup(
		func() {
			_ = consolidator.Stop(context.Background())
		},
	)

	discordConfig := renderTestConfig()
	orchestrator := NewOrchestrator(
		personas,
		memoryStore,
		history,
		invoker,
		renderer,
		consolidator,
		discordConfig,
		models,
		testLogger(),
	)
	return &orchestratorFixture{
		orchestrator: orchestrator,
		personas:     personas,
		history:      history,
		invoker:      invoker,
		renderer:     renderer,
		summarizer:   summarizer,
		consolidator: consolidator,
		memoryStore:  memoryStore,
	}
}

func (f *orchestratorFixture) enableGuild(
	t testing.TB,
	guildID string,
	premium bool,
) {
	t.Helper()
	require.NoError(
		t, f.personas.SetGuildConfig(
			context.Background(), &GuildConversationConfig{
				GuildID:         guildID,
				Enabled:         true,
				PremiumEligible: premium,
				CommandPrefix:   "!",
			},
		),
	)
}

func (f *orchestratorFixture) createPersona(
	t testing.TB,
	persona *Persona,
) *Persona {
	t.Helper()
	require.NoError(t, f.personas.CreatePersona(context.Background(), persona))
	return persona
}

func TestOrchestratorDedicatedChannelTurn(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t, []string{"model-a"})
	fixture.enableGuild(t, "guild", true)
	fixture.createPersona(
		t, &Persona{
			GuildID:            "guild",
			Name:               "Greeter",
			Prompt:             "friendly",
			DedicatedChannelID: "channel-d",
		},
	)
	fixture.invoker.results["model-a"] = &ModelResult{ReplyText: "hi alice!"}

	fixture.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			MessageID:  "m1",
			AuthorID:   "user-1",
			AuthorName: "alice",
			GuildID:    "guild",
			ChannelID:  "channel-d",
			Text:       "hello",
		},
	)

	// the cascade saw empty prior history, with "hello" as the labeled
	// current turn
	require.Len(t, fixture.invoker.payloads, 1)
	payload := fixture.invoker.payloads[0]
	assert.Empty(t, payload.History)
	assert.Equal(t, "alice", payload.Current.Speaker)
	assert.Equal(t, "hello", payload.Current.Text)

	// history accumulated both sides of the turn
	snapshot := fixture.history.Snapshot("channel-d")
	require.Len(t, snapshot, 2)
	assert.Equal(t, ConversationTurn{Speaker: "alice", Text: "hello"}, snapshot[0])
	assert.Equal(t, ConversationTurn{Speaker: "Greeter", Text: "hi alice!"}, snapshot[1])

	require.Len(t, fixture.renderer.rendered, 1)
	assert.Equal(t, "hi alice!", fixture.renderer.rendered[0].ReplyText)
	assert.Equal(
		t,
		FramingDedicatedChannel,
		fixture.renderer.activations[0].Framing,
	)

	// consolidation ran asynchronously with the two-line transcript
	waitForCondition(t, func() bool { return fixture.summarizer.callCount() == 1 })

	// the DM binding now points at the persona just interacted with
	bound, err := fixture.personas.DirectMessagePersona(
		context.Background(),
		"user-1",
	)
	require.NoError(t, err)
	require.NotNil(t, bound)
	assert.Equal(t, "Greeter", bound.Name)
}

func TestOrchestratorRoleMentionTurn(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t, []string{"model-a"})
	fixture.enableGuild(t, "guild", true)
	persona := fixture.createPersona(
		t, &Persona{
			GuildID:       "guild",
			Name:          "Sage",
			Prompt:        "wise",
			TriggerRoleID: "role-7",
		},
	)

	fixture.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			AuthorID:         "user-1",
			AuthorName:       "bob",
			GuildID:          "guild",
			ChannelID:        "any-channel",
			MentionedRoleIDs: []string{"role-7"},
			Text:             "what say you?",
		},
	)

	require.Len(t, fixture.renderer.activations, 1)
	activation := fixture.renderer.activations[0]
	assert.Equal(t, persona.ID, activation.Persona.ID)
	assert.Equal(t, FramingRoleMention, activation.Framing)
}

func TestOrchestratorMemoryRetrievalFailureDegrades(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t, []string{"model-a"})
	fixture.enableGuild(t, "guild", true)
	fixture.createPersona(
		t, &Persona{
			GuildID:            "guild",
			Name:               "Resilient",
			Prompt:             "p",
			DedicatedChannelID: "channel-d",
		},
	)
	fixture.memoryStore.retrieveErr = errors.New("database is locked")
	fixture.invoker.results["model-a"] = &ModelResult{ReplyText: "still here"}

	fixture.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			AuthorID:   "user-1",
			AuthorName: "alice",
			GuildID:    "guild",
			ChannelID:  "channel-d",
			Text:       "hello?",
		},
	)

	// a failed memory lookup degrades to an empty context, never a
	// failed turn
	require.Len(t, fixture.invoker.payloads, 1)
	assert.Empty(t, fixture.invoker.payloads[0].Memories)
	require.Len(t, fixture.renderer.rendered, 1)
	assert.Equal(t, "still here", fixture.renderer.rendered[0].ReplyText)
	assert.Empty(t, fixture.renderer.systemMessages)
}

func TestOrchestratorCascadeExhaustedApology(t *testing.T) {
	t.Parallel()

	models := []string{"model-a", "model-b", "model-c"}
	fixture := newOrchestratorFixture(t, models)
	fixture.enableGuild(t, "guild", true)
	fixture.createPersona(
		t, &Persona{
			GuildID:            "guild",
			Name:               "Overwhelmed",
			Prompt:             "p",
			DedicatedChannelID: "channel-d",
		},
	)
	for _, model := range models {
		fixture.invoker.errs[model] = quotaError()
	}

	fixture.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			AuthorID:   "user-1",
			AuthorName: "alice",
			GuildID:    "guild",
			ChannelID:  "channel-d",
			Text:       "hello?",
		},
	)

	assert.Equal(t, models, fixture.invoker.invoked)
	assert.Empty(t, fixture.renderer.rendered)

	// exactly one apology, exactly one operator notification pass
	require.Len(t, fixture.renderer.systemMessages, 1)
	assert.Equal(
		t,
		DefaultDiscordApologyMessage,
		fixture.renderer.systemMessages[0],
	)
	require.Len(t, fixture.renderer.operatorNotes, 1)
	assert.Contains(t, fixture.renderer.operatorNotes[0], "Overwhelmed")
	assert.Contains(t, fixture.renderer.operatorNotes[0], "model-c")

	// a failed turn never reaches consolidation
	assert.Zero(t, fixture.consolidator.QueueDepth())
	assert.Zero(t, fixture.summarizer.callCount())
}

func TestOrchestratorPremiumModelSelection(t *testing.T) {
	t.Parallel()

	models := []string{"model-best", "model-cheap"}

	premium := newOrchestratorFixture(t, models)
	premium.enableGuild(t, "guild", true)
	premium.createPersona(
		t, &Persona{
			GuildID:            "guild",
			Name:               "P",
			Prompt:             "p",
			DedicatedChannelID: "channel-d",
		},
	)
	premium.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			AuthorID:   "user-1",
			AuthorName: "alice",
			GuildID:    "guild",
			ChannelID:  "channel-d",
			Text:       "hi",
		},
	)
	require.NotEmpty(t, premium.invoker.invoked)
	assert.Equal(t, "model-best", premium.invoker.invoked[0])

	standard := newOrchestratorFixture(t, models)
	standard.enableGuild(t, "guild", false)
	standard.createPersona(
		t, &Persona{
			GuildID:            "guild",
			Name:               "P",
			Prompt:             "p",
			DedicatedChannelID: "channel-d",
		},
	)
	standard.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			AuthorID:   "user-1",
			AuthorName: "alice",
			GuildID:    "guild",
			ChannelID:  "channel-d",
			Text:       "hi",
		},
	)
	require.NotEmpty(t, standard.invoker.invoked)
	assert.Equal(t, "model-cheap", standard.invoker.invoked[0])
}

func TestOrchestratorDisabledGuildIgnored(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t, []string{"model-a"})
	fixture.createPersona(
		t, &Persona{
			GuildID:            "guild",
			Name:               "P",
			Prompt:             "p",
			DedicatedChannelID: "channel-d",
		},
	)

	fixture.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			AuthorID:   "user-1",
			AuthorName: "alice",
			GuildID:    "guild",
			ChannelID:  "channel-d",
			Text:       "hello",
		},
	)

	assert.Empty(t, fixture.invoker.invoked)
	assert.Empty(t, fixture.renderer.rendered)
	assert.Zero(t, fixture.history.Len("channel-d"))
}

func TestOrchestratorDirectMessageBinding(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t, []string{"model-a"})
	persona := fixture.createPersona(
		t,
		&Persona{GuildID: "guild", Name: "Confidant", Prompt: "p"},
	)

	dm := InboundMessage{
		AuthorID:   "user-1",
		AuthorName: "alice",
		ChannelID:  "dm-channel",
		Text:       "are you there?",
	}

	// no binding yet: the DM is ignored
	fixture.orchestrator.HandleMessage(context.Background(), dm)
	assert.Empty(t, fixture.invoker.invoked)

	require.NoError(
		t, fixture.personas.RecordInteraction(
			context.Background(),
			"user-1",
			persona.ID,
		),
	)

	fixture.orchestrator.HandleMessage(context.Background(), dm)
	require.Len(t, fixture.renderer.activations, 1)
	assert.Equal(t, FramingDirectMessage, fixture.renderer.activations[0].Framing)
	assert.Equal(t, "Confidant", fixture.renderer.activations[0].Persona.Name)
}

func TestOrchestratorNoResponseSkipsConsolidation(t *testing.T) {
	t.Parallel()

	fixture := newOrchestratorFixture(t, []string{"model-a"})
	fixture.enableGuild(t, "guild", true)
	fixture.createPersona(
		t, &Persona{
			GuildID:            "guild",
			Name:               "Quiet",
			Prompt:             "p",
			DedicatedChannelID: "channel-d",
		},
	)
	fixture.invoker.results["model-a"] = &ModelResult{}

	fixture.orchestrator.HandleMessage(
		context.Background(), InboundMessage{
			AuthorID:   "user-1",
			AuthorName: "alice",
			GuildID:    "guild",
			ChannelID:  "channel-d",
			Text:       "hello",
		},
	)

	// the user's turn is recorded, but no persona turn and no
	// consolidation job
	assert.Equal(t, 1, fixture.history.Len("channel-d"))
	assert.Zero(t, fixture.summarizer.callCount())
	assert.Len(t, fixture.renderer.rendered, 1)
}
