package personabot

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestParseModelReply(t *testing.T) {
	t.Parallel()

	result := parseModelReply("hello there")
	assert.Equal(t, "hello there", result.ReplyText)
	assert.Empty(t, result.ImageDirective)

	result = parseModelReply("NO_RESPONSE")
	assert.Empty(t, result.ReplyText)
	assert.Empty(t, result.ImageDirective)

	result = parseModelReply("behold! [image: a raccoon in a trench coat]")
	assert.Equal(t, "behold!", result.ReplyText)
	assert.Equal(t, "a raccoon in a trench coat", result.ImageDirective)

	// directive-only reply still renders the image
	result = parseModelReply("[image: just a picture]")
	assert.Empty(t, result.ReplyText)
	assert.Equal(t, "just a picture", result.ImageDirective)
}

func TestParseModelReplyTruncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", discordMaxMessageLength+500)
	result := parseModelReply(long)
	assert.Len(t, result.ReplyText, discordMaxMessageLength)
}

func TestBuildReplyMessages(t *testing.T) {
	t.Parallel()

	persona := Persona{
		GuildID: "guild",
		Name:    "Sage",
		Prompt:  "you are wise",
	}
	payload := PromptPayload{
		Persona: persona,
		History: []ConversationTurn{
			{Speaker: "alice", Text: "hi"},
			{Speaker: "Sage", Text: "greetings"},
			{Speaker: "bob", Text: "tell us more"},
		},
		Current: ConversationTurn{Speaker: "alice", Text: "go on"},
		Memories: []Memory{
			{
				SubjectUserID: "user-1",
				Kind:          MemoryKindPreference,
				Content:       "alice likes riddles",
				Salience:      6,
			},
		},
	}

	messages := buildReplyMessages(payload)
	require.Len(t, messages, 5)

	system := messages[0]
	assert.Equal(t, openai.ChatMessageRoleSystem, system.Role)
	assert.Contains(t, system.Content, "Sage")
	assert.Contains(t, system.Content, "you are wise")
	assert.Contains(t, system.Content, "alice likes riddles")

	// the persona's own past turns become assistant messages, everyone
	// else's stay user messages with the speaker label
	assert.Equal(t, openai.ChatMessageRoleUser, messages[1].Role)
	assert.Equal(t, "alice: hi", messages[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, messages[2].Role)
	assert.Equal(t, "greetings", messages[2].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, messages[3].Role)

	current := messages[4]
	assert.Equal(t, openai.ChatMessageRoleUser, current.Role)
	assert.Contains(t, current.Content, "(current message)")
	assert.Contains(t, current.Content, "go on")
}

func TestBuildReplyMessagesWithImage(t *testing.T) {
	t.Parallel()

	payload := PromptPayload{
		Persona:  Persona{Name: "Sage", Prompt: "p"},
		Current:  ConversationTurn{Speaker: "alice", Text: "what is this?"},
		ImageURL: "https://example.com/thing.png",
	}

	messages := buildReplyMessages(payload)
	current := messages[len(messages)-1]
	assert.Empty(t, current.Content)
	require.Len(t, current.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, current.MultiContent[0].Type)
	assert.Equal(
		t,
		openai.ChatMessagePartTypeImageURL,
		current.MultiContent[1].Type,
	)
	assert.Equal(
		t,
		"https://example.com/thing.png",
		current.MultiContent[1].ImageURL.URL,
	)
}

func TestParseMemoryCandidates(t *testing.T) {
	t.Parallel()

	raw := `[{"kind":"fact","subject_user_id":"u1","content":"likes cats","salience":7}]`
	candidates, err := parseMemoryCandidates(raw)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "likes cats", candidates[0].Content)

	// code fences are tolerated
	fenced := "```json\n" + raw + "\n```"
	candidates, err = parseMemoryCandidates(fenced)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	candidates, err = parseMemoryCandidates("[]")
	require.NoError(t, err)
	assert.Empty(t, candidates)

	_, err = parseMemoryCandidates("certainly! here are the memories:")
	assert.Error(t, err)
}

func TestMemoryKindOrDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MemoryKindFact, memoryKindOrDefault("fact"))
	assert.Equal(t, MemoryKindPreference, memoryKindOrDefault("preference"))
	assert.Equal(
		t,
		MemoryKindInteractionSummary,
		memoryKindOrDefault("made-up-kind"),
	)
}

// mockOpenAIClient returns canned completion and image responses.
type mockOpenAIClient struct {
	completion    openai.ChatCompletionResponse
	completionErr error
	image         openai.ImageResponse
	imageErr      error
	requests      []openai.ChatCompletionRequest
}

func (m *mockOpenAIClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, request)
	return m.completion, m.completionErr
}

func (m *mockOpenAIClient) CreateImage(
	_ context.Context,
	_ openai.ImageRequest,
) (openai.ImageResponse, error) {
	return m.image, m.imageErr
}

func newTestOpenAI(client OpenAIClient) *OpenAI {
	return &OpenAI{
		client: client,
		config: &OpenAIConfig{
			SummaryModel: DefaultOpenAISummaryModel,
			ImageModel:   DefaultOpenAIImageModel,
			ImageSize:    DefaultOpenAIImageSize,
		},
		logger:         testLogger(),
		requestLimiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func TestOpenAIInvoke(t *testing.T) {
	t.Parallel()

	client := &mockOpenAIClient{
		completion: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Content: "a reply [image: a sunset]",
					},
				},
			},
		},
	}
	o := newTestOpenAI(client)

	result, err := o.Invoke(
		context.Background(), "model-x", PromptPayload{
			Persona: Persona{Name: "Sage", Prompt: "p"},
			Current: ConversationTurn{Speaker: "alice", Text: "hi"},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "a reply", result.ReplyText)
	assert.Equal(t, "a sunset", result.ImageDirective)
	require.Len(t, client.requests, 1)
	assert.Equal(t, "model-x", client.requests[0].Model)
}

func TestOpenAISummarize(t *testing.T) {
	t.Parallel()

	client := &mockOpenAIClient{
		completion: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Content: `[
							{"kind":"fact","subject_user_id":"u1","content":"likes storms","salience":8},
							{"kind":"nonsense","subject_user_id":"","content":"chatted about weather","salience":99},
							{"kind":"fact","subject_user_id":"u1","content":"","salience":5}
						]`,
					},
				},
			},
		},
	}
	o := newTestOpenAI(client)

	persona := Persona{Name: "Sage", Prompt: "p"}
	persona.ID = 3
	memories, err := o.Summarize(
		context.Background(),
		persona,
		"alice: storms are cool\nSage: indeed",
		[]string{"u1"},
	)
	require.NoError(t, err)
	require.Len(t, memories, 2)

	assert.Equal(t, uint(3), memories[0].PersonaID)
	assert.Equal(t, MemoryKindFact, memories[0].Kind)
	assert.Equal(t, 8, memories[0].Salience)

	// unknown kinds default, out-of-range salience clamps, empty content
	// drops
	assert.Equal(t, MemoryKindInteractionSummary, memories[1].Kind)
	assert.Equal(t, MaxSalience, memories[1].Salience)
}

func TestOpenAISummarizeFailure(t *testing.T) {
	t.Parallel()

	client := &mockOpenAIClient{completionErr: errors.New("boom")}
	o := newTestOpenAI(client)

	_, err := o.Summarize(
		context.Background(),
		Persona{Name: "Sage"},
		"transcript",
		nil,
	)
	assert.Error(t, err)
}

func TestOpenAIGenerateImage(t *testing.T) {
	t.Parallel()

	payload := []byte("fake-png")
	client := &mockOpenAIClient{
		image: openai.ImageResponse{
			Data: []openai.ImageResponseDataInner{
				{B64JSON: base64.StdEncoding.EncodeToString(payload)},
			},
		},
	}
	o := newTestOpenAI(client)

	data, err := o.GenerateImage(context.Background(), "a sunset")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}
