package personabot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// imageDirectivePattern matches an image directive the persona may embed
// in its reply, e.g. "[image: a raccoon in a trench coat]". The
// directive is stripped from the visible reply text.
var imageDirectivePattern = regexp.MustCompile(`(?m)\[image:\s*([^\]]+)\]`)

const replyInstructions = `Stay in character at all times. You are chatting in a Discord server; keep replies conversational and under 2000 characters. If the conversation doesn't call for a response from you, reply with exactly NO_RESPONSE. If you want to attach a generated picture, include a directive like [image: description of the picture] anywhere in your reply.`

const summaryInstructions = `You extract long-term memories from a chat transcript, from the perspective of the named character. Return a JSON array (and nothing else) of objects with fields: "kind" (one of "fact", "relationship", "interaction_summary", "preference"), "subject_user_id" (the participant's ID, or "" for general memories), "content" (one sentence), "salience" (integer 1-10, importance). Return [] if nothing is worth remembering.`

// OpenAIClient defines the methods used from the OpenAI API client, to
// enable testing/mocking.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)

	CreateImage(
		ctx context.Context,
		request openai.ImageRequest,
	) (openai.ImageResponse, error)
}

// OpenAI manages all interactions with the OpenAI API: reply generation
// for the model cascade, transcript summarization for the consolidation
// pipeline, and image generation for the response renderer.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(
	config *OpenAIConfig,
	handler slog.Handler,
	httpClient *http.Client,
) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: slog.New(handler).With(loggerNameKey, "openai"),
	}

	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultOpenAIMaxRequestsPerSecond
	}
	o.requestLimiter = rate.NewLimiter(rate.Limit(rps), rps)

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

// Invoke implements ModelInvoker: one chat completion against the given
// model. The reply text is scanned for an image directive, which is
// extracted into ModelResult.ImageDirective and stripped from the text.
func (o *OpenAI) Invoke(
	ctx context.Context,
	model string,
	payload PromptPayload,
) (*ModelResult, error) {
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	request := openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildReplyMessages(payload),
	}

	response, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("model %q returned no choices", model)
	}

	raw := strings.TrimSpace(response.Choices[0].Message.Content)
	result := parseModelReply(raw)

	o.logger.DebugContext(
		ctx,
		"model reply",
		"model", model,
		"reply_len", len(result.ReplyText),
		"has_image_directive", result.ImageDirective != "",
	)
	return result, nil
}

// parseModelReply splits the raw completion into visible reply text and
// an optional image directive. A reply of NO_RESPONSE (the opt-out the
// persona is instructed to use) yields an empty result.
func parseModelReply(raw string) *ModelResult {
	result := &ModelResult{}
	if raw == "" || raw == "NO_RESPONSE" {
		return result
	}

	if m := imageDirectivePattern.FindStringSubmatch(raw); m != nil {
		result.ImageDirective = strings.TrimSpace(m[1])
		raw = strings.TrimSpace(imageDirectivePattern.ReplaceAllString(raw, ""))
	}
	result.ReplyText = truncate(raw, discordMaxMessageLength)
	return result
}

// buildReplyMessages assembles the chat completion conversation: a
// system message carrying the persona description and retrieved
// memories, the history snapshot, then the current message labeled
// separately.
func buildReplyMessages(payload PromptPayload) []openai.ChatCompletionMessage {
	var system strings.Builder
	system.WriteString(
		fmt.Sprintf("You are %q.\n%s\n\n", payload.Persona.Name, payload.Persona.Prompt),
	)
	if len(payload.Memories) > 0 {
		system.WriteString("Things you remember about the participants:\n")
		for _, memory := range payload.Memories {
			if memory.SubjectUserID != "" {
				system.WriteString(
					fmt.Sprintf(
						"- (%s, about <@%s>) %s\n",
						memory.Kind,
						memory.SubjectUserID,
						memory.Content,
					),
				)
			} else {
				system.WriteString(
					fmt.Sprintf("- (%s) %s\n", memory.Kind, memory.Content),
				)
			}
		}
		system.WriteString("\n")
	}
	system.WriteString(replyInstructions)

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: system.String(),
		},
	}

	for _, turn := range payload.History {
		if turn.Speaker == payload.Persona.Name {
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: turn.Text,
				},
			)
			continue
		}
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.String(),
			},
		)
	}

	current := openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
	}
	currentText := fmt.Sprintf("(current message) %s", payload.Current.String())
	if payload.ImageURL != "" {
		current.MultiContent = []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: currentText,
			},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: payload.ImageURL,
				},
			},
		}
	} else {
		current.Content = currentText
	}

	return append(messages, current)
}

// memoryCandidate is the wire format the summary model is instructed to
// return.
type memoryCandidate struct {
	Kind          string `json:"kind"`
	SubjectUserID string `json:"subject_user_id"`
	Content       string `json:"content"`
	Salience      int    `json:"salience"`
}

// Summarize runs one summarization call over the channel transcript and
// returns candidate memory records for the persona. No cascade applies -
// any failure here means zero new memories for this turn.
func (o *OpenAI) Summarize(
	ctx context.Context,
	persona Persona,
	transcript string,
	participantIDs []string,
) ([]Memory, error) {
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var prompt strings.Builder
	prompt.WriteString(fmt.Sprintf("Character: %q\n", persona.Name))
	if len(participantIDs) > 0 {
		prompt.WriteString(
			fmt.Sprintf(
				"Participant IDs: %s\n",
				strings.Join(participantIDs, ", "),
			),
		)
	}
	prompt.WriteString("Transcript:\n")
	prompt.WriteString(transcript)

	response, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model: o.config.SummaryModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: summaryInstructions,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt.String(),
				},
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("summarization failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf(
			"summary model %q returned no choices",
			o.config.SummaryModel,
		)
	}

	candidates, err := parseMemoryCandidates(response.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	memories := make([]Memory, 0, len(candidates))
	for _, candidate := range candidates {
		content := strings.TrimSpace(candidate.Content)
		if content == "" {
			continue
		}
		memories = append(
			memories, Memory{
				PersonaID:     persona.ID,
				SubjectUserID: candidate.SubjectUserID,
				Kind:          memoryKindOrDefault(candidate.Kind),
				Content:       content,
				Salience:      clampSalience(candidate.Salience),
			},
		)
	}
	return memories, nil
}

func memoryKindOrDefault(kind string) MemoryKind {
	switch MemoryKind(kind) {
	case MemoryKindFact, MemoryKindRelationship,
		MemoryKindInteractionSummary, MemoryKindPreference:
		return MemoryKind(kind)
	default:
		return MemoryKindInteractionSummary
	}
}

// parseMemoryCandidates decodes the summary model's JSON array,
// tolerating markdown code fences around it.
func parseMemoryCandidates(raw string) ([]memoryCandidate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var candidates []memoryCandidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("error decoding memory candidates: %w", err)
	}
	return candidates, nil
}

// GenerateImage renders the given prompt with the configured image
// model and returns the raw image bytes.
func (o *OpenAI) GenerateImage(ctx context.Context, prompt string) (
	[]byte,
	error,
) {
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	response, err := o.client.CreateImage(
		ctx, openai.ImageRequest{
			Model:          o.config.ImageModel,
			Prompt:         prompt,
			Size:           o.config.ImageSize,
			N:              1,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("image model returned no data")
	}

	data, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	if err != nil {
		o.logger.Error("error decoding image payload", tint.Err(err))
		return nil, fmt.Errorf("error decoding image payload: %w", err)
	}
	return data, nil
}
