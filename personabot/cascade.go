package personabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// AttemptOutcome tags how a single cascade attempt ended. The
// fall-through policy lives in this type rather than in scattered error
// handling: retryable outcomes continue to the next model, fatal ones
// stop the cascade.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeRetryableFailure AttemptOutcome = "retryable_failure"
	OutcomeFatalFailure     AttemptOutcome = "fatal_failure"
)

// CascadeAttempt records one model invocation within a cascade
// execution. Ephemeral - it exists only to build the final error report
// when all attempts fail.
type CascadeAttempt struct {
	Model   string
	Outcome AttemptOutcome
	Err     error
}

func (a CascadeAttempt) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("model", a.Model),
		slog.String("outcome", string(a.Outcome)),
	}
	if a.Err != nil {
		attrs = append(attrs, slog.String("error", a.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// PromptPayload carries everything the model needs to produce a reply
// as a persona.
type PromptPayload struct {
	Persona Persona

	// History is the channel history excluding the in-flight message
	History []ConversationTurn

	// Current is the message being answered, labeled separately from
	// History
	Current ConversationTurn

	// Memories are the persona's retrieved long-term memories about the
	// participants
	Memories []Memory

	// ImageURL references an image attached to the current message
	ImageURL string
}

// ModelResult is a successful model response. Either field may be empty;
// both empty means the persona chose not to respond.
type ModelResult struct {
	// ReplyText is the persona's reply, if any
	ReplyText string

	// ImageDirective is a prompt for the image generation backend, when
	// the persona decided to attach a generated image
	ImageDirective string
}

// ModelInvoker invokes a single backend model once.
type ModelInvoker interface {
	Invoke(ctx context.Context, model string, payload PromptPayload) (
		*ModelResult,
		error,
	)
}

// CascadeError reports an exhausted (or fatally stopped) cascade. It
// wraps the last attempted model's error and carries the full attempt
// list for diagnostics.
type CascadeError struct {
	Attempts []CascadeAttempt
	lastErr  error
}

func (e *CascadeError) Error() string {
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf(
		"all models failed (%d attempted, last: %s): %s",
		len(e.Attempts),
		last.Model,
		e.lastErr,
	)
}

func (e *CascadeError) Unwrap() error {
	return e.lastErr
}

func (e *CascadeError) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(e.Attempts))
	for i, attempt := range e.Attempts {
		attrs = append(
			attrs,
			slog.Any(fmt.Sprintf("attempt_%d", i), attempt),
		)
	}
	return slog.GroupValue(attrs...)
}

// CascadeExecutor tries an ordered list of backend models until one
// succeeds. Attempts are strictly sequential - cost and ordering matter
// more than latency here, so models are never raced in parallel.
type CascadeExecutor struct {
	models  []string
	invoker ModelInvoker
	logger  *slog.Logger
}

func NewCascadeExecutor(
	models []string,
	invoker ModelInvoker,
	logger *slog.Logger,
) *CascadeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CascadeExecutor{
		models:  models,
		invoker: invoker,
		logger:  logger.With(loggerNameKey, "cascade"),
	}
}

// Execute runs the cascade for one prompt payload.
//
// Quota and rate-limit failures fall through to the next model. Any
// other failure stops the cascade immediately - non-quota errors aren't
// assumed transient across backends, and masking them by answering with
// a weaker model helps nobody. If the list is exhausted the returned
// error is a *CascadeError wrapping the last attempt's error.
func (c *CascadeExecutor) Execute(
	ctx context.Context,
	payload PromptPayload,
) (*ModelResult, error) {
	if len(c.models) == 0 {
		return nil, errors.New("no models configured")
	}

	attempts := make([]CascadeAttempt, 0, len(c.models))

	for _, model := range c.models {
		result, err := c.invoker.Invoke(ctx, model, payload)
		if err == nil {
			attempts = append(
				attempts,
				CascadeAttempt{Model: model, Outcome: OutcomeSuccess},
			)
			c.logger.InfoContext(
				ctx,
				"model responded",
				"model", model,
				"attempts", len(attempts),
			)
			return result, nil
		}

		if retryableModelError(err) {
			attempts = append(
				attempts,
				CascadeAttempt{
					Model:   model,
					Outcome: OutcomeRetryableFailure,
					Err:     err,
				},
			)
			c.logger.WarnContext(
				ctx,
				"model unavailable, trying next",
				"model", model,
				tint.Err(err),
			)
			continue
		}

		attempts = append(
			attempts,
			CascadeAttempt{
				Model:   model,
				Outcome: OutcomeFatalFailure,
				Err:     err,
			},
		)
		c.logger.ErrorContext(
			ctx,
			"model failed, stopping cascade",
			"model", model,
			tint.Err(err),
		)
		return nil, &CascadeError{Attempts: attempts, lastErr: err}
	}

	last := attempts[len(attempts)-1]
	return nil, &CascadeError{Attempts: attempts, lastErr: last.Err}
}

// retryableModelError reports whether the error indicates quota
// exhaustion or rate limiting - the only failure classes worth trying a
// different model for.
func retryableModelError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if code, ok := apiErr.Code.(string); ok {
			switch code {
			case "insufficient_quota", "rate_limit_exceeded", "quota_exceeded":
				return true
			}
		}
		if strings.Contains(apiErr.Message, "quota") {
			return true
		}
		return false
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}

	return false
}
