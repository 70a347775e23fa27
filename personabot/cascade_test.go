package personabot

import (
	"context"
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedInvoker returns a canned outcome per model and records the
// order models were invoked in.
type scriptedInvoker struct {
	results map[string]*ModelResult
	errs    map[string]error
	invoked []string
}

func (s *scriptedInvoker) Invoke(
	_ context.Context,
	model string,
	_ PromptPayload,
) (*ModelResult, error) {
	s.invoked = append(s.invoked, model)
	if err, ok := s.errs[model]; ok {
		return nil, err
	}
	return s.results[model], nil
}

func quotaError() error {
	return &openai.APIError{
		HTTPStatusCode: http.StatusTooManyRequests,
		Message:        "You exceeded your current quota",
	}
}

func TestCascadeRetryableFallsThrough(t *testing.T) {
	t.Parallel()

	invoker := &scriptedInvoker{
		results: map[string]*ModelResult{
			"model-b": {ReplyText: "hello from b"},
			"model-c": {ReplyText: "hello from c"},
		},
		errs: map[string]error{"model-a": quotaError()},
	}
	executor := NewCascadeExecutor(
		[]string{"model-a", "model-b", "model-c"},
		invoker,
		nil,
	)

	result, err := executor.Execute(context.Background(), PromptPayload{})
	require.NoError(t, err)
	assert.Equal(t, "hello from b", result.ReplyText)
	assert.Equal(t, []string{"model-a", "model-b"}, invoker.invoked)
}

func TestCascadeFatalStopsImmediately(t *testing.T) {
	t.Parallel()

	fatal := errors.New("model exploded")
	invoker := &scriptedInvoker{
		results: map[string]*ModelResult{"model-b": {ReplyText: "unused"}},
		errs:    map[string]error{"model-a": fatal},
	}
	executor := NewCascadeExecutor([]string{"model-a", "model-b"}, invoker, nil)

	result, err := executor.Execute(context.Background(), PromptPayload{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, []string{"model-a"}, invoker.invoked)

	var cascadeErr *CascadeError
	require.ErrorAs(t, err, &cascadeErr)
	require.Len(t, cascadeErr.Attempts, 1)
	assert.Equal(t, OutcomeFatalFailure, cascadeErr.Attempts[0].Outcome)
	assert.ErrorIs(t, err, fatal)
}

func TestCascadeExhaustion(t *testing.T) {
	t.Parallel()

	invoker := &scriptedInvoker{
		errs: map[string]error{
			"model-a": quotaError(),
			"model-b": quotaError(),
			"model-c": quotaError(),
		},
	}
	executor := NewCascadeExecutor(
		[]string{"model-a", "model-b", "model-c"},
		invoker,
		nil,
	)

	result, err := executor.Execute(context.Background(), PromptPayload{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, []string{"model-a", "model-b", "model-c"}, invoker.invoked)

	var cascadeErr *CascadeError
	require.ErrorAs(t, err, &cascadeErr)
	require.Len(t, cascadeErr.Attempts, 3)
	for _, attempt := range cascadeErr.Attempts {
		assert.Equal(t, OutcomeRetryableFailure, attempt.Outcome)
	}
	// the surfaced error is the last attempted model's
	assert.Equal(t, "model-c", cascadeErr.Attempts[2].Model)
	assert.ErrorIs(t, err, cascadeErr.Attempts[2].Err)
}

func TestCascadeNoModels(t *testing.T) {
	t.Parallel()

	executor := NewCascadeExecutor(nil, &scriptedInvoker{}, nil)
	_, err := executor.Execute(context.Background(), PromptPayload{})
	assert.Error(t, err)
}

func TestRetryableModelError(t *testing.T) {
	t.Parallel()

	assert.True(t, retryableModelError(quotaError()))
	assert.True(
		t, retryableModelError(
			&openai.APIError{
				HTTPStatusCode: http.StatusBadRequest,
				Code:           "insufficient_quota",
			},
		),
	)
	assert.True(
		t, retryableModelError(
			&openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests},
		),
	)
	assert.False(
		t, retryableModelError(
			&openai.APIError{
				HTTPStatusCode: http.StatusInternalServerError,
				Message:        "server error",
			},
		),
	)
	assert.False(t, retryableModelError(errors.New("dial tcp: timeout")))
}
