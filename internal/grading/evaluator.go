package grading

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEvaluator calls an OpenAI-compatible chat completions endpoint
// (OpenRouter by default). The model is fixed for the evaluator's lifetime
// so judging stays calibrated across runs.
type OpenAIEvaluator struct {
	client openai.Client
	model  string
}

func NewOpenAIEvaluator(baseURL, apiKey, model string) *OpenAIEvaluator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by JudgeGrader.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEvaluator{client: openai.NewClient(opts...), model: model}
}

func (e *OpenAIEvaluator) Model() string { return e.model }

func (e *OpenAIEvaluator) Evaluate(ctx context.Context, prompt string) (string, error) {
	res, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       e.model,
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return res.Choices[0].Message.Content, nil
}
