package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
)

const scoringPrompt = `You rate the risk of a crypto wallet portfolio.
You receive named numeric features. Reply with a JSON object
{"score": <number between 0 and 1, higher is riskier>, "explanation": "<one or two sentences>"}.`

// OpenAIScorer scores wallets with a chat completion model
type OpenAIScorer struct {
	client *openai.Client
	model  string
}

// NewOpenAIScorer creates a scorer. An empty baseURL uses the public API.
func NewOpenAIScorer(apiKey, baseURL, model string) *OpenAIScorer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIScorer{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

type scoreReply struct {
	Score       *float64 `json:"score"`
	Explanation string   `json:"explanation"`
}

// Score implements scoring.ScoringCapability
func (s *OpenAIScorer) Score(ctx context.Context, features models.FeatureVector) (float64, string, error) {
	payload, err := json.Marshal(features)
	if err != nil {
		return 0, "", s.fail(err, false)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scoringPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		return 0, "", s.fail(err, transientStatus(err))
	}
	if len(resp.Choices) == 0 {
		return 0, "", s.fail(errors.New("empty completion"), true)
	}

	var reply scoreReply
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &reply); err != nil {
		return 0, "", s.fail(fmt.Errorf("decode reply: %w", err), false)
	}
	if reply.Score == nil {
		return 0, "", s.fail(errors.New("reply has no score"), false)
	}
	if *reply.Score < 0 || *reply.Score > 1 {
		return 0, "", s.fail(fmt.Errorf("score %v outside [0,1]", *reply.Score), false)
	}
	return *reply.Score, reply.Explanation, nil
}

func (s *OpenAIScorer) fail(err error, transient bool) error {
	return &apperrors.ScoringCapabilityError{
		Capability: "openai",
		Permanent:  !transient,
		Cause:      NewAdapterError("openai", "CreateChatCompletion", err, map[string]interface{}{"model": s.model}),
	}
}

// transientStatus treats throttling, server errors and transport failures
// as retryable. Other 4xx responses are permanent.
func transientStatus(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return isTransient(err)
	}
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}
