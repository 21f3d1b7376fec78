package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
)

func completionServer(t *testing.T, status int, body string) (*httptest.Server, *[]map[string]interface{}) {
	t.Helper()
	var requests []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]interface{}{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

var testFeatures = models.FeatureVector{
	{Name: "holding_count", Value: 2},
	{Name: "diversification_index", Value: 0.48},
}

func TestOpenAIScorer_Success(t *testing.T) {
	srv, requests := completionServer(t, http.StatusOK, completion(`{"score": 0.35, "explanation": "moderately concentrated"}`))
	scorer := NewOpenAIScorer("test-key", srv.URL+"/v1/", "test-model")

	score, explanation, err := scorer.Score(context.Background(), testFeatures)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, score, 1e-9)
	assert.Equal(t, "moderately concentrated", explanation)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "test-model", req["model"])
	format, _ := req["response_format"].(map[string]interface{})
	assert.Equal(t, "json_object", format["type"])
	msgs, _ := req["messages"].([]interface{})
	require.Len(t, msgs, 2)
	user, _ := msgs[1].(map[string]interface{})
	assert.Contains(t, user["content"], "diversification_index")
}

func TestOpenAIScorer_BadReplies(t *testing.T) {
	for name, content := range map[string]string{
		"not json":     "risky",
		"no score":     `{"explanation": "?"}`,
		"out of range": `{"score": 1.7}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := completionServer(t, http.StatusOK, completion(content))
			_, _, err := NewOpenAIScorer("test-key", srv.URL+"/v1", "m").Score(context.Background(), testFeatures)

			var capErr *apperrors.ScoringCapabilityError
			require.ErrorAs(t, err, &capErr)
			assert.True(t, capErr.Permanent)
			assert.Equal(t, "openai", capErr.Capability)
		})
	}
}

func TestOpenAIScorer_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit_error"}}`, true},
		{"server error", http.StatusBadGateway, `upstream down`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad model","type":"invalid_request_error"}}`, false},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := completionServer(t, tt.status, tt.body)
			_, _, err := NewOpenAIScorer("test-key", srv.URL+"/v1", "m").Score(context.Background(), testFeatures)

			var capErr *apperrors.ScoringCapabilityError
			require.ErrorAs(t, err, &capErr)
			assert.Equal(t, !tt.transient, capErr.Permanent)
		})
	}
}

func TestOpenAIScorer_CancelledContext(t *testing.T) {
	srv, _ := completionServer(t, http.StatusOK, completion(`{"score": 0.1}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewOpenAIScorer("test-key", srv.URL+"/v1", "m").Score(ctx, testFeatures)
	assert.ErrorIs(t, err, context.Canceled)
}
