package decider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/model"
)

func TestParseDecisionPlainJSON(t *testing.T) {
	d, err := ParseDecision(`{"intent": "done_for_now", "message": "deployed"}`)
	require.NoError(t, err)
	assert.Equal(t, model.IntentDoneForNow, d.Intent)
	assert.Equal(t, "deployed", d.Message)
}

func TestParseDecisionStripsCodeFences(t *testing.T) {
	d, err := ParseDecision("```json\n{\"intent\": \"await\", \"seconds\": 2.5}\n```")
	require.NoError(t, err)
	assert.Equal(t, model.IntentAwait, d.Intent)
	assert.Equal(t, 2.5, d.Seconds)
}

func TestParseDecisionRejectsMissingIntent(t *testing.T) {
	_, err := ParseDecision(`{"message": "no intent here"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing intent")
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	_, err := ParseDecision("sure! here is my decision:")
	assert.Error(t, err)
}

func TestOpenAIDecide(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "user", req.Messages[1].Role)

		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{
				{Message: chatMessage{Role: "assistant", Content: `{"intent": "nothing_to_do"}`}},
			},
		})
	}))
	defer srv.Close()

	o := NewOpenAI("test-key", "test-model", srv.URL)
	d, err := o.Decide(context.Background(), "[0] human_response\nhello\n")
	require.NoError(t, err)
	assert.Equal(t, model.IntentNothingToDo, d.Intent)
}

func TestOpenAIDecideSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	o := NewOpenAI("wrong", "test-model", srv.URL)
	_, err := o.Decide(context.Background(), "thread")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestNoopSuspends(t *testing.T) {
	d, err := Noop{}.Decide(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, model.IntentNothingToDo, d.Intent)
}
