// Package decider provides decision-function implementations for the agent
// loop.
//
// The loop consumes the decision function as a black box: rendered thread in,
// structured decision out. An OpenAI-compatible chat completion backend is the
// production implementation; the noop backend suspends every thread
// immediately and exists so the service runs without credentials.
package decider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashita-ai/renraku/internal/model"
)

const systemPrompt = `You are an operations agent working a conversation thread.
Reply with a single JSON object and nothing else. Schema:
{"intent": "create_ticket" | "done_for_now" | "request_more_information" | "nothing_to_do" | "await",
 "message": "...", "title": "...", "body": "...", "project": "...", "seconds": 0}
Use "request_more_information" when you need input from the human,
"done_for_now" to report progress, "create_ticket" to propose a ticket
(fill title/body/project), "await" with "seconds" to pause briefly, and
"nothing_to_do" when the thread needs no action.`

// OpenAI asks an OpenAI-compatible chat completions endpoint for the next
// decision.
type OpenAI struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI decider. baseURL defaults to the public OpenAI
// API when empty.
func NewOpenAI(apiKey, chatModel, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		apiKey:     apiKey,
		model:      chatModel,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Decide renders one chat completion into a Decision.
func (o *OpenAI) Decide(ctx context.Context, renderedThread string) (model.Decision, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: renderedThread},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return model.Decision{}, fmt.Errorf("decider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return model.Decision{}, fmt.Errorf("decider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return model.Decision{}, fmt.Errorf("decider: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Decision{}, fmt.Errorf("decider: read response: %w", err)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return model.Decision{}, fmt.Errorf("decider: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return model.Decision{}, fmt.Errorf("decider: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Decision{}, fmt.Errorf("decider: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Choices) == 0 {
		return model.Decision{}, fmt.Errorf("decider: empty completion")
	}

	return ParseDecision(result.Choices[0].Message.Content)
}

// ParseDecision decodes a model reply into a Decision. Tolerates code fences
// around the JSON object.
func ParseDecision(content string) (model.Decision, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var d model.Decision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return model.Decision{}, fmt.Errorf("decider: decode decision: %w", err)
	}
	if d.Intent == "" {
		return model.Decision{}, fmt.Errorf("decider: decision missing intent")
	}
	return d, nil
}

// Noop suspends every thread without taking action. Used when no decider
// backend is configured.
type Noop struct{}

// Decide always returns nothing_to_do.
func (Noop) Decide(_ context.Context, _ string) (model.Decision, error) {
	return model.Decision{Intent: model.IntentNothingToDo}, nil
}
