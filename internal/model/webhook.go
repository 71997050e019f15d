package model

import (
	"encoding/json"
	"fmt"
)

// Webhook payload types. This union is closed: anything else is rejected at
// the boundary before touching thread state. (Thread event types are the
// opposite, an open set with a generic fallback. The asymmetry is
// deliberate: the read side must render future event types, the write
// boundary must refuse them.)
const (
	WebhookHumanContactCompleted = "human_contact.completed"
	WebhookFunctionCallCompleted = "function_call.completed"
)

// WebhookState carries the thread correlation key inside webhook payloads.
type WebhookState struct {
	StateID string `json:"stateId"`
}

// HumanContactCompleted is the payload body for a human's free-text reply.
type HumanContactCompleted struct {
	Status struct {
		Response string `json:"response"`
	} `json:"status"`
	State WebhookState `json:"state"`
}

// FunctionCallCompleted is the payload body for an approved or denied
// function call.
type FunctionCallCompleted struct {
	Spec struct {
		Fn     string         `json:"fn"`
		Kwargs map[string]any `json:"kwargs"`
		State  WebhookState   `json:"state"`
	} `json:"spec"`
	Status struct {
		Approved bool   `json:"approved"`
		Comment  string `json:"comment,omitempty"`
	} `json:"status"`
}

// WebhookPayload is the validated, tagged form of an inbound callback.
// Exactly one variant pointer is non-nil.
type WebhookPayload struct {
	Type         string
	HumanContact *HumanContactCompleted
	FunctionCall *FunctionCallCompleted
}

// StateID returns the thread correlation key by the variant-specific path,
// or "" if the payload did not carry one.
func (p WebhookPayload) StateID() string {
	switch p.Type {
	case WebhookHumanContactCompleted:
		return p.HumanContact.State.StateID
	case WebhookFunctionCallCompleted:
		return p.FunctionCall.Spec.State.StateID
	}
	return ""
}

// ErrUnknownWebhookType marks payloads whose type tag is outside the closed
// union. The server maps it to 422.
type ErrUnknownWebhookType struct {
	Type string
}

func (e ErrUnknownWebhookType) Error() string {
	return fmt.Sprintf("model: unknown webhook payload type %q", e.Type)
}

// ParseWebhookPayload validates raw JSON against the closed two-variant
// schema. Malformed JSON and unknown type tags both fail; no partial payload
// is ever admitted.
func ParseWebhookPayload(raw []byte) (WebhookPayload, error) {
	var envelope struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return WebhookPayload{}, fmt.Errorf("model: decode webhook payload: %w", err)
	}
	if len(envelope.Event) == 0 {
		return WebhookPayload{}, fmt.Errorf("model: webhook payload missing event")
	}

	switch envelope.Type {
	case WebhookHumanContactCompleted:
		var hc HumanContactCompleted
		if err := json.Unmarshal(envelope.Event, &hc); err != nil {
			return WebhookPayload{}, fmt.Errorf("model: decode human contact event: %w", err)
		}
		if len(hc.State.StateID) > MaxStateIDLen {
			return WebhookPayload{}, fmt.Errorf("model: stateId exceeds %d characters", MaxStateIDLen)
		}
		return WebhookPayload{Type: envelope.Type, HumanContact: &hc}, nil
	case WebhookFunctionCallCompleted:
		var fc FunctionCallCompleted
		if err := json.Unmarshal(envelope.Event, &fc); err != nil {
			return WebhookPayload{}, fmt.Errorf("model: decode function call event: %w", err)
		}
		if fc.Spec.Fn == "" {
			return WebhookPayload{}, fmt.Errorf("model: function call payload missing spec.fn")
		}
		if len(fc.Spec.State.StateID) > MaxStateIDLen {
			return WebhookPayload{}, fmt.Errorf("model: stateId exceeds %d characters", MaxStateIDLen)
		}
		return WebhookPayload{Type: envelope.Type, FunctionCall: &fc}, nil
	default:
		return WebhookPayload{}, ErrUnknownWebhookType{Type: envelope.Type}
	}
}
