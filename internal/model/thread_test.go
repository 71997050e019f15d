package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateThreadAcceptsUnknownEventTypes(t *testing.T) {
	th := Thread{Events: []Event{
		{Type: EventHumanResponse, Data: "hi"},
		{Type: "some_future_event", Data: map[string]any{"x": 1}},
	}}
	assert.NoError(t, ValidateThread(th))
}

func TestValidateThreadRejectsEmptyEventType(t *testing.T) {
	th := Thread{Events: []Event{{Type: ""}}}
	err := ValidateThread(th)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty type")
}

func TestValidateThreadRejectsOversizedEventType(t *testing.T) {
	th := Thread{Events: []Event{{Type: strings.Repeat("a", MaxEventTypeLen+1)}}}
	assert.Error(t, ValidateThread(th))
}

func TestDecodeThreadRoundTrip(t *testing.T) {
	raw := []byte(`{"initial_context": {"email": "dev@example.com"}, "events": [{"type": "human_response", "data": "hello"}]}`)
	th, err := DecodeThread(raw)
	require.NoError(t, err)
	require.Len(t, th.Events, 1)
	assert.Equal(t, EventHumanResponse, th.Events[0].Type)
	assert.Equal(t, "hello", th.Events[0].Data)
}

func TestDecodeThreadFailsClosedOnGarbage(t *testing.T) {
	_, err := DecodeThread([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeThread([]byte(`{"events": [{"type": ""}]}`))
	assert.Error(t, err)
}

func TestLastEventType(t *testing.T) {
	assert.Empty(t, Thread{}.LastEventType())

	th := Thread{Events: []Event{{Type: "a"}, {Type: "b"}}}
	assert.Equal(t, "b", th.LastEventType())
}
