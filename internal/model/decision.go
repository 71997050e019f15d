package model

// Intent is the decision function's chosen next action for a thread.
// Unrecognized intents are a recoverable error handled inside the loop,
// never a crash.
type Intent string

const (
	IntentCreateTicket           Intent = "create_ticket"
	IntentDoneForNow             Intent = "done_for_now"
	IntentRequestMoreInformation Intent = "request_more_information"
	IntentNothingToDo            Intent = "nothing_to_do"
	IntentAwait                  Intent = "await"
)

// Decision is the opaque decision function's answer for one loop iteration.
// Fields beyond Intent are intent-specific; the full struct is recorded on
// the thread as an event tagged with the intent, so the log alone shows what
// the agent chose.
type Decision struct {
	Intent  Intent `json:"intent"`
	Message string `json:"message,omitempty"`

	// create_ticket fields.
	Title   string         `json:"title,omitempty"`
	Body    string         `json:"body,omitempty"`
	Project string         `json:"project,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`

	// await fields.
	Seconds float64 `json:"seconds,omitempty"`
}
