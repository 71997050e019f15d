// Package thread provides pure helpers over the event log: appending events
// and rendering a thread into the text consumed by the decision function.
// Nothing here performs I/O.
package thread

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/renraku/internal/model"
)

// Append returns a copy of the thread with the event added at the end. Prior
// events are never dropped, reordered, or mutated; the input thread is left
// untouched so callers can retry safely.
func Append(t model.Thread, e model.Event) model.Thread {
	events := make([]model.Event, len(t.Events), len(t.Events)+1)
	copy(events, t.Events)
	return model.Thread{
		InitialContext: t.InitialContext,
		Events:         append(events, e),
	}
}

// ResultEventType derives the correlated response-event type for a result
// that answers the thread's most recent event ("<type>_result"). An empty
// thread gets the generic "result" type.
func ResultEventType(t model.Thread) string {
	last := t.LastEventType()
	if last == "" {
		return "result"
	}
	return last + "_result"
}

// Render serializes a thread into the plain-text transcript handed to the
// decision function. Unknown event types degrade to a generic JSON dump so
// future types never break rendering.
func Render(t model.Thread) string {
	var b strings.Builder
	if t.InitialContext != nil {
		b.WriteString("Initial context:\n")
		writeData(&b, t.InitialContext)
		b.WriteString("\n")
	}
	for i, e := range t.Events {
		fmt.Fprintf(&b, "[%d] %s\n", i, e.Type)
		writeData(&b, e.Data)
	}
	return b.String()
}

func writeData(b *strings.Builder, data any) {
	switch v := data.(type) {
	case nil:
		return
	case string:
		b.WriteString(v)
		b.WriteString("\n")
	default:
		enc, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(b, "%v\n", v)
			return
		}
		b.Write(enc)
		b.WriteString("\n")
	}
}
