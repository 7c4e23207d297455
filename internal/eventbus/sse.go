package eventbus

import (
	"encoding/json"
	"fmt"
	"io"
)

// WriteSSE writes e to w in the standard text/event-stream framing:
// an id: line (so browsers populate Last-Event-ID automatically on
// reconnect), an event: line naming the Kind, and a data: line
// carrying the JSON-encoded event, terminated by a blank line.
func WriteSSE(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data)
	return err
}
