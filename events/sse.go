// ABOUTME: Server-sent event framing for progress events streamed to browsers.
// ABOUTME: Converts broker events into "event:/id:/data:" frames per the EventSource format.
package events

import "fmt"

// SSEEvent is a server-sent event ready for transmission.
type SSEEvent struct {
	ID    uint64
	Event string
	Data  string
}

// Format renders the event as an SSE message terminated by a blank line.
func (e SSEEvent) Format() string {
	if e.ID == 0 {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Event, e.Data)
	}
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Event, e.Data)
}

// ToSSE converts a broker event into an SSE frame named after its topic.
func ToSSE(evt Event) SSEEvent {
	return SSEEvent{
		ID:    evt.Seq,
		Event: string(evt.Topic),
		Data:  string(evt.JSON()),
	}
}
