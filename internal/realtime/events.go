package realtime

import "time"

// Event is an inbound message handed to subscribers.
type Event struct {
	Message    Message
	ReceivedAt time.Time
}
