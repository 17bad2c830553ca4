package bus

import "time"

// Event is one message on the in-process bus. Kind carries a namespace
// prefix that subscribers filter on: "rt." for transport frames, "chat."
// for engine store updates, "presence." for connection state changes.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
