package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEvent(eventType string) string {
	return fmt.Sprintf("crew.events.%s", eventType)
}

const (
	TopicEventsAll = "crew.events.>"

	// Operator request/reply subjects served by the coordinator.
	TopicControlSend   = "crew.control.send"
	TopicControlStatus = "crew.control.status"
)
