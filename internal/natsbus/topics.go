package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicEventsResearch carries the snapshots of a single run.
func TopicEventsResearch(runID string) string {
	return fmt.Sprintf("events.research.%s", runID)
}

const (
	TopicEventsAll        = "events.>"
	TopicEventsResearches = "events.research.*"
	TopicEventsSchedule   = "events.schedule.fired"

	// TopicIPCResearch is the request/reply subject served by the gateway.
	TopicIPCResearch = "host.ipc.research"

	// StreamResearch retains research events so late followers can replay a run.
	StreamResearch = "RESEARCH"
)
