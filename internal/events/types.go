package events

// Topic enumerates the pub/sub topics inside the execution core.
type Topic string

const (
	TopicOrderUpdate    Topic = "order.update"
	TopicPositionUpdate Topic = "position.update"
	TopicPositionClosed Topic = "position.closed"
	TopicAutomationSkip Topic = "automation.skip"
)

// Skip describes an automated action that was deliberately not taken.
// Every skip carries the specific reason so inaction stays explainable.
type Skip struct {
	Symbol string
	Reason string
}
