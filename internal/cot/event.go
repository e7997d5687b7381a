package cot

// EventType tags an Event.
type EventType string

const (
	EventReasoning EventType = "reasoning_content"
	EventContent   EventType = "content"
	EventStep      EventType = "cot_step"
	EventLog       EventType = "log"
)

// Event is the only thing a run exposes to its caller while it progresses.
// Step events carry a snapshot that later dispatch stages do not touch.
type Event struct {
	Type    EventType        `json:"typ"`
	Content string           `json:"content,omitempty"`
	Step    *Step            `json:"step,omitempty"`
	Log     []map[string]any `json:"log,omitempty"`
	Model   string           `json:"model"`
}
