package cot

import (
	"encoding/json"
	"strings"

	"github.com/nidhogg/cot-agent/internal/plugin"
)

const (
	markerThought     = "Thought:"
	markerAction      = "Action:"
	markerActionInput = "Action Input:"
	markerObservation = "Observation:"
	markerFinalAnswer = "Final Answer:"
)

// Resolver looks up a plugin by action name.
type Resolver interface {
	Resolve(name string) (plugin.Plugin, bool)
}

// ParseStep turns the text buffered for one iteration into a Step. Every
// grammar violation, and an action that plugins cannot resolve, is an
// ErrCotFormatIncorrect. ParseStep has no side effects.
func ParseStep(text string, plugins Resolver) (*Step, error) {
	if strings.Contains(text, markerFinalAnswer) {
		before, _, _ := strings.Cut(text, markerFinalAnswer)
		return &Step{Thought: segmentAfter(before, markerThought), FinishedCot: true}, nil
	}

	var thought string
	if strings.Contains(text, markerThought) {
		raw := text
		if before, _, ok := strings.Cut(text, markerAction); ok {
			raw = before
		}
		thought = segmentAfter(raw, markerThought)
	}

	if !strings.Contains(text, markerAction) || !strings.Contains(text, markerActionInput) {
		return nil, formatError("missing Action or Action Input")
	}

	parts := strings.Split(text, markerAction)
	if len(parts) != 2 {
		return nil, formatError("expected exactly one Action")
	}
	parts = strings.Split(parts[1], markerActionInput)
	if len(parts) != 2 {
		return nil, formatError("expected exactly one Action Input")
	}

	action := strings.TrimSpace(parts[0])
	if action == "" {
		return nil, formatError("empty action")
	}
	if plugins == nil {
		return nil, formatError("unknown action " + action)
	}
	if _, ok := plugins.Resolve(action); !ok {
		return nil, formatError("unknown action " + action)
	}

	rawInput, _, _ := strings.Cut(parts[1], markerObservation)
	var decoded any
	if err := json.Unmarshal([]byte(strings.TrimSpace(rawInput)), &decoded); err != nil {
		return nil, formatError("action input: " + err.Error())
	}
	input, ok := decoded.(map[string]any)
	if !ok || input == nil {
		return nil, formatError("action input is not an object")
	}

	return &Step{Thought: thought, Action: action, ActionInput: input}, nil
}

// segmentAfter returns the trimmed text between the first and second
// occurrence of marker, or "" when marker is absent.
func segmentAfter(s, marker string) string {
	parts := strings.Split(s, marker)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
