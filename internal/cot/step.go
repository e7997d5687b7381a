package cot

import (
	"github.com/nidhogg/cot-agent/internal/plugin"
)

// ToolType records which dispatch path ran a step.
type ToolType string

const (
	ToolTypeTool     ToolType = "tool"
	ToolTypeWorkflow ToolType = "workflow"
)

// Step is one reasoning cycle. A freshly parsed step is exactly one of:
// finished, an action, or the empty sentinel.
type Step struct {
	Thought      string         `json:"thought"`
	Action       string         `json:"action"`
	ActionInput  map[string]any `json:"action_input"`
	ActionOutput map[string]any `json:"action_output"`
	FinishedCot  bool           `json:"finished_cot"`
	Empty        bool           `json:"empty"`
	ToolType     ToolType       `json:"tool_type,omitempty"`
	// Plugin is set at dispatch time. The registry owns it.
	Plugin plugin.Plugin `json:"-"`
}

// EmptyStep returns the "no step yet" sentinel.
func EmptyStep() *Step { return &Step{Empty: true} }

// Clone returns a deep copy of the step's data. The plugin reference is shared.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.ActionInput = cloneMap(s.ActionInput)
	c.ActionOutput = cloneMap(s.ActionOutput)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
