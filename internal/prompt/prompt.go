// Package prompt renders the messages of a reasoning run: the ReAct prompt of
// each iteration and the summarization prompt over the finished scratchpad.
package prompt

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/nidhogg/cot-agent/internal/cot"
	"github.com/nidhogg/cot-agent/internal/plugin"
	"github.com/nidhogg/cot-agent/internal/provider"
)

const (
	none       = "None"
	noHistory  = "无"
	timeLayout = "2006-01-02 15:04:05"
	roleUser   = "user"
	roleAssist = "assistant"
	roleSystem = "system"
)

// Input is the run-level content shared by both prompts.
type Input struct {
	Question  string
	Instruct  string
	Knowledge string
	History   []provider.Message
	Budget    Budget
	// Now defaults to time.Now.
	Now func() time.Time
}

func (in Input) now() string {
	if in.Now == nil {
		return time.Now().Format(timeLayout)
	}
	return in.Now().Format(timeLayout)
}

// CotPrompt builds the messages of every loop iteration. The system prompt and
// the user prompt skeleton are fixed at construction; only the scratchpad
// changes between iterations.
type CotPrompt struct {
	system string
	user   [2]string
	budget Budget
}

// ReasoningModels lists model names that get the reasoning-channel hint.
var ReasoningModels = []string{"xdeepseekr1"}

// NewCotPrompt renders the fixed parts of the ReAct prompt for plugins.
func NewCotPrompt(in Input, plugins []plugin.Plugin, model string) *CotPrompt {
	schemas := make([]string, 0, len(plugins))
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		schemas = append(schemas, p.Schema())
		names = append(names, p.Name())
	}
	more := cotSystemDefaultMore
	if slices.Contains(ReasoningModels, model) {
		more = cotSystemReasoningMore
	}

	system := strings.NewReplacer(
		"{now}", in.now(),
		"{instruct}", orNone(in.Instruct),
		"{knowledge}", orNone(in.Knowledge),
		"{tools}", strings.Join(schemas, "\n"),
		"{tool_names}", strings.Join(names, ","),
		"{r1_more}", more,
	).Replace(cotSystemTemplate)

	return &CotPrompt{
		system: system,
		user:   splitUser(in, cotUserTemplate, "{scratchpad}"),
		budget: in.Budget,
	}
}

// Messages returns the system and user messages for the next iteration.
func (p *CotPrompt) Messages(pad *cot.Scratchpad) ([]provider.Message, error) {
	user := p.user[0] + RenderScratchpad(pad.Steps(), p.budget) + p.user[1]
	return []provider.Message{
		{Role: roleSystem, Content: p.system},
		{Role: roleUser, Content: user},
	}, nil
}

// ProcessPrompt builds the summarization messages over a scratchpad.
type ProcessPrompt struct {
	system string
	user   [2]string
	budget Budget
}

// NewProcessPrompt renders the fixed parts of the summarization prompt.
func NewProcessPrompt(in Input) *ProcessPrompt {
	system := strings.NewReplacer(
		"{now}", in.now(),
		"{instruct}", orNone(in.Instruct),
		"{knowledge}", orNone(in.Knowledge),
	).Replace(processSystemTemplate)
	return &ProcessPrompt{
		system: system,
		user:   splitUser(in, processUserTemplate, "{reasoning_process}"),
		budget: in.Budget,
	}
}

// Messages returns the system and user messages for the final answer.
func (p *ProcessPrompt) Messages(pad *cot.Scratchpad) ([]provider.Message, error) {
	user := p.user[0] + RenderScratchpad(pad.Steps(), p.budget) + p.user[1]
	return []provider.Message{
		{Role: roleSystem, Content: p.system},
		{Role: roleUser, Content: user},
	}, nil
}

// splitUser renders the run-level placeholders of tmpl and splits it around
// the per-iteration slot. The slot is cut out before the question is inserted.
func splitUser(in Input, tmpl, slot string) [2]string {
	head, tail, _ := strings.Cut(tmpl, slot)
	head = strings.NewReplacer(
		"{chat_history}", History(in.Budget.fitHistory(in.History)),
		"{question}", in.Question,
	).Replace(head)
	return [2]string{head, tail}
}

// History renders chat turns as "User: ..." and "Assistant: ..." lines.
// System messages are skipped.
func History(msgs []provider.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case roleUser:
			lines = append(lines, "User: "+m.Content)
		case roleAssist:
			lines = append(lines, "Assistant: "+m.Content)
		}
	}
	if len(lines) == 0 {
		return noHistory
	}
	return strings.Join(lines, "\n")
}

// RenderScratchpad renders steps as Thought/Action/Action Input/Observation
// blocks. A finished step renders its thought only.
func RenderScratchpad(steps []*cot.Step, budget Budget) string {
	var b strings.Builder
	for _, s := range steps {
		b.WriteString("Thought: ")
		b.WriteString(s.Thought)
		b.WriteString("\n")
		if s.FinishedCot || s.Action == "" {
			continue
		}
		b.WriteString("Action: ")
		b.WriteString(s.Action)
		b.WriteString("\nAction Input: ")
		b.WriteString(toJSON(s.ActionInput))
		b.WriteString("\nObservation: ")
		b.WriteString(budget.truncate(toJSON(s.ActionOutput)))
		b.WriteString("\n")
	}
	return b.String()
}

func toJSON(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return none
	}
	return s
}
