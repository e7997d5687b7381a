package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/cot-agent/internal/cot"
	"github.com/nidhogg/cot-agent/internal/plugin"
	"github.com/nidhogg/cot-agent/internal/provider"
)

func fixedNow() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

func noop(context.Context, map[string]any) (map[string]any, error) { return nil, nil }

func TestCotPromptSystem(t *testing.T) {
	plugins := []plugin.Plugin{
		plugin.NewTool("weather", "get weather", nil, noop),
		plugin.NewTool("search", "web search", nil, noop),
	}
	p := NewCotPrompt(Input{Question: "q", Now: fixedNow}, plugins, "gpt")
	msgs, err := p.Messages(cot.NewScratchpad())
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("messages = %+v", msgs)
	}
	sys := msgs[0].Content
	for _, want := range []string{
		"2024-01-01 12:00:00",
		"## Instruction\nNone",
		"## Knowledge\nNone",
		"tool_name:weather, tool_description:get weather",
		"[weather,search]",
		cotSystemDefaultMore,
	} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if strings.Contains(sys, "{tools}") || strings.Contains(sys, "{now}") {
		t.Error("unrendered placeholder in system prompt")
	}
}

func TestCotPromptReasoningModel(t *testing.T) {
	p := NewCotPrompt(Input{Instruct: "be brief", Knowledge: "k1"}, nil, "xdeepseekr1")
	msgs, _ := p.Messages(nil)
	sys := msgs[0].Content
	if !strings.Contains(sys, cotSystemReasoningMore) || strings.Contains(sys, cotSystemDefaultMore) {
		t.Error("reasoning model hint not selected")
	}
	if !strings.Contains(sys, "be brief") || !strings.Contains(sys, "k1") {
		t.Error("instruction or knowledge not rendered")
	}
}

func TestCotPromptUserScratchpad(t *testing.T) {
	history := []provider.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there!"},
		{Role: "system", Content: "ignored"},
	}
	p := NewCotPrompt(Input{Question: "what about {scratchpad}?", History: history}, nil, "m")

	pad := cot.NewScratchpad()
	pad.Append(&cot.Step{
		Thought:      "look it up",
		Action:       "weather",
		ActionInput:  map[string]any{"city": "上海"},
		ActionOutput: map[string]any{"temp": "<20>"},
	})
	msgs, _ := p.Messages(pad)
	user := msgs[1].Content

	if !strings.Contains(user, "User: Hello\nAssistant: Hi there!\n") || strings.Contains(user, "ignored") {
		t.Errorf("history not rendered: %q", user)
	}
	if !strings.Contains(user, "what about {scratchpad}?") {
		t.Error("question must be kept verbatim")
	}
	want := "Thought: look it up\nAction: weather\nAction Input: {\"city\":\"上海\"}\nObservation: {\"temp\":\"<20>\"}\n"
	if !strings.HasSuffix(user, want) {
		t.Errorf("scratchpad = %q, want suffix %q", user, want)
	}
}

func TestHistoryEmpty(t *testing.T) {
	if got := History(nil); got != "无" {
		t.Errorf("History(nil) = %q", got)
	}
	if got := History([]provider.Message{{Role: "user", Content: "Single message"}}); got != "User: Single message" {
		t.Errorf("History = %q", got)
	}
}

func TestRenderScratchpadFinishedStep(t *testing.T) {
	got := RenderScratchpad([]*cot.Step{{Thought: "This is my final conclusion", FinishedCot: true}}, Budget{})
	if got != "Thought: This is my final conclusion\n" {
		t.Errorf("got %q", got)
	}
}

func TestBudgetTruncatesObservation(t *testing.T) {
	step := &cot.Step{Action: "a", ActionOutput: map[string]any{"data": strings.Repeat("x", 100)}}
	got := RenderScratchpad([]*cot.Step{step}, Budget{ObservationChars: 20})
	if !strings.Contains(got, "...[已截断]") {
		t.Errorf("observation not truncated: %q", got)
	}
	if strings.Contains(got, strings.Repeat("x", 50)) {
		t.Error("observation kept past the limit")
	}
}

func TestBudgetFitHistoryKeepsNewest(t *testing.T) {
	msgs := []provider.Message{
		{Role: "user", Content: strings.Repeat("a", 40)},
		{Role: "assistant", Content: strings.Repeat("b", 40)},
		{Role: "user", Content: "latest"},
	}
	got := Budget{HistoryTokens: 12}.fitHistory(msgs)
	if len(got) != 2 || got[1].Content != "latest" {
		t.Fatalf("fitHistory = %+v", got)
	}
	if all := (Budget{}).fitHistory(msgs); len(all) != 3 {
		t.Error("zero budget must keep the full history")
	}
}

func TestProcessPrompt(t *testing.T) {
	p := NewProcessPrompt(Input{
		Question:  "How can I help you today?",
		Instruct:  "You are a helpful assistant.",
		Knowledge: "Some knowledge base content.",
		Now:       fixedNow,
	})
	pad := cot.NewScratchpad()
	pad.Append(&cot.Step{Thought: "search", Action: "search_plugin", ActionInput: map[string]any{"q": "test query"}, ActionOutput: map[string]any{"r": 1}})
	msgs, err := p.Messages(pad)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	for _, want := range []string{"2024-01-01 12:00:00", "You are a helpful assistant.", "Some knowledge base content."} {
		if !strings.Contains(msgs[0].Content, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	for _, want := range []string{"无", "How can I help you today?", "search_plugin", "test query"} {
		if !strings.Contains(msgs[1].Content, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}
