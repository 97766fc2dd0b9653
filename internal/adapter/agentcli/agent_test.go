package agentcli

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"

	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/port/agentcore"
)

func scan(s string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(s))
}

func TestConsumeStreamForwardsEventsAndResult(t *testing.T) {
	stream := `
{"type":"token","payload":{"text":"hel"}}
{"type":"token","payload":{"text":"lo"}}
{"type":"tool","payload":{"tool":"bash","args":"ls"}}
{"type":"result","output":"done","provider":"anthropic","model":"claude-sonnet","usage":{"input_tokens":10,"output_tokens":4,"total_tokens":14},"duration_ms":321}
`
	var events []agentcore.Event
	res, err := consumeStream(scan(stream), func(ev agentcore.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("consumeStream: %v", err)
	}
	if res == nil {
		t.Fatal("no result parsed")
	}
	if res.Output != "done" || res.Provider != "anthropic" || res.DurationMS != 321 {
		t.Fatalf("result = %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 14 {
		t.Fatalf("usage = %+v", res.Usage)
	}

	if len(events) != 3 {
		t.Fatalf("forwarded %d events, want 3", len(events))
	}
	if events[0].Type != agentcore.EventToken || events[2].Type != agentcore.EventTool {
		t.Fatalf("event types = %v %v %v", events[0].Type, events[1].Type, events[2].Type)
	}
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(events[1].Payload, &p); err != nil || p.Text != "lo" {
		t.Fatalf("second token payload = %s", events[1].Payload)
	}
}

func TestConsumeStreamSkipsLogNoise(t *testing.T) {
	stream := `
starting agent...
{"type":"token","payload":{}}
warn: slow tool call
{"type":"result","output":"ok"}
`
	count := 0
	res, err := consumeStream(scan(stream), func(agentcore.Event) { count++ })
	if err != nil {
		t.Fatalf("consumeStream: %v", err)
	}
	if res == nil || res.Output != "ok" {
		t.Fatalf("result = %+v", res)
	}
	if count != 1 {
		t.Fatalf("forwarded %d events, want 1", count)
	}
}

func TestConsumeStreamPassesUnknownTypesThrough(t *testing.T) {
	stream := `{"type":"plan_step","payload":{"step":"read files"}}` + "\n" +
		`{"type":"result","output":""}`

	var got agentcore.Event
	if _, err := consumeStream(scan(stream), func(ev agentcore.Event) { got = ev }); err != nil {
		t.Fatalf("consumeStream: %v", err)
	}
	if got.Type != "plan_step" {
		t.Fatalf("event type = %q, unknown types must pass through", got.Type)
	}
}

func TestArgsIncludeModelAndInput(t *testing.T) {
	a := New(config.Agent{Command: "opencode"}, nil)
	req := agentcore.Request{
		Prompt:   "fix the build",
		Provider: "anthropic",
		Model:    "claude-sonnet",
		Input:    json.RawMessage(`{"branch":"main"}`),
	}

	args := a.args(req)
	want := []string{
		"run", "--output-format", "ndjson", "--prompt", "fix the build",
		"--provider", "anthropic", "--model", "claude-sonnet",
		"--input", `{"branch":"main"}`,
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestQuoteArgsEscapesSingleQuotes(t *testing.T) {
	quoted := quoteArgs([]string{"it's fine"})
	if quoted[0] != `'it'\''s fine'` {
		t.Fatalf("quoted = %q", quoted[0])
	}
}

func TestTruncateTailKeepsEnd(t *testing.T) {
	if got := truncateTail("  short  ", 512); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("a", 600) + "TAIL"
	got := truncateTail(long, 8)
	if got != "...aaaaTAIL" {
		t.Fatalf("got %q", got)
	}
}
