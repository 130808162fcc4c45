package core

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/ameureka/ai-deepresearch-agent/provider"
)

// stubInvoker answers every call with reply(req), or fails for models in fail.
type stubInvoker struct {
	mu    sync.Mutex
	reply func(req provider.Request) string
	fail  map[string]error
	reqs  []provider.Request
}

func (s *stubInvoker) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if err := s.fail[req.Model]; err != nil {
		return provider.Response{}, err
	}
	content := "ok"
	if s.reply != nil {
		content = s.reply(req)
	}
	return provider.Response{Model: req.Model, Content: content, Usage: provider.Usage{PromptTokens: 100, CompletionTokens: 50}}, nil
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestPlanner(reply string) (*Planner, *stubInvoker) {
	inv := &stubInvoker{reply: func(provider.Request) string { return reply }}
	p := NewPlanner(NewCaller(inv, WithCallerLogger(quiet())), "deepseek:deepseek-reasoner")
	p.logger = quiet()
	return p, inv
}

func assertContract(t *testing.T, steps []string) {
	t.Helper()
	if len(steps) > MaxPlanSteps {
		t.Fatalf("plan has %d steps", len(steps))
	}
	if steps[0] != OpeningStep || steps[1] != CrossReferenceStep {
		t.Fatalf("plan must open with the fixed steps: %q", steps[:2])
	}
	if steps[len(steps)-1] != ClosingStep {
		t.Fatalf("plan must end with the closing step, got %q", steps[len(steps)-1])
	}
	closing := 0
	for _, s := range steps {
		if s == ClosingStep {
			closing++
		}
	}
	if closing != 1 {
		t.Fatalf("closing step appears %d times", closing)
	}
}

func TestParsePlanFormats(t *testing.T) {
	cases := map[string]int{
		`["Research agent: a", "Writer agent: b"]`:                             2,
		"```json\n[\"Research agent: a\"]\n```":                                1,
		`['Research agent: it\'s fine', 'Editor agent: b', "Writer agent: c"]`: 3,
		`Here is the plan: ["Research agent: a", "Writer agent: b"] hope it helps`: 2,
		`[{"description":"Draft it","role":"writer_agent"}]`:                      1,
		`{"plan": "none"}`: 0,
		`not a plan`:       0,
		`[1, 2]`:           0,
		`[]`:               0,
	}
	for in, want := range cases {
		if got := len(ParsePlan(in)); got != want {
			t.Fatalf("ParsePlan(%q) gave %d steps, want %d", in, got, want)
		}
	}
	if s := ParsePlan(`['Research agent: it\'s fine']`); s[0].Description != "Research agent: it's fine" {
		t.Fatalf("escape not handled: %q", s[0].Description)
	}
	if s := ParsePlan(`[{"description":"Draft it","role":"Writer agent"}]`); s[0].Role != RoleWriter {
		t.Fatalf("role not read from object: %+v", s[0])
	}
	long := `["a","b","c","d","e","f","g","h","i"]`
	if got := len(ParsePlan(long)); got != MaxPlanSteps {
		t.Fatalf("expected cap at %d, got %d", MaxPlanSteps, got)
	}
}

func TestEnforceContract(t *testing.T) {
	if got := EnforceContract(nil); len(got) != 6 || got[2] != DefaultPlan()[2] {
		t.Fatalf("empty input must give the default plan, got %q", got)
	}

	got := EnforceContract([]string{
		"Research agent: search arXiv broadly for anything",
		"Writer agent: Draft a section on ethics",
		"Editor agent: Revise the draft",
	})
	assertContract(t, got)
	if len(got) != 5 || got[2] != "Writer agent: Draft a section on ethics" {
		t.Fatalf("generic arXiv step must be dropped: %q", got)
	}

	many := []string{OpeningStep, "Research agent: x", "Research agent: y", "Writer agent: a", "Writer agent: b", "Editor agent: c", "Editor agent: d", "Writer agent: e"}
	assertContract(t, EnforceContract(many))

	withDupes := []string{"Writer agent: intro", OpeningStep, CrossReferenceStep, ClosingStep, "Editor agent: fix"}
	got = EnforceContract(withDupes)
	assertContract(t, got)
	if len(got) != 5 {
		t.Fatalf("fixed steps must not repeat: %q", got)
	}
	if got[3] != "Editor agent: fix" || got[4] != ClosingStep {
		t.Fatalf("a mid-plan closing step must move to the end: %q", got)
	}

	ordered := []string{OpeningStep, CrossReferenceStep, "Writer agent: outline", ClosingStep}
	if got := EnforceContract(ordered); strings.Join(got, "|") != strings.Join(ordered, "|") {
		t.Fatalf("a compliant plan must be unchanged: %q", got)
	}
}

func TestPlanTagsRoles(t *testing.T) {
	p, inv := newTestPlanner(`["Research agent: Use Tavily to perform a broad web search and collect top relevant items (title, authors, year, venue/source, URL, DOI if available).", "Writer agent: Draft an outline", "Editor agent: Review the draft"]`)
	steps, err := p.Plan(context.Background(), "Artificial Intelligence in Healthcare", "", nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var desc []string
	for _, s := range steps {
		desc = append(desc, s.Description)
		if !s.Role.Valid() {
			t.Fatalf("step %q has no role", s.Description)
		}
	}
	assertContract(t, desc)
	if steps[2].Role != RoleWriter || steps[3].Role != RoleEditor || steps[0].Role != RoleResearch {
		t.Fatalf("unexpected roles %+v", steps)
	}
	if len(inv.reqs) != 1 || inv.reqs[0].Model != "deepseek:deepseek-reasoner" {
		t.Fatalf("unexpected planner requests %+v", inv.reqs)
	}
	if !strings.Contains(inv.reqs[0].Messages[0].Content, `"Artificial Intelligence in Healthcare"`) {
		t.Fatalf("prompt must carry the topic")
	}
}

func TestPlanFallsBackToDefaultOnGarbage(t *testing.T) {
	p, _ := newTestPlanner("I cannot produce a plan right now.")
	steps, err := p.Plan(context.Background(), "topic", "openai:gpt-4o", nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(steps) != len(DefaultPlan()) {
		t.Fatalf("expected default plan, got %+v", steps)
	}
}

func TestPlanPropagatesModelFailure(t *testing.T) {
	inv := &stubInvoker{fail: map[string]error{"deepseek:deepseek-reasoner": errors.New("down")}}
	p := NewPlanner(NewCaller(inv, WithCallerLogger(quiet())), "deepseek:deepseek-reasoner")
	p.logger = quiet()
	if _, err := p.Plan(context.Background(), "topic", "", nil); err == nil {
		t.Fatalf("expected planning error")
	}
}

func TestTaggedRole(t *testing.T) {
	cases := map[string]Role{
		"Research agent: collect":      RoleResearch,
		"writer agent: something":      RoleWriter,
		"Editor agent: polish":         RoleEditor,
		"Draft the introduction":       RoleWriter,
		"Give feedback on the outline": RoleEditor,
		"Deploy the website":           "",
	}
	for in, want := range cases {
		if got := TaggedRole(in); got != want {
			t.Fatalf("TaggedRole(%q) = %q want %q", in, got, want)
		}
	}
}
