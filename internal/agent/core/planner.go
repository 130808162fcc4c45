package core

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/ameureka/ai-deepresearch-agent/internal/agent/telemetry"
	"github.com/ameureka/ai-deepresearch-agent/provider"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	MaxPlanSteps = 7

	OpeningStep        = "Research agent: Use Tavily to perform a broad web search and collect top relevant items (title, authors, year, venue/source, URL, DOI if available)."
	CrossReferenceStep = "Research agent: For each collected item, search on arXiv to find matching preprints/versions and record arXiv URLs (if they exist)."
	ClosingStep        = "Writer agent: Generate the final comprehensive Markdown report with inline citations and a complete References section with clickable links."
)

var tracer = otel.Tracer("deepresearch/internal/agent/core")

// DefaultPlan is used when the model output cannot be parsed into steps.
func DefaultPlan() []string {
	return []string{
		OpeningStep,
		CrossReferenceStep,
		"Research agent: Synthesize and rank findings by relevance, recency, and authority; deduplicate by title/DOI.",
		"Writer agent: Draft a structured outline based on the ranked evidence.",
		"Editor agent: Review for coherence, coverage, and citation completeness; request fixes.",
		ClosingStep,
	}
}

// Planner asks the model for a step list and enforces the fixed opening and
// closing steps on whatever comes back.
type Planner struct {
	caller *Caller
	model  string
	logger *log.Logger
}

func NewPlanner(caller *Caller, model string) *Planner {
	return &Planner{
		caller: caller,
		model:  model,
		logger: log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan returns at most MaxPlanSteps role-tagged steps for topic. An empty
// model uses the planner default. Parse failures fall back to DefaultPlan;
// model failures that survive retry and fallback are returned.
func (p *Planner) Plan(ctx context.Context, topic, model string, costs *telemetry.CostTracker) ([]PlanStep, error) {
	ctx, span := tracer.Start(ctx, "planner.Plan")
	defer span.End()

	model = pickModel(model, p.model)
	res, err := p.caller.Complete(ctx, CallRequest{
		Agent:       "planner_agent",
		Model:       model,
		Prompt:      planningPrompt(topic),
		Temperature: provider.Temperature(1),
		Costs:       costs,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		return nil, fmt.Errorf("generate plan: %w", err)
	}

	parsed := ParsePlan(res.Content)
	if len(parsed) == 0 {
		p.logger.Printf("could not parse plan from %s, using default plan", res.Model)
	}
	steps := EnforceContract(descriptions(parsed))
	out := make([]PlanStep, 0, len(steps))
	for _, d := range steps {
		role := roleFor(parsed, d)
		if !role.Valid() {
			role = TaggedRole(d)
		}
		out = append(out, PlanStep{Description: d, Role: role})
	}
	span.SetAttributes(attribute.Int("steps", len(out)), attribute.String("model", res.Model))
	p.logger.Printf("plan ready with %d steps via %s", len(out), res.Model)
	return out, nil
}

func descriptions(steps []PlanStep) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Description)
	}
	return out
}

func roleFor(parsed []PlanStep, desc string) Role {
	for _, s := range parsed {
		if s.Description == desc {
			return s.Role
		}
	}
	return ""
}

var fenceRe = regexp.MustCompile("^```[a-zA-Z]*\\n?|\\n?```$")

// ParsePlan extracts the step list from model output. It accepts a JSON array
// of strings or of {description, role} objects, a single-quoted list literal,
// either of those inside a code fence, and an array embedded in prose.
// The result is capped at MaxPlanSteps and empty when nothing parses.
func ParsePlan(raw string) []PlanStep {
	raw = strings.TrimSpace(raw)
	candidates := []string{raw}
	if strings.HasPrefix(raw, "```") {
		candidates = append(candidates, strings.Trim(fenceRe.ReplaceAllString(raw, ""), "` \n"))
	}
	if i, j := strings.Index(raw, "["), strings.LastIndex(raw, "]"); i >= 0 && j > i {
		candidates = append(candidates, raw[i:j+1])
	}
	for _, c := range candidates {
		if steps, ok := parseJSONPlan(c); ok {
			return capSteps(steps)
		}
		if list, ok := parseListLiteral(c); ok {
			steps := make([]PlanStep, 0, len(list))
			for _, s := range list {
				steps = append(steps, PlanStep{Description: s})
			}
			return capSteps(steps)
		}
	}
	return nil
}

func capSteps(steps []PlanStep) []PlanStep {
	if len(steps) > MaxPlanSteps {
		return steps[:MaxPlanSteps]
	}
	return steps
}

func parseJSONPlan(s string) ([]PlanStep, bool) {
	if !gjson.Valid(s) {
		return nil, false
	}
	arr := gjson.Parse(s)
	if !arr.IsArray() {
		return nil, false
	}
	var steps []PlanStep
	ok := true
	arr.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.String:
			steps = append(steps, PlanStep{Description: item.String()})
		case item.IsObject():
			desc := item.Get("description")
			if !desc.Exists() {
				desc = item.Get("step")
			}
			if desc.Type != gjson.String {
				ok = false
				return false
			}
			steps = append(steps, PlanStep{
				Description: desc.String(),
				Role:        normalizeRole(item.Get("role").String()),
			})
		default:
			ok = false
			return false
		}
		return true
	})
	if !ok || len(steps) == 0 {
		return nil, false
	}
	return steps, true
}

// parseListLiteral reads a bracketed list of single- or double-quoted strings.
func parseListLiteral(s string) ([]string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, false
	}
	body := s[1 : len(s)-1]
	var out []string
	i := 0
	for {
		for i < len(body) && strings.ContainsRune(" \t\r\n,", rune(body[i])) {
			i++
		}
		if i >= len(body) {
			break
		}
		quote := body[i]
		if quote != '\'' && quote != '"' {
			return nil, false
		}
		i++
		var b strings.Builder
		closed := false
		for i < len(body) {
			ch := body[i]
			if ch == '\\' && i+1 < len(body) {
				b.WriteByte(body[i+1])
				i += 2
				continue
			}
			if ch == quote {
				closed = true
				i++
				break
			}
			b.WriteByte(ch)
			i++
		}
		if !closed {
			return nil, false
		}
		out = append(out, b.String())
		for i < len(body) && strings.ContainsRune(" \t\r\n", rune(body[i])) {
			i++
		}
		if i < len(body) && body[i] != ',' {
			return nil, false
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// EnforceContract fixes up a parsed step list: the opening and cross-reference
// steps are put first, generic arXiv steps not tied to collected items are
// dropped, and the closing step ends the plan. An empty input yields DefaultPlan.
// A closing step the model placed mid-plan is moved to the end, and repeated
// opening, cross-reference or closing steps are dropped, so each appears once.
func EnforceContract(steps []string) []string {
	if len(steps) == 0 {
		return DefaultPlan()
	}
	var list []string
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return DefaultPlan()
	}
	if list[0] != OpeningStep {
		list = append([]string{OpeningStep}, list...)
	}
	if len(list) < 2 || list[1] != CrossReferenceStep {
		rest := list[1:]
		list = []string{OpeningStep, CrossReferenceStep}
		for _, s := range rest {
			if strings.Contains(s, "arXiv") && !strings.Contains(s, "For each collected item") {
				continue
			}
			list = append(list, s)
		}
	}

	out := []string{OpeningStep, CrossReferenceStep}
	for _, s := range list[2:] {
		if s == OpeningStep || s == CrossReferenceStep || s == ClosingStep {
			continue
		}
		out = append(out, s)
	}
	if len(out) > MaxPlanSteps-1 {
		out = out[:MaxPlanSteps-1]
	}
	return append(out, ClosingStep)
}

// TaggedRole reads the leading "<Role> agent:" tag of a step, falling back to
// keyword matching when there is none.
func TaggedRole(step string) Role {
	lower := strings.ToLower(strings.TrimSpace(step))
	for _, r := range []Role{RoleResearch, RoleWriter, RoleEditor} {
		if strings.HasPrefix(lower, string(r)+" agent:") {
			return r
		}
	}
	return KeywordRole(step)
}

// KeywordRole is the best-effort role guess for untagged steps.
func KeywordRole(step string) Role {
	lower := strings.ToLower(step)
	switch {
	case strings.Contains(lower, "research"):
		return RoleResearch
	case strings.Contains(lower, "draft"), strings.Contains(lower, "write"):
		return RoleWriter
	case strings.Contains(lower, "revise"), strings.Contains(lower, "edit"), strings.Contains(lower, "feedback"):
		return RoleEditor
	}
	return ""
}

func normalizeRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "_agent")
	s = strings.TrimSuffix(s, " agent")
	r := Role(s)
	if r.Valid() {
		return r
	}
	return ""
}

