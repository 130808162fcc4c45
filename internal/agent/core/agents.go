package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/ameureka/ai-deepresearch-agent/internal/sources"
	"github.com/ameureka/ai-deepresearch-agent/provider"
)

const genericModelFailure = "the model backend is unavailable"

// ResearchAgent retrieves sources for the topic, ranks them against the step
// and asks the model to synthesise findings.
type ResearchAgent struct {
	caller     *Caller
	sources    *sources.Set
	fetcher    sources.Fetcher
	model      string
	maxResults int
	topK       int
	fetchTop   int
	logger     *log.Logger
	now        func() time.Time
}

type ResearchOption func(*ResearchAgent)

// WithFetcher enables page fetching for the top n ranked records.
func WithFetcher(f sources.Fetcher, n int) ResearchOption {
	return func(a *ResearchAgent) {
		a.fetcher = f
		a.fetchTop = n
	}
}

func WithMaxResults(n int) ResearchOption {
	return func(a *ResearchAgent) {
		if n > 0 {
			a.maxResults = n
		}
	}
}

func WithEvidenceTopK(k int) ResearchOption {
	return func(a *ResearchAgent) {
		if k > 0 {
			a.topK = k
		}
	}
}

func NewResearchAgent(caller *Caller, set *sources.Set, model string, opts ...ResearchOption) *ResearchAgent {
	if set == nil {
		set = sources.NewSet()
	}
	a := &ResearchAgent{
		caller:     caller,
		sources:    set,
		model:      model,
		maxResults: sources.DefaultMaxResults,
		topK:       8,
		logger:     log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ResearchAgent) Role() Role { return RoleResearch }

func (a *ResearchAgent) Run(ctx context.Context, req AgentRequest) (AgentOutput, error) {
	model := pickModel(req.Model, a.model)
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		topic = req.Step
	}
	tools, queries, perQuery := a.queryPlan(req, topic)

	var (
		results []sources.Result
		records []sources.Record
	)
	for _, q := range queries {
		for _, res := range tools.Query(ctx, q, perQuery) {
			results = append(results, res)
			records = append(records, res.Records...)
		}
	}
	ranked, err := sources.Rank(records, req.Step+" "+topic, a.topK)
	if err != nil {
		a.logger.Printf("evidence ranking failed, using retrieval order: %v", err)
		ranked = nil
		for _, r := range records {
			if !r.Failed() {
				ranked = append(ranked, r)
			}
		}
	}
	ranked = sources.Enrich(ctx, a.fetcher, ranked, a.fetchTop)
	var failed []sources.Record
	for _, r := range records {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	evidence := sources.Format(append(ranked, failed...))

	res, err := a.caller.Complete(ctx, CallRequest{
		Agent:       RoleResearch.AgentName(),
		Model:       model,
		Prompt:      researchPrompt(a.now(), tools.Names(), evidence, req.Prompt),
		Temperature: provider.Temperature(0),
		Chunk:       true,
		Costs:       req.Costs,
	})
	if err != nil {
		a.logger.Printf("research model call failed: %v", err)
		return AgentOutput{Content: ModelErrorMarker(genericModelFailure), Model: res.Model}, nil
	}

	content := res.Content
	var b strings.Builder
	for _, r := range results {
		if r.OK() {
			fmt.Fprintf(&b, "- %s(query=%q, max_results=%d)\n", r.Tool, r.Query, r.MaxResults)
		}
	}
	if b.Len() > 0 {
		content += "\n\n## Tools used\n" + strings.TrimRight(b.String(), "\n")
	}
	return AgentOutput{
		Content:    content,
		Model:      res.Model,
		Sources:    sources.URLs(ranked),
		Items:      titles(ranked),
		Transcript: res.Transcript,
	}, nil
}

// queryPlan picks the tools and queries for a step. A step that names tools
// only runs those; a step that works through "each" collected item searches
// once per title gathered by earlier research steps.
func (a *ResearchAgent) queryPlan(req AgentRequest, topic string) (*sources.Set, []string, int) {
	tools := a.sources.Mentioned(req.Step)
	if tools.Len() == 0 {
		tools = a.sources
	}
	if !perItem(req.Step) {
		return tools, []string{topic}, a.maxResults
	}
	items := collectedItems(req.History, a.maxResults)
	if len(items) == 0 {
		return tools, []string{topic}, a.maxResults
	}
	return tools, items, perItemResults
}

const perItemResults = 2

func perItem(step string) bool {
	words := strings.FieldsFunc(strings.ToLower(step), func(r rune) bool { return !unicode.IsLetter(r) })
	for _, w := range words {
		if w == "each" {
			return true
		}
	}
	return false
}

// collectedItems returns up to n distinct titles from earlier research steps.
func collectedItems(history []HistoryEntry, n int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, h := range history {
		if h.Role != RoleResearch {
			continue
		}
		for _, it := range h.Items {
			key := strings.ToLower(strings.TrimSpace(it))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, strings.TrimSpace(it))
			if len(out) == n {
				return out
			}
		}
	}
	return out
}

func titles(records []sources.Record) []string {
	var out []string
	for _, r := range records {
		if t := strings.TrimSpace(r.Title); t != "" && !r.Failed() {
			out = append(out, t)
		}
	}
	return out
}

// TextAgent is a single-prompt role such as the writer or editor.
type TextAgent struct {
	role   Role
	system string
	caller *Caller
	model  string
	logger *log.Logger
}

func NewWriterAgent(caller *Caller, model string) *TextAgent {
	return &TextAgent{role: RoleWriter, system: writerSystemPrompt, caller: caller, model: model,
		logger: log.New(log.Writer(), "[AGENT] ", log.LstdFlags)}
}

func NewEditorAgent(caller *Caller, model string) *TextAgent {
	return &TextAgent{role: RoleEditor, system: editorSystemPrompt, caller: caller, model: model,
		logger: log.New(log.Writer(), "[AGENT] ", log.LstdFlags)}
}

func (a *TextAgent) Role() Role { return a.role }

func (a *TextAgent) Run(ctx context.Context, req AgentRequest) (AgentOutput, error) {
	res, err := a.caller.Complete(ctx, CallRequest{
		Agent:       a.role.AgentName(),
		Model:       pickModel(req.Model, a.model),
		System:      a.system,
		Prompt:      req.Prompt,
		Temperature: provider.Temperature(0),
		Chunk:       true,
		Costs:       req.Costs,
	})
	if err != nil {
		a.logger.Printf("%s model call failed: %v", a.role.AgentName(), err)
		return AgentOutput{Content: ModelErrorMarker(genericModelFailure), Model: res.Model}, nil
	}
	return AgentOutput{Content: res.Content, Model: res.Model, Transcript: res.Transcript}, nil
}

func pickModel(override, fallback string) string {
	if m := strings.TrimSpace(override); m != "" {
		return m
	}
	return fallback
}
