package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ameureka/ai-deepresearch-agent/internal/agent/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Executor runs one plan step against the agent for its role.
type Executor struct {
	agents map[Role]Agent
	logger *log.Logger
}

func NewExecutor(agents ...Agent) *Executor {
	e := &Executor{
		agents: make(map[Role]Agent, len(agents)),
		logger: log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
	}
	for _, a := range agents {
		if a != nil {
			e.agents[a.Role()] = a
		}
	}
	return e
}

// StepInput is everything a step needs besides the step itself.
type StepInput struct {
	Topic   string
	History []HistoryEntry
	Model   string
	Costs   *telemetry.CostTracker
}

// ResolveRole picks the role for step: the planner tag when valid, otherwise
// keyword matching on the description.
func ResolveRole(step PlanStep) (Role, error) {
	if step.Role.Valid() {
		return step.Role, nil
	}
	if r := KeywordRole(step.Description); r.Valid() {
		return r, nil
	}
	return "", &UnknownStepError{Step: step.Description}
}

// BuildContext renders the topic and prior step outputs into the prompt for
// the next step.
func BuildContext(topic string, history []HistoryEntry, next string) string {
	var b strings.Builder
	b.WriteString("User prompt:\n")
	b.WriteString(topic)
	b.WriteString("\n\nHistory:\n")
	for i, h := range history {
		desc := strings.ToLower(h.Step)
		var tag string
		switch {
		case strings.Contains(desc, "draft") || h.Role == RoleWriter:
			tag = "[draft]"
		case strings.Contains(desc, "feedback") || h.Role == RoleEditor:
			tag = "[feedback]"
		case strings.Contains(desc, "research") || h.Role == RoleResearch:
			tag = "[research]"
		default:
			tag = "[other]"
		}
		if tag == "[other]" {
			fmt.Fprintf(&b, "\n%s (step %d) by %s:\n%s\n", tag, i+1, h.Role.AgentName(), strings.TrimSpace(h.Output))
			continue
		}
		fmt.Fprintf(&b, "\n%s (step %d):\n%s\n", tag, i+1, strings.TrimSpace(h.Output))
	}
	b.WriteString("\nNext task:\n")
	b.WriteString(next)
	return b.String()
}

// RunStep executes step and returns its history entry. An unresolvable step
// fails with ErrUnknownStep; an agent reporting a model error fails with
// ErrModelFailure.
func (e *Executor) RunStep(ctx context.Context, step PlanStep, in StepInput) (HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "executor.RunStep")
	defer span.End()
	span.SetAttributes(attribute.String("step", step.Description))

	role, err := ResolveRole(step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown step")
		return HistoryEntry{}, err
	}
	agent, ok := e.agents[role]
	if !ok {
		err := fmt.Errorf("no agent registered for role %s: %w", role, &UnknownStepError{Step: step.Description})
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown step")
		return HistoryEntry{}, err
	}
	span.SetAttributes(attribute.String("role", string(role)))

	task := BuildContext(in.Topic, in.History, step.Description)
	e.logger.Printf("running %s for step: %s", role.AgentName(), truncate(step.Description, 120))
	out, err := agent.Run(ctx, AgentRequest{
		Prompt:  task,
		Topic:   in.Topic,
		Step:    step.Description,
		Model:   in.Model,
		Costs:   in.Costs,
		History: in.History,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent failed")
		return HistoryEntry{}, fmt.Errorf("%s: %w", role.AgentName(), err)
	}
	if msg, failed := ParseModelError(out.Content); failed {
		err := fmt.Errorf("%s: %w: %s", role.AgentName(), ErrModelFailure, msg)
		span.RecordError(err)
		span.SetStatus(codes.Error, "model failure")
		return HistoryEntry{}, err
	}
	return HistoryEntry{
		Step:    step.Description,
		Task:    task,
		Role:    role,
		Output:  out.Content,
		Model:   out.Model,
		Sources: out.Sources,
		Items:   out.Items,
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
