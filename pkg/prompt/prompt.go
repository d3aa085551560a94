// Package prompt composes the six-layer agent prompt: organization
// context, team context, role prompt, agent persona, knowledge injection,
// and task context — or, in review mode, a children enumeration demanding a
// structured decision. Composition is plain strings.Builder layering with
// a standard/review split.
package prompt

import (
	"fmt"
	"strings"

	"github.com/agentmesh/orchestrator/pkg/model"
)

// TaskInput is everything layer 6 (standard mode) needs to describe the unit
// of work.
type TaskInput struct {
	Title             string
	Description       string
	AcceptanceCriteria []string
	AffectedFiles     []string
	Dependencies      []string
}

// ChildSummary is one line of the review-mode children enumeration.
type ChildSummary struct {
	TaskID  string
	Status  model.TaskStatus
	Summary string
}

// Composer builds the layered prompt for an agent turn.
type Composer struct{}

// NewComposer returns a ready-to-use Composer.
func NewComposer() *Composer {
	return &Composer{}
}

// Compose builds the standard six-layer prompt.
func (c *Composer) Compose(org, team, role, persona, knowledgeBlock string, task TaskInput) string {
	var sb strings.Builder

	writeLayer(&sb, "Organization context", org)
	writeLayer(&sb, "Team context", team)
	writeLayer(&sb, "Role", role)
	if persona != "" {
		writeLayer(&sb, "Agent persona", persona)
	}
	if knowledgeBlock != "" {
		writeLayer(&sb, "Knowledge", knowledgeBlock)
	}
	writeLayer(&sb, "Task", formatTask(task))

	return strings.TrimRight(sb.String(), "\n")
}

// ComposeReview builds the review-mode prompt: layers 1-5 unchanged, layer 6
// replaced by a children enumeration and a demand for a structured decision.
func (c *Composer) ComposeReview(org, team, role, persona, knowledgeBlock string, children []ChildSummary) string {
	var sb strings.Builder

	writeLayer(&sb, "Organization context", org)
	writeLayer(&sb, "Team context", team)
	writeLayer(&sb, "Role", role)
	if persona != "" {
		writeLayer(&sb, "Agent persona", persona)
	}
	if knowledgeBlock != "" {
		writeLayer(&sb, "Knowledge", knowledgeBlock)
	}
	writeLayer(&sb, "Children", formatChildren(children))
	sb.WriteString(reviewDecisionInstructions)

	return strings.TrimRight(sb.String(), "\n")
}

func writeLayer(sb *strings.Builder, heading, body string) {
	if body == "" {
		return
	}
	sb.WriteString("## ")
	sb.WriteString(heading)
	sb.WriteString("\n\n")
	sb.WriteString(body)
	sb.WriteString("\n\n")
}

func formatTask(t TaskInput) string {
	var sb strings.Builder
	sb.WriteString(t.Title)
	sb.WriteString("\n\n")
	sb.WriteString(t.Description)
	if len(t.AcceptanceCriteria) > 0 {
		sb.WriteString("\n\nAcceptance criteria:\n")
		for _, a := range t.AcceptanceCriteria {
			sb.WriteString("- ")
			sb.WriteString(a)
			sb.WriteString("\n")
		}
	}
	if len(t.AffectedFiles) > 0 {
		sb.WriteString("\nAffected files:\n")
		for _, f := range t.AffectedFiles {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	if len(t.Dependencies) > 0 {
		sb.WriteString("\nDependencies:\n")
		for _, d := range t.Dependencies {
			sb.WriteString("- ")
			sb.WriteString(d)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatChildren(children []ChildSummary) string {
	var sb strings.Builder
	for _, c := range children {
		sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", c.Status, c.TaskID, c.Summary))
	}
	return strings.TrimRight(sb.String(), "\n")
}

const reviewDecisionInstructions = `Respond with a JSON object shaped exactly:
{"action": "complete|rework|add_tasks|redirect", "reasoning": "...", "targets": ["..."], "newTasks": [...]}
`
