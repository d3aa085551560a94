// Package goal implements the Goal Decomposer: it expands a
// human-authored Goal into one or more Projects and their initial Tasks,
// reusing the Process Runner and Prompt Composer contract the
// Distributor follows for its own LLM-driven decomposition.
package goal

import (
	"context"
	"fmt"

	"github.com/agentmesh/orchestrator/pkg/llmprovider"
	"github.com/agentmesh/orchestrator/pkg/llmresponse"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/prompt"
	"github.com/agentmesh/orchestrator/pkg/store"
)

// ProposedTask is one entry of a proposed project's initial task list.
type ProposedTask struct {
	Title         string
	Description   string
	Type          model.TaskType
	Priority      model.TaskPriority
	AffectedFiles []string
}

// ProposedProject is one entry of the LLM's goal-decomposition response.
type ProposedProject struct {
	Name             string
	WorkingDirectory string
	Tasks            []ProposedTask
}

// Decomposer expands goals into projects and tasks.
type Decomposer struct {
	store *store.Store
}

// New returns a Decomposer.
func New(s *store.Store) *Decomposer {
	return &Decomposer{store: s}
}

// Decompose validates and applies a goal decomposition: at least one
// project, each with at least one task, or the whole call fails as a
// ParseError and leaves goal.AutoDecomposed false so the next Decompose
// tick retries it.
func (d *Decomposer) Decompose(ctx context.Context, g *model.Goal, proposal []ProposedProject) ([]*model.Project, error) {
	if len(proposal) == 0 {
		return nil, orcherr.New(orcherr.KindParseError, "goal.Decompose",
			fmt.Sprintf("goal %s decomposition produced zero projects", g.ID))
	}
	for _, p := range proposal {
		if len(p.Tasks) == 0 {
			return nil, orcherr.New(orcherr.KindParseError, "goal.Decompose",
				fmt.Sprintf("project %q in goal %s decomposition has zero tasks", p.Name, g.ID))
		}
	}

	created := make([]*model.Project, 0, len(proposal))
	for _, p := range proposal {
		project, err := d.store.CreateProject(ctx, &model.Project{
			OrganizationID:   g.OrganizationID,
			GoalID:           &g.ID,
			Name:             p.Name,
			WorkingDirectory: p.WorkingDirectory,
		})
		if err != nil {
			return nil, fmt.Errorf("creating project %q for goal %s: %w", p.Name, g.ID, err)
		}

		for _, t := range p.Tasks {
			if t.Type == "" {
				t.Type = model.TaskStandard
			}
			if t.Priority == "" {
				t.Priority = model.PriorityP3
			}
			if _, err := d.store.CreateTask(ctx, &model.Task{
				Title:         t.Title,
				Description:   t.Description,
				Type:          t.Type,
				Status:        model.StatusReady,
				Priority:      t.Priority,
				Depth:         0,
				ProjectID:     project.ID,
				AffectedFiles: t.AffectedFiles,
			}); err != nil {
				return nil, fmt.Errorf("creating task %q in project %s: %w", t.Title, project.ID, err)
			}
		}

		created = append(created, project)
	}

	if err := d.store.MarkGoalDecomposed(ctx, g.ID); err != nil {
		return nil, fmt.Errorf("marking goal %s decomposed: %w", g.ID, err)
	}

	return created, nil
}

// Runner composes the goal-decomposition prompt, invokes the LLM, parses its
// JSON proposal, and applies it through Decompose — the piece the
// Scheduler's Decompose driver calls per undecomposed goal, the same
// way the Orchestrator Cycle invokes the Distributor for a team_epic.
type Runner struct {
	decomposer *Decomposer
	prompts    *prompt.Composer
	llm        llmprovider.Provider
	llmCommand string
	llmArgs    []string
	llmTimeoutMs int
}

// NewRunner returns a Runner wired to an existing Decomposer, Prompt
// Composer, and LLM provider. llmCommand/llmArgs/llmTimeoutMs populate every
// Invoke call this Runner makes — without a positive llmTimeoutMs the
// Process Runner rejects the request outright.
func NewRunner(d *Decomposer, prompts *prompt.Composer, llm llmprovider.Provider, llmCommand string, llmArgs []string, llmTimeoutMs int) *Runner {
	if llmCommand == "" {
		llmCommand = "claude"
	}
	if llmTimeoutMs <= 0 {
		llmTimeoutMs = 600000
	}
	return &Runner{decomposer: d, prompts: prompts, llm: llm, llmCommand: llmCommand, llmArgs: llmArgs, llmTimeoutMs: llmTimeoutMs}
}

// Run decomposes g end to end. A non-JSON LLM response is a ParseError; on
// either that or a validation failure from Decompose, g.AutoDecomposed stays
// false so the next Decompose tick retries it.
func (r *Runner) Run(ctx context.Context, g *model.Goal) ([]*model.Project, error) {
	promptText := r.prompts.Compose("", "", "Goal Decomposer", "", "", prompt.TaskInput{
		Title:        g.Title,
		Description:  g.Description,
		Dependencies: g.KeyResults,
	})
	resp, err := r.llm.Invoke(ctx, llmprovider.Request{
		Command:   r.llmCommand,
		Args:      r.llmArgs,
		TimeoutMs: r.llmTimeoutMs,
		Input:     promptText,
	})
	if err != nil {
		return nil, fmt.Errorf("invoking goal-decomposition LLM for goal %s: %w", g.ID, err)
	}
	parsed := llmresponse.Parse(resp.Stdout)
	if !parsed.HasJSON {
		return nil, orcherr.New(orcherr.KindParseError, "goal.Runner.Run",
			fmt.Sprintf("goal %s decomposition response was not JSON", g.ID))
	}
	return r.decomposer.Decompose(ctx, g, proposalFromJSON(parsed.JSON))
}

func proposalFromJSON(m map[string]any) []ProposedProject {
	raw, _ := m["projects"].([]any)
	out := make([]ProposedProject, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, ProposedProject{
			Name:             stringField(entry, "name"),
			WorkingDirectory: stringField(entry, "workingDirectory"),
			Tasks:            tasksFromJSON(entry),
		})
	}
	return out
}

func tasksFromJSON(entry map[string]any) []ProposedTask {
	raw, _ := entry["tasks"].([]any)
	out := make([]ProposedTask, 0, len(raw))
	for _, item := range raw {
		t, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, ProposedTask{
			Title:         stringField(t, "title"),
			Description:   stringField(t, "description"),
			Type:          model.TaskType(stringField(t, "type")),
			Priority:      model.TaskPriority(stringField(t, "priority")),
			AffectedFiles: stringSliceField(t, "affectedFiles"),
		})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
