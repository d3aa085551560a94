// Package reviewer applies the review-mode decision a reviewing agent
// returns for a ready_for_review task: complete, rework,
// add_tasks, or redirect — with a reviewCount safety cap that forces
// escalation once a parent has been reviewed maxReview times.
package reviewer

import (
	"context"
	"fmt"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/store"
)

// Action is the reviewer-returned decision kind.
type Action string

const (
	ActionComplete Action = "complete"
	ActionRework   Action = "rework"
	ActionAddTasks Action = "add_tasks"
	ActionRedirect Action = "redirect"
)

// NewTaskSpec describes a subtask the add_tasks or redirect decision wants
// created under the parent.
type NewTaskSpec struct {
	Title         string
	Description   string
	Type          model.TaskType
	Priority      model.TaskPriority
	AffectedFiles []string
}

// Decision is the parsed review-mode response.
type Decision struct {
	Action    Action
	Reasoning string
	Targets   []string // subtask IDs the decision acts on (rework, redirect)
	NewTasks  []NewTaskSpec
}

// Reviewer applies review decisions to a parent task and its children.
type Reviewer struct {
	store     *store.Store
	maxReview int
}

// New returns a Reviewer. maxReview defaults to 3.
func New(s *store.Store, maxReview int) *Reviewer {
	if maxReview <= 0 {
		maxReview = 3
	}
	return &Reviewer{store: s, maxReview: maxReview}
}

// Apply applies decision to parent, returning true if the parent reached a
// terminal outcome this call (complete) and false otherwise. An unknown
// action or a reviewCount over maxReview returns a KindQualityGate error so
// the caller escalates instead of applying the decision.
func (r *Reviewer) Apply(ctx context.Context, parent *model.Task, decision Decision) (bool, error) {
	count, err := r.store.IncrementReviewCount(ctx, parent.ID)
	if err != nil {
		return false, fmt.Errorf("incrementing review count: %w", err)
	}
	if count > r.maxReview {
		return false, orcherr.New(orcherr.KindQualityGate, "reviewer.Apply",
			fmt.Sprintf("parent %s exceeded maxReview (%d)", parent.ID, r.maxReview))
	}

	switch decision.Action {
	case ActionComplete:
		return true, r.complete(ctx, parent)
	case ActionRework:
		return false, r.rework(ctx, decision)
	case ActionAddTasks:
		return false, r.addTasks(ctx, parent, decision.NewTasks)
	case ActionRedirect:
		return false, r.redirect(ctx, parent, decision)
	default:
		return false, orcherr.New(orcherr.KindQualityGate, "reviewer.Apply",
			fmt.Sprintf("unknown review action %q", decision.Action))
	}
}

// complete marks parent completed and retires any temporary children.
func (r *Reviewer) complete(ctx context.Context, parent *model.Task) error {
	if err := r.store.CompleteTask(ctx, parent.ID); err != nil {
		return fmt.Errorf("completing parent %s: %w", parent.ID, err)
	}

	children, err := r.store.ListChildTasks(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("listing children of %s: %w", parent.ID, err)
	}
	for _, child := range children {
		if child.AssignedAgentID == nil {
			continue
		}
		agent, err := r.store.GetAgent(ctx, *child.AssignedAgentID)
		if err != nil {
			return fmt.Errorf("fetching agent %s: %w", *child.AssignedAgentID, err)
		}
		if agent.IsTemporary() {
			if err := r.store.RetireAgent(ctx, agent.ID); err != nil {
				return fmt.Errorf("retiring temporary agent %s: %w", agent.ID, err)
			}
		}
	}
	return nil
}

// rework resets every targeted subtask to ready with reviewer guidance
// appended to its description; the parent is left pending by the caller.
func (r *Reviewer) rework(ctx context.Context, decision Decision) error {
	for _, targetID := range decision.Targets {
		target, err := r.store.GetTask(ctx, targetID)
		if err != nil {
			return fmt.Errorf("fetching rework target %s: %w", targetID, err)
		}
		if err := r.store.AppendTaskDescription(ctx, targetID, "Reviewer guidance: "+decision.Reasoning); err != nil {
			return fmt.Errorf("annotating rework target %s: %w", targetID, err)
		}
		if err := r.store.UpdateTaskStatus(ctx, targetID, target.Status, model.StatusReady); err != nil {
			return fmt.Errorf("resetting rework target %s to ready: %w", targetID, err)
		}
	}
	return nil
}

// addTasks creates fresh subtasks under parent; the parent is left pending.
func (r *Reviewer) addTasks(ctx context.Context, parent *model.Task, specs []NewTaskSpec) error {
	for _, spec := range specs {
		if spec.Type == "" {
			spec.Type = model.TaskStandard
		}
		if spec.Priority == "" {
			spec.Priority = model.PriorityP3
		}
		if _, err := r.store.CreateTask(ctx, &model.Task{
			Title:         spec.Title,
			Description:   spec.Description,
			Type:          spec.Type,
			Status:        model.StatusReady,
			Priority:      spec.Priority,
			Depth:         parent.Depth + 1,
			ProjectID:     parent.ProjectID,
			AffectedFiles: spec.AffectedFiles,
			ParentTaskID:  &parent.ID,
		}); err != nil {
			return fmt.Errorf("creating reviewer-added subtask %q: %w", spec.Title, err)
		}
	}
	return nil
}

// redirect cancels decision.Targets and creates decision.NewTasks as
// replacements; the parent is left pending.
func (r *Reviewer) redirect(ctx context.Context, parent *model.Task, decision Decision) error {
	for _, targetID := range decision.Targets {
		if err := r.store.CancelTask(ctx, targetID); err != nil {
			return fmt.Errorf("cancelling redirected target %s: %w", targetID, err)
		}
	}
	return r.addTasks(ctx, parent, decision.NewTasks)
}

// AllChildrenCompleted reports whether every child of a parent has reached
// completed — the condition gating the atomic ready_for_review transition.
func AllChildrenCompleted(children []*model.Task) bool {
	for _, c := range children {
		if c.Status != model.StatusCompleted {
			return false
		}
	}
	return true
}
