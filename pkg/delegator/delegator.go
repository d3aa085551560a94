// Package delegator spawns bounded-depth temporary agents when the
// Orchestrator Cycle detects a task too complex for one agent, reusing
// the Distributor's subtask specification shape for each spawned
// child's work item.
package delegator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/store"
)

// SubtaskSpec is one unit of work handed to a freshly spawned temporary
// agent, shaped like the Distributor's per-subtask output.
type SubtaskSpec struct {
	Title         string
	Description   string
	Type          model.TaskType
	RoleName      string
	Priority      model.TaskPriority
	AffectedFiles []string
}

// Spawned pairs a newly created temporary agent with the task it was
// spawned to execute.
type Spawned struct {
	Agent *model.Agent
	Task  *model.Task
}

// Delegator creates and retires temporary agents under a permanent parent.
type Delegator struct {
	store *store.Store
}

// New returns a Delegator.
func New(s *store.Store) *Delegator {
	return &Delegator{store: s}
}

// Delegate spawns one temporary agent per spec under parent, each assigned a
// subtask of parentTask. parent must be a root (depth 0) agent — only
// permanent agents may delegate.
func (d *Delegator) Delegate(ctx context.Context, parent *model.Agent, parentTask *model.Task, specs []SubtaskSpec) ([]Spawned, error) {
	if parent.Depth != 0 {
		return nil, orcherr.New(orcherr.KindDepthExceeded, "delegator.Delegate",
			fmt.Sprintf("agent %s at depth %d cannot delegate: only depth-0 agents may spawn temporary agents", parent.ID, parent.Depth))
	}
	if len(specs) == 0 {
		return nil, orcherr.New(orcherr.KindFatal, "delegator.Delegate", "no subtask specs provided")
	}

	roles, err := d.store.ListTemporaryCapableRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing temporary-capable roles: %w", err)
	}

	spawned := make([]Spawned, 0, len(specs))
	for _, spec := range specs {
		role := matchRole(roles, spec.RoleName)
		if role == nil {
			return nil, orcherr.New(orcherr.KindParseError, "delegator.Delegate",
				fmt.Sprintf("no temporary-capable role matches %q", spec.RoleName))
		}

		if spec.Type == "" {
			spec.Type = model.TaskStandard
		}
		if spec.Priority == "" {
			spec.Priority = model.PriorityP3
		}

		taskID := uuid.NewString()
		agent, err := d.store.CreateAgent(ctx, &model.Agent{
			OrganizationID:   parent.OrganizationID,
			TeamID:           parent.TeamID,
			Name:             fmt.Sprintf("%s-temp-%s", parent.Name, shortSuffix(taskID)),
			Status:           model.AgentIdle,
			Lifecycle:        model.LifecycleTemporary,
			Depth:            model.MaxAgentDepth,
			ManagerID:        &parent.ID,
			RoleID:           role.ID,
			CreatedByAgentID: &parent.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("spawning temporary agent for subtask %q: %w", spec.Title, err)
		}

		task, err := d.store.CreateTask(ctx, &model.Task{
			ID:              taskID,
			Title:           spec.Title,
			Description:     spec.Description,
			Type:            spec.Type,
			Status:          model.StatusReady,
			Priority:        spec.Priority,
			Depth:           parentTask.Depth + 1,
			ProjectID:       parentTask.ProjectID,
			AffectedFiles:   spec.AffectedFiles,
			AssignedAgentID: &agent.ID,
			ParentTaskID:    &parentTask.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("creating delegated subtask %q: %w", spec.Title, err)
		}

		spawned = append(spawned, Spawned{Agent: agent, Task: task})
	}

	return spawned, nil
}

// Retire soft-deletes a temporary agent once all of its subtasks have
// reached a terminal status.
func (d *Delegator) Retire(ctx context.Context, agentID string) error {
	return d.store.RetireAgent(ctx, agentID)
}

// AllSubtasksTerminal reports whether every subtask is completed, failed, or
// cancelled — the trigger condition for retiring a temporary agent.
func AllSubtasksTerminal(subtasks []*model.Task) bool {
	for _, t := range subtasks {
		switch t.Status {
		case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
			continue
		default:
			return false
		}
	}
	return true
}

func matchRole(roles []*model.Role, name string) *model.Role {
	for _, r := range roles {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func shortSuffix(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
