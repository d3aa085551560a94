// Package distributor decomposes a team_epic task into subtasks assigned
// across the team's roster: LLM-proposed subtasks validated for
// size and an acyclic dependency graph, then assigned by lowest current
// workload with file-affinity and name as tie-breakers.
package distributor

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/store"
)

const (
	minSubtasks = 3
	maxSubtasks = 7
)

// ProposedSubtask is one entry of the LLM's decomposition response.
type ProposedSubtask struct {
	Title         string
	Description   string
	Type          model.TaskType
	RoleID        string
	Dependencies  []string // titles of other ProposedSubtask entries
	Priority      model.TaskPriority
	AffectedFiles []string
}

// RosterMember is a team agent eligible to receive a subtask, with the
// workload snapshot the assignment tie-break needs.
type RosterMember struct {
	AgentID          string
	Name             string
	Capabilities     []string
	InProgressCount  int
	RecentFiles      []string
}

// Distributor validates and applies team_epic decompositions.
type Distributor struct {
	store *store.Store
}

// New returns a Distributor.
func New(s *store.Store) *Distributor {
	return &Distributor{store: s}
}

// Decompose validates subtasks against the decomposition constraints, builds them
// under epic with dependency titles resolved to pre-generated task IDs,
// assigns each to a roster member, and hands the whole batch to the store's
// single-transaction create-and-start primitive — either all subtasks exist
// and the epic is in_progress, or neither. roster must be non-empty
// and every subtask's RoleID must be satisfiable by at least one member's
// Capabilities.
func (d *Distributor) Decompose(ctx context.Context, epic *model.Task, roster []RosterMember, subtasks []ProposedSubtask) ([]*model.Task, error) {
	if len(subtasks) < minSubtasks || len(subtasks) > maxSubtasks {
		return nil, orcherr.New(orcherr.KindParseError, "distributor.Decompose",
			fmt.Sprintf("expected %d-%d subtasks, got %d", minSubtasks, maxSubtasks, len(subtasks)))
	}
	if err := validateAcyclic(subtasks); err != nil {
		return nil, err
	}
	if err := validateRolesReachable(roster, subtasks); err != nil {
		return nil, err
	}

	workload := make(map[string]int, len(roster))
	for _, m := range roster {
		workload[m.AgentID] = m.InProgressCount
	}

	titleToID := make(map[string]string, len(subtasks))
	for _, p := range subtasks {
		titleToID[p.Title] = uuid.NewString()
	}

	created := make([]*model.Task, 0, len(subtasks))
	for _, p := range subtasks {
		blockedBy := make([]string, 0, len(p.Dependencies))
		for _, depTitle := range p.Dependencies {
			if id, ok := titleToID[depTitle]; ok {
				blockedBy = append(blockedBy, id)
			}
		}

		assignee := selectAssignee(roster, workload, p)
		if assignee == nil {
			return nil, orcherr.New(orcherr.KindParseError, "distributor.Decompose",
				fmt.Sprintf("no roster member can satisfy role %q for subtask %q", p.RoleID, p.Title))
		}
		workload[assignee.AgentID]++

		status := model.StatusPending
		if len(blockedBy) == 0 {
			status = model.StatusReady
		}
		if p.Priority == "" {
			p.Priority = model.PriorityP3
		}
		created = append(created, &model.Task{
			ID:              titleToID[p.Title],
			Title:           p.Title,
			Description:     p.Description,
			Type:            p.Type,
			Status:          status,
			Priority:        p.Priority,
			Depth:           epic.Depth + 1,
			ProjectID:       epic.ProjectID,
			AffectedFiles:   p.AffectedFiles,
			RequiredSkills:  []string{p.RoleID},
			AssignedAgentID: &assignee.AgentID,
			ParentTaskID:    &epic.ID,
			BlockedBy:       blockedBy,
		})
	}

	if err := d.store.CreateSubtasksAndStartEpic(ctx, epic.ID, epic.Status, created); err != nil {
		return nil, fmt.Errorf("applying decomposition of epic %s: %w", epic.ID, err)
	}
	return created, nil
}

// validateAcyclic runs Kahn's algorithm over the subtask dependency graph
// (edges by title); a non-empty remainder after the sort means a cycle.
func validateAcyclic(subtasks []ProposedSubtask) error {
	indegree := make(map[string]int, len(subtasks))
	edges := make(map[string][]string, len(subtasks))
	for _, p := range subtasks {
		if _, ok := indegree[p.Title]; !ok {
			indegree[p.Title] = 0
		}
	}
	for _, p := range subtasks {
		for _, dep := range p.Dependencies {
			edges[dep] = append(edges[dep], p.Title)
			indegree[p.Title]++
		}
	}

	queue := make([]string, 0)
	for title, deg := range indegree {
		if deg == 0 {
			queue = append(queue, title)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(indegree) {
		return orcherr.New(orcherr.KindDependencyCycle, "distributor.validateAcyclic",
			"subtask dependency graph contains a cycle")
	}
	return nil
}

func validateRolesReachable(roster []RosterMember, subtasks []ProposedSubtask) error {
	for _, p := range subtasks {
		reachable := false
		for _, m := range roster {
			if hasCapability(m.Capabilities, p.RoleID) {
				reachable = true
				break
			}
		}
		if !reachable {
			return orcherr.New(orcherr.KindParseError, "distributor.validateRolesReachable",
				fmt.Sprintf("role %q unreachable from team roster", p.RoleID))
		}
	}
	return nil
}

// selectAssignee picks the roster member with the lowest current load among
// those capable of RoleID, tie-broken by file-affinity overlap then by
// agent-name lexicographic order for determinism.
func selectAssignee(roster []RosterMember, workload map[string]int, p ProposedSubtask) *RosterMember {
	var candidates []RosterMember
	for _, m := range roster {
		if hasCapability(m.Capabilities, p.RoleID) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := workload[candidates[i].AgentID], workload[candidates[j].AgentID]
		if li != lj {
			return li < lj
		}
		ai := fileOverlapCount(candidates[i].RecentFiles, p.AffectedFiles)
		aj := fileOverlapCount(candidates[j].RecentFiles, p.AffectedFiles)
		if ai != aj {
			return ai > aj
		}
		return candidates[i].Name < candidates[j].Name
	})

	return &candidates[0]
}

func hasCapability(capabilities []string, roleID string) bool {
	for _, c := range capabilities {
		if c == roleID {
			return true
		}
	}
	return false
}

func fileOverlapCount(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	count := 0
	for _, f := range b {
		if _, ok := set[f]; ok {
			count++
		}
	}
	return count
}
