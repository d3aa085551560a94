// Package pool implements the Task Pool's pullNextTask: a
// five-class priority scan, a file-conflict filter, and an atomic
// compare-and-set claim with bounded retry on lost races.
package pool

import (
	"context"
	"time"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/store"
)

// AgentView is the subset of agent/team state pullNextTask needs to
// evaluate priority classes 2-4.
type AgentView struct {
	AgentID      string
	TeamID       *string
	Capabilities []string
}

// Pool pulls and releases tasks on behalf of the Orchestrator Cycle.
type Pool struct {
	store               *store.Store
	fileAffinityWindow  time.Duration
	maxClaimRetries     int
}

// New returns a Pool backed by s.
func New(s *store.Store, fileAffinityWindow time.Duration, maxClaimRetries int) *Pool {
	if maxClaimRetries <= 0 {
		maxClaimRetries = 5
	}
	return &Pool{store: s, fileAffinityWindow: fileAffinityWindow, maxClaimRetries: maxClaimRetries}
}

// PullNext scans priority classes 0-4 in order and attempts to atomically
// claim the first eligible, non-conflicting candidate. It retries up to
// maxClaimRetries times if a claim races with another agent.
func (p *Pool) PullNext(ctx context.Context, agent AgentView) (*model.Task, error) {
	for attempt := 0; attempt < p.maxClaimRetries; attempt++ {
		candidate, expectedStatus, isReviewDue, err := p.nextCandidate(ctx, agent)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, store.ErrNoTaskAvailable
		}
		if isReviewDue {
			// Review-due tasks route straight back to the caller without an
			// in_progress claim; the Orchestrator Cycle hands them to the
			// Reviewer instead of executing them.
			return candidate, nil
		}

		claimed, err := p.store.ClaimSpecificTask(ctx, candidate.ID, agent.AgentID, expectedStatus)
		if err == nil {
			return claimed, nil
		}
		if err != store.ErrNoTaskAvailable {
			return nil, err
		}
		// Lost the race — another agent claimed it first; retry the pull.
	}
	return nil, orcherr.New(orcherr.KindTransient, "pool.PullNext", "exhausted claim retries")
}

// nextCandidate walks the five priority classes and returns the first
// candidate not excluded by the file-conflict filter.
func (p *Pool) nextCandidate(ctx context.Context, agent AgentView) (*model.Task, model.TaskStatus, bool, error) {
	reviewDue, err := p.store.ListReviewDueTasks(ctx, agent.AgentID)
	if err != nil {
		return nil, "", false, err
	}
	if len(reviewDue) > 0 {
		return reviewDue[0], "", true, nil
	}

	inProgressFiles, err := p.store.InProgressAffectedFiles(ctx)
	if err != nil {
		return nil, "", false, err
	}

	direct, err := p.store.ListDirectTasks(ctx, agent.AgentID)
	if err != nil {
		return nil, "", false, err
	}
	if t := firstNonConflicting(direct, inProgressFiles); t != nil {
		return t, t.Status, false, nil
	}

	recentFiles, err := p.store.RecentlyCompletedAffectedFiles(ctx, agent.AgentID, p.fileAffinityWindow)
	if err != nil {
		return nil, "", false, err
	}
	affinity, err := p.store.ListFileAffinityTasks(ctx, recentFiles)
	if err != nil {
		return nil, "", false, err
	}
	if t := firstNonConflicting(affinity, inProgressFiles); t != nil {
		return t, model.StatusReady, false, nil
	}

	if agent.TeamID != nil {
		teamTasks, err := p.store.ListTeamUnassignedTasks(ctx, *agent.TeamID)
		if err != nil {
			return nil, "", false, err
		}
		if t := firstNonConflicting(teamTasks, inProgressFiles); t != nil {
			return t, model.StatusReady, false, nil
		}
	}

	roleTasks, err := p.store.ListRoleMatchTasks(ctx, agent.Capabilities)
	if err != nil {
		return nil, "", false, err
	}
	if t := firstNonConflicting(roleTasks, inProgressFiles); t != nil {
		return t, model.StatusReady, false, nil
	}

	return nil, "", false, nil
}

func firstNonConflicting(candidates []*model.Task, excludeFiles []string) *model.Task {
	for _, t := range candidates {
		if !filesConflict(t.AffectedFiles, excludeFiles) {
			return t
		}
	}
	return nil
}

func filesConflict(candidate, locked []string) bool {
	if len(locked) == 0 {
		return false
	}
	lockedSet := make(map[string]struct{}, len(locked))
	for _, f := range locked {
		lockedSet[f] = struct{}{}
	}
	for _, f := range candidate {
		if _, ok := lockedSet[f]; ok {
			return true
		}
	}
	return false
}

// Release reverts a task to ready, clearing its assignment — used on
// retryable failures.
func (p *Pool) Release(ctx context.Context, taskID string) error {
	return p.store.ReleaseTask(ctx, taskID)
}
