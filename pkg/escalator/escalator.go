// Package escalator implements the five-level recovery ladder. Each level
// either resolves (returns success) or promotes to the next; level 4
// broadcasts to the organization's Slack channel.
package escalator

import (
	"context"
	"fmt"
	"math"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/store"
)

// Level identifies a rung of the escalation ladder.
type Level int

const (
	LevelSelfResolve       Level = 1
	LevelTeamCollaboration Level = 2
	LevelTeamLeader        Level = 3
	LevelOrganization      Level = 4
	LevelHumanApproval     Level = 5
)

// Slack is the subset of slack-go/slack the Escalator needs for its level-4
// organization broadcast.
type Slack interface {
	PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error)
}

// Escalator drives a failing task up the recovery ladder until a level
// resolves it or level 5 hands it to a human.
type Escalator struct {
	store         *store.Store
	slack         Slack
	slackChannel  string
	maxRetry      int
	level3Timeout time.Duration
}

// New returns an Escalator. slack may be nil (level-4 broadcast disabled).
// level3Timeout bounds how long a task may sit at level 3 awaiting a team
// leader decision before teamLeader promotes it to level 4 instead of
// resolving again, covering leader inaction beyond the timeout. A
// non-positive value falls back to 24 hours.
func New(s *store.Store, slack Slack, slackChannel string, maxRetry int, level3Timeout time.Duration) *Escalator {
	if level3Timeout <= 0 {
		level3Timeout = 24 * time.Hour
	}
	return &Escalator{store: s, slack: slack, slackChannel: slackChannel, maxRetry: maxRetry, level3Timeout: level3Timeout}
}

// StartingLevel determines the level at which escalation begins for a task:
// P1-criticality tasks start at ≥4, a missing task starts at 5, everything
// else starts at 1.
func StartingLevel(task *model.Task) Level {
	if task == nil {
		return LevelHumanApproval
	}
	if task.Priority == model.PriorityP1 {
		return LevelOrganization
	}
	return LevelSelfResolve
}

// Backoff returns min(60, 2^n) minutes for level-1 retries. Exported so the
// Orchestrator Cycle's quality-gate retry path schedules the same delay.
func Backoff(retryCount int) time.Duration {
	minutes := math.Min(60, math.Pow(2, float64(retryCount)))
	return time.Duration(minutes) * time.Minute
}

// ApprovalKindForError maps a failure's orcherr.Kind to the ApprovalRequest
// kind it should surface if escalation falls all the way to level 5: a
// ParseError, QualityGate, or DependencyCycle failure is a quality-class
// failure, everything else defaults to a plain escalation.
func ApprovalKindForError(err error) model.ApprovalKind {
	if orcherr.Is(err, orcherr.KindParseError) || orcherr.Is(err, orcherr.KindQualityGate) || orcherr.Is(err, orcherr.KindDependencyCycle) {
		return model.ApprovalQuality
	}
	return model.ApprovalEscalation
}

// Escalate drives task through the ladder starting at level, returning the
// level that ultimately resolved it (or LevelHumanApproval if it fell all
// the way through). kind is the ApprovalRequest kind recorded if escalation
// reaches level 5 (callers pass model.ApprovalQuality for
// ParseError/QualityGate originated failures, model.ApprovalEscalation
// otherwise).
func (e *Escalator) Escalate(ctx context.Context, task *model.Task, level Level, kind model.ApprovalKind, reason string) (Level, error) {
	for l := level; l <= LevelHumanApproval; l++ {
		resolved, err := e.tryLevel(ctx, task, l, kind, reason)
		if err != nil {
			return l, err
		}
		if resolved {
			return l, nil
		}
	}
	return LevelHumanApproval, nil
}

func (e *Escalator) tryLevel(ctx context.Context, task *model.Task, level Level, kind model.ApprovalKind, reason string) (bool, error) {
	switch level {
	case LevelSelfResolve:
		return e.selfResolve(ctx, task)
	case LevelTeamCollaboration:
		return e.teamCollaboration(ctx, task, reason)
	case LevelTeamLeader:
		return e.teamLeader(ctx, task, reason)
	case LevelOrganization:
		return e.organization(ctx, task, reason)
	case LevelHumanApproval:
		return true, e.humanApproval(ctx, task, kind, reason)
	default:
		return false, orcherr.New(orcherr.KindFatal, "escalator.tryLevel", "unknown escalation level")
	}
}

// selfResolve resets the task to ready with a bumped retry counter and a
// next attempt scheduled now + Backoff(retryCount), promoting once
// retryCount reaches maxRetry. The task keeps its assignment so the same
// agent retries it through the pull path's direct class.
func (e *Escalator) selfResolve(ctx context.Context, task *model.Task) (bool, error) {
	if task.RetryCount >= e.maxRetry {
		return false, nil
	}
	if err := e.store.ScheduleTaskRetry(ctx, task.ID, time.Now().Add(Backoff(task.RetryCount))); err != nil {
		return false, fmt.Errorf("self-resolve retry scheduling: %w", err)
	}
	return true, nil
}

// teamCollaboration clears the agent assignment so another available
// teammate can pick the task up, annotating the handoff. It promotes when
// the failing agent has no team or no other teammate is currently available.
// A team_epic never reaches an individual teammate and always promotes —
// its assignedTeamId must survive every rung of the ladder.
func (e *Escalator) teamCollaboration(ctx context.Context, task *model.Task, reason string) (bool, error) {
	if task.Type == model.TaskTeamEpic || task.AssignedAgentID == nil {
		return false, nil
	}
	agent, err := e.store.GetAgent(ctx, *task.AssignedAgentID)
	if err != nil {
		return false, fmt.Errorf("team collaboration agent lookup: %w", err)
	}
	if agent.TeamID == nil {
		return false, nil
	}
	teammates, err := e.store.ListAgentsByTeam(ctx, *agent.TeamID)
	if err != nil {
		return false, fmt.Errorf("team collaboration roster lookup: %w", err)
	}
	if !hasAvailableTeammate(teammates, agent.ID) {
		return false, nil
	}

	if err := e.store.AppendTaskDescription(ctx, task.ID, "Escalation: reassign-from "+agent.Name+": "+reason); err != nil {
		return false, fmt.Errorf("team collaboration annotation: %w", err)
	}
	if err := e.store.ReleaseTask(ctx, task.ID); err != nil {
		return false, fmt.Errorf("team collaboration release: %w", err)
	}
	return true, nil
}

// hasAvailableTeammate reports whether any agent other than excludeID is
// idle and able to take over — level 2's available-teammate requirement,
// kept pure for unit testing.
func hasAvailableTeammate(teammates []*model.Agent, excludeID string) bool {
	for _, a := range teammates {
		if a.ID != excludeID && a.Status == model.AgentIdle {
			return true
		}
	}
	return false
}

// teamLeaderShouldPromote reports whether a task already waiting at level 3
// (in_review) has sat past timeout since its last update — the pure time
// comparison teamLeader's promotion check delegates to.
func teamLeaderShouldPromote(status model.TaskStatus, updatedAt, now time.Time, timeout time.Duration) bool {
	return status == model.StatusInReview && now.Sub(updatedAt) >= timeout
}

// teamLeader marks the task in_review with an annotation requesting a
// leader decision. A task already in_review that has waited past
// level3Timeout promotes to level 4 instead of resolving again (leader
// inaction beyond the timeout).
func (e *Escalator) teamLeader(ctx context.Context, task *model.Task, reason string) (bool, error) {
	if teamLeaderShouldPromote(task.Status, task.UpdatedAt, time.Now(), e.level3Timeout) {
		return false, nil
	}
	if task.Status == model.StatusInReview {
		return true, nil
	}
	if err := e.store.AppendTaskDescription(ctx, task.ID, "Escalation: team leader decision requested: "+reason); err != nil {
		return false, fmt.Errorf("team leader annotation: %w", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.StatusInReview); err != nil {
		return false, fmt.Errorf("team leader transition: %w", err)
	}
	return true, nil
}

// organization marks the task blocked and broadcasts to the organization's
// Slack channel.
func (e *Escalator) organization(ctx context.Context, task *model.Task, reason string) (bool, error) {
	if err := e.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.StatusBlocked); err != nil {
		return false, fmt.Errorf("organization escalation: %w", err)
	}
	e.broadcast(ctx, task, reason)
	return true, nil
}

// humanApproval always resolves by creating an ApprovalRequest and blocking
// the task pending a human decision.
func (e *Escalator) humanApproval(ctx context.Context, task *model.Task, kind model.ApprovalKind, reason string) error {
	if kind == "" {
		kind = model.ApprovalEscalation
	}
	if _, err := e.store.CreateApprovalRequest(ctx, &model.ApprovalRequest{
		Kind:    kind,
		TaskID:  task.ID,
		AgentID: task.AssignedAgentID,
		Reason:  reason,
		Status:  model.ApprovalPending,
	}); err != nil {
		return fmt.Errorf("creating approval request: %w", err)
	}
	if err := e.store.MarkTaskRequiresHumanApproval(ctx, task.ID); err != nil {
		return fmt.Errorf("flagging task for human approval: %w", err)
	}
	if err := e.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.StatusBlocked); err != nil {
		return fmt.Errorf("blocking task for human approval: %w", err)
	}
	return nil
}

// QualityHold records an ApprovalRequest and flags the task as requiring
// human approval without moving it through the ladder or changing its
// status — a team_epic whose decomposition was rejected stays pending while
// a human reviews it (the subtask-count ceiling and the review-budget
// force-escalate).
func (e *Escalator) QualityHold(ctx context.Context, task *model.Task, kind model.ApprovalKind, reason string) error {
	if kind == "" {
		kind = model.ApprovalQuality
	}
	if _, err := e.store.CreateApprovalRequest(ctx, &model.ApprovalRequest{
		Kind:    kind,
		TaskID:  task.ID,
		AgentID: task.AssignedAgentID,
		Reason:  reason,
		Status:  model.ApprovalPending,
	}); err != nil {
		return fmt.Errorf("creating quality-hold approval request: %w", err)
	}
	if err := e.store.MarkTaskRequiresHumanApproval(ctx, task.ID); err != nil {
		return fmt.Errorf("flagging task for human approval: %w", err)
	}
	return nil
}

func (e *Escalator) broadcast(ctx context.Context, task *model.Task, reason string) {
	if e.slack == nil {
		return
	}
	text := fmt.Sprintf(":rotating_light: Task %s escalated to organization level: %s", task.ID, reason)
	_, _, _ = e.slack.PostMessageContext(ctx, e.slackChannel, goslack.MsgOptionText(text, false))
}
