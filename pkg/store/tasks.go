package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
)

const taskColumns = `id, title, description, type, status, priority, depth, project_id,
	affected_files, required_skills, tags, assigned_agent_id, assigned_team_id,
	parent_task_id, retry_count, review_count, requires_human_approval, blocked_by,
	next_attempt_at, started_at, completed_at, error_message, created_at, updated_at`

const qualifiedTaskColumns = `t.id, t.title, t.description, t.type, t.status, t.priority, t.depth, t.project_id,
	t.affected_files, t.required_skills, t.tags, t.assigned_agent_id, t.assigned_team_id,
	t.parent_task_id, t.retry_count, t.review_count, t.requires_human_approval, t.blocked_by,
	t.next_attempt_at, t.started_at, t.completed_at, t.error_message, t.created_at, t.updated_at`

// attemptDue guards every pull-eligibility query against tasks whose retry
// backoff has not elapsed yet.
const attemptDue = `(next_attempt_at IS NULL OR next_attempt_at <= now())`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority, &t.Depth, &t.ProjectID,
		&t.AffectedFiles, &t.RequiredSkills, &t.Tags, &t.AssignedAgentID, &t.AssignedTeamID,
		&t.ParentTaskID, &t.RetryCount, &t.ReviewCount, &t.RequiresHumanApproval, &t.BlockedBy,
		&t.NextAttemptAt, &t.StartedAt, &t.CompletedAt, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	return &t, nil
}

// CreateTask inserts a new task, assigning it a fresh UUID if ID is empty.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO tasks (id, title, description, type, status, priority, depth, project_id,
			affected_files, required_skills, tags, assigned_agent_id, assigned_team_id,
			parent_task_id, retry_count, review_count, requires_human_approval, blocked_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING `+taskColumns,
		t.ID, t.Title, t.Description, t.Type, t.Status, t.Priority, t.Depth, t.ProjectID,
		t.AffectedFiles, t.RequiredSkills, t.Tags, t.AssignedAgentID, t.AssignedTeamID,
		t.ParentTaskID, t.RetryCount, t.ReviewCount, t.RequiresHumanApproval, t.BlockedBy,
	)
	return scanTask(row)
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// ErrNoTaskAvailable is returned by ClaimNextTask when no eligible task exists.
var ErrNoTaskAvailable = errors.New("store: no task available to claim")

// ClaimNextTask atomically selects the highest-priority ready task not
// blocked by any in-flight file conflict and assigns it to agentID,
// transitioning it to in_progress: a transaction holding `FOR UPDATE SKIP LOCKED` so
// concurrent callers never double-claim the same row, ordered so P1 tasks
// are pulled before P2/P3/P4 and ties broken FIFO by creation time.
//
// excludeFiles is the set of file paths currently locked by other
// in-progress tasks (the Task Pool's file-conflict filter); a
// candidate task is skipped if any of its AffectedFiles intersects it.
func (s *Store) ClaimNextTask(ctx context.Context, agentID string, excludeFiles []string) (*model.Task, error) {
	var claimed *model.Task
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = $1 AND `+attemptDue+`
			ORDER BY CASE priority
				WHEN 'P1' THEN 1
				WHEN 'P2' THEN 2
				WHEN 'P3' THEN 3
				ELSE 4
			END, created_at ASC
			FOR UPDATE SKIP LOCKED`,
			model.StatusReady,
		)
		if err != nil {
			return fmt.Errorf("querying ready tasks: %w", err)
		}
		defer rows.Close()

		var candidate *model.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			if filesConflict(t.AffectedFiles, excludeFiles) {
				continue
			}
			candidate = t
			break
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating ready tasks: %w", err)
		}
		if candidate == nil {
			return ErrNoTaskAvailable
		}

		now := time.Now()
		row := tx.QueryRow(ctx, `
			UPDATE tasks
			SET status = $1, assigned_agent_id = $2, assigned_team_id = NULL,
				started_at = $3, updated_at = $3
			WHERE id = $4 AND status = $5
			RETURNING `+taskColumns,
			model.StatusInProgress, agentID, now, candidate.ID, model.StatusReady,
		)
		claimed, err = scanTask(row)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNoTaskAvailable
			}
			return fmt.Errorf("claiming task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
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

// ClaimSpecificTask performs the compare-and-set claim of one already-chosen
// candidate task: assignedAgentId := agentID, status := in_progress,
// startedAt := now(), guarded on status = expected. Used by the Task Pool
// once it has picked a candidate from one of the five priority classes; a
// lost race returns ErrNoTaskAvailable so the caller retries the pull.
func (s *Store) ClaimSpecificTask(ctx context.Context, taskID, agentID string, expected model.TaskStatus) (*model.Task, error) {
	now := time.Now()
	row := s.Pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $1, assigned_agent_id = $2, started_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5
		RETURNING `+taskColumns,
		model.StatusInProgress, agentID, now, taskID, expected,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoTaskAvailable
		}
		return nil, fmt.Errorf("claiming specific task: %w", err)
	}
	return t, nil
}

// AssignTask sets a task's assigned_agent_id without touching its status,
// for handing an existing task to an agent out of band (operator seeding,
// tests). The real in_progress transition happens only when the assignee
// pulls the task through the Task Pool's ClaimSpecificTask.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string) (*model.Task, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE tasks SET assigned_agent_id = $1, updated_at = now() WHERE id = $2
		RETURNING `+taskColumns,
		agentID, taskID,
	)
	return scanTask(row)
}

// UpdateTaskStatus transitions a task's status with a compare-and-set guard
// against expectedStatus, so a concurrent transition loses the race instead
// of silently clobbering another writer's update.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, expected, next model.TaskStatus) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		next, id, expected,
	)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s not in expected status %s", ErrNotFound, id, expected)
	}
	return nil
}

// ReleaseTask reverts a claimed task back to ready, clearing its agent
// assignment. The releasing agent's team (if any) takes the task back into
// its backlog so the pull path's team-unassigned class can surface it again.
// Used when an agent dies mid-task or the orchestrator cycle aborts before
// execution.
func (s *Store) ReleaseTask(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1,
			assigned_team_id = COALESCE(assigned_team_id,
				(SELECT team_id FROM agents WHERE agents.id = tasks.assigned_agent_id)),
			assigned_agent_id = NULL,
			started_at = NULL, updated_at = now()
		WHERE id = $2`,
		model.StatusReady, id,
	)
	if err != nil {
		return fmt.Errorf("releasing task: %w", err)
	}
	return nil
}

// ScheduleTaskRetry resets a task to ready with a bumped retry counter and a
// scheduled next attempt, keeping its current assignment so the same agent
// picks it back up — the Escalator's level-1 self-resolve action.
func (s *Store) ScheduleTaskRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, retry_count = retry_count + 1, next_attempt_at = $2,
			started_at = NULL, updated_at = now()
		WHERE id = $3`,
		model.StatusReady, nextAttempt, id,
	)
	if err != nil {
		return fmt.Errorf("scheduling task retry: %w", err)
	}
	return nil
}

// ReleaseTaskForRetry combines ReleaseTask with a retry bump and backoff:
// the agent assignment is cleared (team restored), retry_count incremented,
// and the next attempt deferred — the quality-gate failure path, which
// must count against the retry budget on every failed gate.
func (s *Store) ReleaseTaskForRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, retry_count = retry_count + 1, next_attempt_at = $2,
			assigned_team_id = COALESCE(assigned_team_id,
				(SELECT team_id FROM agents WHERE agents.id = tasks.assigned_agent_id)),
			assigned_agent_id = NULL,
			started_at = NULL, updated_at = now()
		WHERE id = $3`,
		model.StatusReady, nextAttempt, id,
	)
	if err != nil {
		return fmt.Errorf("releasing task for retry: %w", err)
	}
	return nil
}

// MarkTaskRequiresHumanApproval flags a task as waiting on a human decision
// without touching its status — a rejected team_epic decomposition stays
// pending while its ApprovalRequest is open.
func (s *Store) MarkTaskRequiresHumanApproval(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET requires_human_approval = true, updated_at = now() WHERE id = $1`, id)
	return err
}

// AppendTaskDescription appends extra text to a task's description, used by
// the Reviewer's rework decision to attach guidance.
func (s *Store) AppendTaskDescription(ctx context.Context, id, extra string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET description = description || $1, updated_at = now() WHERE id = $2`,
		"\n\n"+extra, id,
	)
	return err
}

// CancelTask marks a task cancelled, used by the Reviewer's redirect
// decision to retire a subset of children.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`,
		model.StatusCancelled, id,
	)
	return err
}

// IncrementReviewCount bumps a parent task's reviewCount and returns the new
// value, the Reviewer's safety counter against the review budget.
func (s *Store) IncrementReviewCount(ctx context.Context, id string) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		UPDATE tasks SET review_count = review_count + 1, updated_at = now()
		WHERE id = $1 RETURNING review_count`, id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing review count: %w", err)
	}
	return count, nil
}

// ListChildTasks returns every direct subtask of parentID, for the
// Reviewer's sibling-completion and children-enumeration needs.
func (s *Store) ListChildTasks(ctx context.Context, parentID string) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = $1 ORDER BY created_at ASC`,
		parentID,
	)
}

// CompleteTask marks a task completed and records the completion timestamp.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = now(), updated_at = now() WHERE id = $2`,
		model.StatusCompleted, id,
	)
	return err
}

// FailTask marks a task failed, recording errMsg and incrementing RetryCount.
func (s *Store) FailTask(ctx context.Context, id, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, error_message = $2, retry_count = retry_count + 1, updated_at = now()
		WHERE id = $3`,
		model.StatusFailed, errMsg, id,
	)
	return err
}

// BlockTask marks an in_progress task blocked with a diagnostic message,
// used by the Scheduler's stuck-sweep driver — distinct from
// FailTask because a stuck task hasn't failed a run, it's simply overdue.
func (s *Store) BlockTask(ctx context.Context, id, reason string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		model.StatusBlocked, reason, id, model.StatusInProgress,
	)
	return err
}

// ListBlockedTasks returns tasks still pending on at least one entry in
// their BlockedBy list, for the Scheduler's dependency-resolution driver.
func (s *Store) ListBlockedTasks(ctx context.Context, projectID string) ([]*model.Task, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = $1 AND status = $2 AND cardinality(blocked_by) > 0`,
		projectID, model.StatusBlocked,
	)
	if err != nil {
		return nil, fmt.Errorf("querying blocked tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UnblockTask clears BlockedBy and raises the task to ready once every
// dependency has completed.
func (s *Store) UnblockTask(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET status = $1, blocked_by = '{}', updated_at = now() WHERE id = $2`,
		model.StatusReady, id,
	)
	return err
}

// ListReviewDueTasks returns tasks in ready_for_review assigned to agentID —
// priority class 0 of the Task Pool's pullNextTask.
func (s *Store) ListReviewDueTasks(ctx context.Context, agentID string) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_agent_id = $1 AND status = $2
		ORDER BY priority ASC, created_at ASC`,
		agentID, model.StatusReadyForReview,
	)
}

// ListDirectTasks returns tasks already assigned to agentID and eligible to
// resume — priority class 1.
func (s *Store) ListDirectTasks(ctx context.Context, agentID string) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_agent_id = $1 AND status IN ($2, $3) AND `+attemptDue+`
		ORDER BY priority ASC, created_at ASC`,
		agentID, model.StatusReady, model.StatusPending,
	)
}

// ListFileAffinityTasks returns unassigned ready tasks whose affected_files
// overlap recentFiles (the files touched by agentID's completions within
// the configured lookback window) — priority class 2.
func (s *Store) ListFileAffinityTasks(ctx context.Context, recentFiles []string) ([]*model.Task, error) {
	if len(recentFiles) == 0 {
		return nil, nil
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND assigned_agent_id IS NULL AND affected_files && $2 AND `+attemptDue+`
		ORDER BY priority ASC, created_at ASC`,
		model.StatusReady, recentFiles,
	)
}

// RecentlyCompletedAffectedFiles returns the affected_files of tasks agentID
// completed within the window, feeding ListFileAffinityTasks.
func (s *Store) RecentlyCompletedAffectedFiles(ctx context.Context, agentID string, window time.Duration) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT affected_files FROM tasks
		WHERE assigned_agent_id = $1 AND status = $2 AND completed_at > $3`,
		agentID, model.StatusCompleted, time.Now().Add(-window),
	)
	if err != nil {
		return nil, fmt.Errorf("querying recently completed files: %w", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var batch []string
		if err := rows.Scan(&batch); err != nil {
			return nil, fmt.Errorf("scanning affected files: %w", err)
		}
		files = append(files, batch...)
	}
	return files, rows.Err()
}

// ListTeamUnassignedTasks returns ready, unassigned, non-team_epic tasks
// belonging to teamID — priority class 3.
func (s *Store) ListTeamUnassignedTasks(ctx context.Context, teamID string) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_team_id = $1 AND assigned_agent_id IS NULL AND status = $2 AND type <> $3 AND `+attemptDue+`
		ORDER BY priority ASC, created_at ASC`,
		teamID, model.StatusReady, model.TaskTeamEpic,
	)
}

// ListRoleMatchTasks returns ready, unassigned tasks whose required_skills
// is a subset of capabilities — priority class 4.
func (s *Store) ListRoleMatchTasks(ctx context.Context, capabilities []string) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND assigned_agent_id IS NULL AND required_skills <@ $2 AND `+attemptDue+`
		ORDER BY priority ASC, created_at ASC`,
		model.StatusReady, capabilities,
	)
}

// InProgressAffectedFiles returns the affected_files of every in_progress
// task, the exclusion set the file-conflict filter checks candidates
// against.
func (s *Store) InProgressAffectedFiles(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT affected_files FROM tasks WHERE status = $1`, model.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("querying in-progress affected files: %w", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var batch []string
		if err := rows.Scan(&batch); err != nil {
			return nil, fmt.Errorf("scanning affected files: %w", err)
		}
		files = append(files, batch...)
	}
	return files, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, sql string, args ...any) ([]*model.Task, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListReviewDueAgentIDs returns the distinct assigned agents of tasks in
// ready_for_review within an organization, for the Scheduler's Review
// driver to dispatch an Orchestrator Cycle per agent.
func (s *Store) ListReviewDueAgentIDs(ctx context.Context, organizationID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT t.assigned_agent_id FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE p.organization_id = $1 AND t.status = $2 AND t.assigned_agent_id IS NOT NULL`,
		organizationID, model.StatusReadyForReview,
	)
	if err != nil {
		return nil, fmt.Errorf("querying review-due agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning review-due agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPendingTeamEpics returns pending team_epic tasks in an organization
// whose team has a manager assigned, for the Scheduler's Team-distribute
// driver.
func (s *Store) ListPendingTeamEpics(ctx context.Context, organizationID string) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+qualifiedTaskColumns+` FROM tasks t
		JOIN projects p ON p.id = t.project_id
		JOIN teams tm ON tm.id = t.assigned_team_id
		WHERE p.organization_id = $1 AND t.status = $2 AND t.type = $3
			AND t.requires_human_approval = false AND tm.manager_agent_id IS NOT NULL`,
		organizationID, model.StatusPending, model.TaskTeamEpic,
	)
}

// ResetInProgressTasksForOrg reverts every in_progress task belonging to
// organizationID back to pending and clears its agent assignment, the
// task-side half of emergency stop.
func (s *Store) ResetInProgressTasksForOrg(ctx context.Context, organizationID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks t SET status = $1, assigned_agent_id = NULL, started_at = NULL, updated_at = now()
		FROM projects p
		WHERE t.project_id = p.id AND p.organization_id = $2 AND t.status = $3`,
		model.StatusPending, organizationID, model.StatusInProgress,
	)
	return err
}

// ListStuckInProgressTasks finds tasks that have been in_progress longer
// than threshold, for the Scheduler's stuck-task driver. A parent
// whose children are still running is legitimately long-lived (a
// distributed epic or a delegation parent waits on its subtasks) and is
// excluded.
func (s *Store) ListStuckInProgressTasks(ctx context.Context, threshold time.Duration) ([]*model.Task, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2
		AND NOT EXISTS (
			SELECT 1 FROM tasks c
			WHERE c.parent_task_id = tasks.id AND c.status NOT IN ($3, $4, $5)
		)`,
		model.StatusInProgress, time.Now().Add(-threshold),
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stuck tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateSubtasksAndStartEpic inserts every subtask and transitions the epic
// from expected to in_progress inside one transaction — either all subtasks
// exist and the epic is in_progress, or neither.
// Each subtask must arrive with its ID, BlockedBy, Status, and assignment
// already computed by the Distributor.
func (s *Store) CreateSubtasksAndStartEpic(ctx context.Context, epicID string, expected model.TaskStatus, subtasks []*model.Task) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		for _, t := range subtasks {
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO tasks (id, title, description, type, status, priority, depth, project_id,
					affected_files, required_skills, tags, assigned_agent_id, assigned_team_id,
					parent_task_id, retry_count, review_count, requires_human_approval, blocked_by)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
				t.ID, t.Title, t.Description, t.Type, t.Status, t.Priority, t.Depth, t.ProjectID,
				t.AffectedFiles, t.RequiredSkills, t.Tags, t.AssignedAgentID, t.AssignedTeamID,
				t.ParentTaskID, t.RetryCount, t.ReviewCount, t.RequiresHumanApproval, t.BlockedBy,
			); err != nil {
				return fmt.Errorf("inserting subtask %q: %w", t.Title, err)
			}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
			model.StatusInProgress, epicID, expected,
		)
		if err != nil {
			return fmt.Errorf("transitioning epic to in_progress: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: epic %s not in expected status %s", ErrNotFound, epicID, expected)
		}
		return nil
	})
}

// RaiseUnblockedTasks promotes pending tasks whose every blocked_by
// dependency has completed to ready (a subtask is raised once its
// dependency list is satisfied). Parents kept pending while awaiting their
// children are excluded by requiring a non-empty dependency list. Returns
// the number of tasks raised.
func (s *Store) RaiseUnblockedTasks(ctx context.Context) (int, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now()
		WHERE status = $2 AND cardinality(blocked_by) > 0
		AND NOT EXISTS (
			SELECT 1 FROM tasks dep
			WHERE dep.id = ANY(tasks.blocked_by) AND dep.status <> $3
		)`,
		model.StatusReady, model.StatusPending, model.StatusCompleted,
	)
	if err != nil {
		return 0, fmt.Errorf("raising unblocked tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountTasksByStatus aggregates task counts per status for an organization,
// the Progress-report driver's payload.
func (s *Store) CountTasksByStatus(ctx context.Context, organizationID string) (map[model.TaskStatus]int, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT t.status, count(*) FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE p.organization_id = $1
		GROUP BY t.status`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("counting tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListStuckInReviewTasks finds tasks that have sat in_review longer than
// threshold awaiting a team leader decision, for the Scheduler's stuck-sweep
// driver to re-drive through the Escalator's level-3 timeout check.
func (s *Store) ListStuckInReviewTasks(ctx context.Context, threshold time.Duration) ([]*model.Task, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND updated_at < $2`,
		model.StatusInReview, time.Now().Add(-threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("querying stuck in_review tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
