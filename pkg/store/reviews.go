package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
)

const prColumns = `id, task_id, pr_id, branch, status, created_at, updated_at`

func scanPullRequest(row pgx.Row) (*model.PullRequest, error) {
	var p model.PullRequest
	if err := row.Scan(&p.ID, &p.TaskID, &p.PRID, &p.Branch, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapNotFound(err, "scanning pull request")
	}
	return &p, nil
}

// CreatePullRequest records a review artifact opened for a task.
func (s *Store) CreatePullRequest(ctx context.Context, p *model.PullRequest) (*model.PullRequest, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO pull_requests (id, task_id, pr_id, branch, status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING `+prColumns,
		p.ID, p.TaskID, p.PRID, p.Branch, p.Status,
	)
	return scanPullRequest(row)
}

// SetPullRequestStatus updates a pull request's review status.
func (s *Store) SetPullRequestStatus(ctx context.Context, id string, status model.PullRequestStatus) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE pull_requests SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("updating pull request status: %w", err)
	}
	return nil
}

// GetPullRequestByTask fetches the open pull request for a task, if any.
func (s *Store) GetPullRequestByTask(ctx context.Context, taskID string) (*model.PullRequest, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+prColumns+` FROM pull_requests WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`,
		taskID,
	)
	return scanPullRequest(row)
}

// ListOpenPullRequests returns every pull request still in open status, for
// the Scheduler's merge-notification sweep: each is polled
// against the VCS provider and finalized once merged.
func (s *Store) ListOpenPullRequests(ctx context.Context) ([]*model.PullRequest, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+prColumns+` FROM pull_requests WHERE status = $1`,
		model.PRStatusOpen,
	)
	if err != nil {
		return nil, fmt.Errorf("querying open pull requests: %w", err)
	}
	defer rows.Close()

	var prs []*model.PullRequest
	for rows.Next() {
		p, err := scanPullRequest(rows)
		if err != nil {
			return nil, err
		}
		prs = append(prs, p)
	}
	return prs, rows.Err()
}

const approvalColumns = `id, kind, task_id, agent_id, reason, status, metadata, created_at, updated_at`

func scanApproval(row pgx.Row) (*model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	if err := row.Scan(&a.ID, &a.Kind, &a.TaskID, &a.AgentID, &a.Reason, &a.Status,
		&a.Metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapNotFound(err, "scanning approval request")
	}
	return &a, nil
}

// CreateApprovalRequest surfaces a human decision point, used by the
// Escalator at escalation level 5.
func (s *Store) CreateApprovalRequest(ctx context.Context, a *model.ApprovalRequest) (*model.ApprovalRequest, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO approval_requests (id, kind, task_id, agent_id, reason, status, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+approvalColumns,
		a.ID, a.Kind, a.TaskID, a.AgentID, a.Reason, a.Status, a.Metadata,
	)
	return scanApproval(row)
}

// ListPendingApprovals returns approval requests awaiting a human decision,
// for the Scheduler's escalation-timeout driver.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*model.ApprovalRequest, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests WHERE status = $1`,
		model.ApprovalPending,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveApproval records a human decision on a pending approval request.
func (s *Store) ResolveApproval(ctx context.Context, id string, status model.ApprovalStatus) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE approval_requests SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	return err
}
