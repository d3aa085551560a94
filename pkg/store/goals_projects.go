package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
)

const goalColumns = `id, organization_id, title, description, status, auto_decomposed,
	target_date, key_results, created_at`

func scanGoal(row pgx.Row) (*model.Goal, error) {
	var g model.Goal
	if err := row.Scan(&g.ID, &g.OrganizationID, &g.Title, &g.Description, &g.Status,
		&g.AutoDecomposed, &g.TargetDate, &g.KeyResults, &g.CreatedAt); err != nil {
		return nil, mapNotFound(err, "scanning goal")
	}
	return &g, nil
}

// CreateGoal inserts a new goal.
func (s *Store) CreateGoal(ctx context.Context, g *model.Goal) (*model.Goal, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO goals (id, organization_id, title, description, status, auto_decomposed,
			target_date, key_results)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+goalColumns,
		g.ID, g.OrganizationID, g.Title, g.Description, g.Status, g.AutoDecomposed,
		g.TargetDate, g.KeyResults,
	)
	return scanGoal(row)
}

// ListUndecomposedGoals returns active goals the Goal Decomposer has
// not yet expanded into projects and tasks.
func (s *Store) ListUndecomposedGoals(ctx context.Context, organizationID string) ([]*model.Goal, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+goalColumns+` FROM goals
		WHERE organization_id = $1 AND auto_decomposed = false AND status = 'active'`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying undecomposed goals: %w", err)
	}
	defer rows.Close()

	var goals []*model.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// MarkGoalDecomposed flips auto_decomposed to true after the Goal Decomposer
// successfully creates at least one project and task from it.
func (s *Store) MarkGoalDecomposed(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE goals SET auto_decomposed = true WHERE id = $1`, id)
	return err
}

const projectColumns = `id, organization_id, goal_id, name, working_directory, integration_branch, repo_owner, repo_name, created_at`

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.GoalID, &p.Name, &p.WorkingDirectory,
		&p.IntegrationBranch, &p.RepoOwner, &p.RepoName, &p.CreatedAt); err != nil {
		return nil, mapNotFound(err, "scanning project")
	}
	return &p, nil
}

// CreateProject inserts a new project, typically one of several produced by
// a single Goal Decomposer run.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) (*model.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.IntegrationBranch == "" {
		p.IntegrationBranch = "main"
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO projects (id, organization_id, goal_id, name, working_directory, integration_branch, repo_owner, repo_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+projectColumns,
		p.ID, p.OrganizationID, p.GoalID, p.Name, p.WorkingDirectory, p.IntegrationBranch, p.RepoOwner, p.RepoName,
	)
	return scanProject(row)
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// ListAllProjects returns every project, for the Scheduler's workspace
// orphan-sweep pass: each project's working directory roots
// its own .git-worktrees tree.
func (s *Store) ListAllProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+projectColumns+` FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("querying all projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
