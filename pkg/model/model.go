// Package model defines the domain entities of the orchestrator:
// organizations, teams, agents, roles, tasks, goals, projects, pull
// requests, approval requests, and documents. These are plain data structs —
// persistence lives in pkg/store, not on the types themselves.
package model

import "time"

// AgentStatus is the lifecycle status of a worker agent.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentWorking   AgentStatus = "working"
	AgentReviewing AgentStatus = "reviewing"
	AgentPaused    AgentStatus = "paused"
	AgentBlocked   AgentStatus = "blocked"
	AgentError     AgentStatus = "error"
)

// AgentLifecycle distinguishes human-provisioned agents from agents spawned
// dynamically by the Delegator.
type AgentLifecycle string

const (
	LifecyclePermanent AgentLifecycle = "permanent"
	LifecycleTemporary AgentLifecycle = "temporary"
)

// TaskType classifies a task's place in the hierarchy.
type TaskType string

const (
	TaskStandard  TaskType = "standard"
	TaskEpic      TaskType = "epic"
	TaskBug       TaskType = "bug"
	TaskSpike     TaskType = "spike"
	TaskTeamEpic  TaskType = "team_epic"
)

// TaskPriority is the pull-ordering priority class.
type TaskPriority string

const (
	PriorityP1 TaskPriority = "P1"
	PriorityP2 TaskPriority = "P2"
	PriorityP3 TaskPriority = "P3"
	PriorityP4 TaskPriority = "P4"
)

// TaskStatus is a position in the task status lattice.
type TaskStatus string

const (
	StatusPending         TaskStatus = "pending"
	StatusReady           TaskStatus = "ready"
	StatusInProgress      TaskStatus = "in_progress"
	StatusInReview        TaskStatus = "in_review"
	StatusReadyForReview  TaskStatus = "ready_for_review"
	StatusCompleted       TaskStatus = "completed"
	StatusBlocked         TaskStatus = "blocked"
	StatusFailed          TaskStatus = "failed"
	StatusCancelled       TaskStatus = "cancelled"
)

// MaxTaskDepth is the inclusive upper bound on Task.Depth.
const MaxTaskDepth = 3

// MaxAgentDepth is the inclusive upper bound on Agent.Depth (Open Question (b)).
const MaxAgentDepth = 1

// Organization owns the autonomous-execution flags and budget thresholds that
// gate every scheduler driver and the Escalator/budget error class.
type Organization struct {
	ID                          string
	Name                        string
	Mission                     string
	AutonomousExecutionEnabled  bool
	EmergencyStopReason         *string
	MaxConcurrentAgents         int
	DailyBudgetCents            *int64
	MonthlyBudgetCents          *int64
	AlertPercent                int
	StopPercent                 int
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// Team groups agents under an optional manager and an optional parent team,
// forming a DAG rooted at the organization.
type Team struct {
	ID             string
	OrganizationID string
	Name           string
	Charter        string
	ManagerAgentID *string
	ParentTeamID   *string
	CreatedAt      time.Time
}

// Role is a named capability set an agent or a required-skill list refers to.
type Role struct {
	ID                         string
	Name                       string
	Capabilities               []string
	AvailableForTemporaryAgent bool
	SystemPrompt               string
}

// Agent is a long-lived logical worker.
type Agent struct {
	ID               string
	OrganizationID   string
	TeamID           *string
	Name             string
	Status           AgentStatus
	Lifecycle        AgentLifecycle
	Depth            int
	ManagerID        *string
	RoleID           string
	CurrentTaskID    *string
	Persona          *string
	CreatedByAgentID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsTemporary reports whether this agent was spawned by the Delegator.
func (a *Agent) IsTemporary() bool { return a.Lifecycle == LifecycleTemporary }

// Task is the unit of executable work.
type Task struct {
	ID                    string
	Title                 string
	Description           string
	Type                  TaskType
	Status                TaskStatus
	Priority              TaskPriority
	Depth                 int
	ProjectID             string
	AffectedFiles         []string
	RequiredSkills        []string
	Tags                  []string
	AssignedAgentID       *string
	AssignedTeamID        *string
	ParentTaskID          *string
	RetryCount            int
	ReviewCount           int
	RequiresHumanApproval bool
	BlockedBy             []string
	NextAttemptAt         *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	ErrorMessage          *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Goal is a human-authored objective that the Goal Decomposer expands
// into projects and tasks.
type Goal struct {
	ID             string
	OrganizationID string
	Title          string
	Description    string
	Status         string
	AutoDecomposed bool
	TargetDate     *time.Time
	KeyResults     []string
	CreatedAt      time.Time
}

// Project groups tasks under a single VCS working directory. RepoOwner and
// RepoName locate the hosted repository the pull-request lifecycle talks to.
type Project struct {
	ID                string
	OrganizationID    string
	GoalID            *string
	Name              string
	WorkingDirectory  string
	IntegrationBranch string
	RepoOwner         string
	RepoName          string
	CreatedAt         time.Time
}

// PullRequestStatus is the lifecycle status of a review artifact.
type PullRequestStatus string

const (
	PRStatusOpen             PullRequestStatus = "open"
	PRStatusApproved         PullRequestStatus = "approved"
	PRStatusChangesRequested PullRequestStatus = "changes_requested"
	PRStatusMerged           PullRequestStatus = "merged"
	PRStatusClosed           PullRequestStatus = "closed"
)

// PullRequest binds a task to its review artifact.
type PullRequest struct {
	ID        string
	TaskID    string
	PRID      string
	Branch    string
	Status    PullRequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApprovalKind classifies why a human approval is required.
type ApprovalKind string

const (
	ApprovalEscalation   ApprovalKind = "escalation"
	ApprovalCostOverride ApprovalKind = "cost_override"
	ApprovalQuality      ApprovalKind = "quality"
	ApprovalArchitectural ApprovalKind = "architectural"
)

// ApprovalStatus is the human decision state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is surfaced to a human for out-of-band resolution.
type ApprovalRequest struct {
	ID        string
	Kind      ApprovalKind
	TaskID    string
	AgentID   *string
	Reason    string
	Status    ApprovalStatus
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentScope is the hierarchy level a Document is visible at.
type DocumentScope string

const (
	ScopeOrganization DocumentScope = "organization"
	ScopeTeam         DocumentScope = "team"
	ScopeProject      DocumentScope = "project"
	ScopeAgent        DocumentScope = "agent"
)

// Document is a long-term memory entry consumed only by the Knowledge
// Injector.
type Document struct {
	ID         string
	Scope      DocumentScope
	ScopeID    string
	Keywords   []string
	Importance int
	Title      string
	Content    string
	CreatedAt  time.Time
}
