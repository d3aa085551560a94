// Package vcsprovider is the external VCS-provider boundary for the
// pull-request lifecycle API; git worktree commands are run by pkg/workspace.
// The default PullRequestClient talks to the GitHub REST API directly over
// net/http rather than pulling in a full SDK for a handful of endpoints.
package vcsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentmesh/orchestrator/pkg/model"
)

// ReviewDecision is the submitReview verdict a Reviewer or automated review
// agent passes to SubmitReview.
type ReviewDecision string

const (
	ReviewApprove           ReviewDecision = "approve"
	ReviewChangesRequested  ReviewDecision = "changes_requested"
)

// PullRequestClient is the pull-request lifecycle API the orchestrator consumes.
type PullRequestClient interface {
	Create(ctx context.Context, owner, repo, branch, base, title, body string) (*model.PullRequest, error)
	Get(ctx context.Context, owner, repo, prID string) (*model.PullRequest, error)
	SubmitReview(ctx context.Context, owner, repo, prID string, decision ReviewDecision, comment string) error
	Merge(ctx context.Context, owner, repo, prID string) error
}

// GitHubPullRequestClient implements PullRequestClient against the GitHub
// REST API.
type GitHubPullRequestClient struct {
	httpClient *http.Client
	token      string
}

// NewGitHubPullRequestClient returns a client authenticated with token.
func NewGitHubPullRequestClient(token string) *GitHubPullRequestClient {
	return &GitHubPullRequestClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
	}
}

type githubPR struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// Create opens a pull request from branch into base.
func (c *GitHubPullRequestClient) Create(ctx context.Context, owner, repo, branch, base, title, body string) (*model.PullRequest, error) {
	payload, err := json.Marshal(map[string]string{
		"title": title,
		"body":  body,
		"head":  branch,
		"base":  base,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling pull request payload: %w", err)
	}

	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls", owner, repo)
	var pr githubPR
	if err := c.do(ctx, http.MethodPost, url, bytes.NewReader(payload), &pr); err != nil {
		return nil, err
	}

	return &model.PullRequest{
		PRID:   fmt.Sprintf("%d", pr.Number),
		Branch: branch,
		Status: model.PRStatusOpen,
	}, nil
}

// Get fetches current pull request state.
func (c *GitHubPullRequestClient) Get(ctx context.Context, owner, repo, prID string) (*model.PullRequest, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%s", owner, repo, prID)
	var pr githubPR
	if err := c.do(ctx, http.MethodGet, url, nil, &pr); err != nil {
		return nil, err
	}
	return &model.PullRequest{
		PRID:   prID,
		Branch: pr.Head.Ref,
		Status: mapGitHubState(pr.State),
	}, nil
}

// SubmitReview posts an approve or changes_requested review.
func (c *GitHubPullRequestClient) SubmitReview(ctx context.Context, owner, repo, prID string, decision ReviewDecision, comment string) error {
	event := "APPROVE"
	if decision == ReviewChangesRequested {
		event = "REQUEST_CHANGES"
	}
	payload, err := json.Marshal(map[string]string{"event": event, "body": comment})
	if err != nil {
		return fmt.Errorf("marshaling review payload: %w", err)
	}
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%s/reviews", owner, repo, prID)
	return c.do(ctx, http.MethodPost, url, bytes.NewReader(payload), nil)
}

// Merge merges a pull request.
func (c *GitHubPullRequestClient) Merge(ctx context.Context, owner, repo, prID string) error {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls/%s/merge", owner, repo, prID)
	return c.do(ctx, http.MethodPut, url, nil, nil)
}

func (c *GitHubPullRequestClient) do(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s returned HTTP %d: %s", method, url, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mapGitHubState(state string) model.PullRequestStatus {
	switch state {
	case "closed":
		return model.PRStatusClosed
	case "merged":
		return model.PRStatusMerged
	default:
		return model.PRStatusOpen
	}
}
