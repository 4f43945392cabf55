// Package forge talks to the issue/PR provider. Failures are classified for
// the stage runner: rate limits and server trouble are recoverable, auth and
// permission problems are fatal.
package forge

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/devhive/internal/agent"
	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/config"
)

// Provider is what the orchestrator needs from the forge.
type Provider interface {
	// FetchIssue resolves an issue reference ("owner/repo#123") to its text.
	FetchIssue(ctx context.Context, ref string) (*assemble.Ticket, error)

	// OpenPullRequest publishes a task's diff and returns the PR reference.
	// The head branch is devhive/task-<taskID>; the execution environment
	// that applied the change is expected to have pushed it before the task
	// completes. The diff also travels in the PR body.
	OpenPullRequest(ctx context.Context, taskID, ref, diff, description string) (string, error)

	// PostComment adds a comment to the referenced issue.
	PostComment(ctx context.Context, ref, text string) error
}

// Client is the GitHub-backed Provider.
type Client struct {
	gh *github.Client
}

// NewClient creates a GitHub client with token authentication. An enterprise
// base URL may be supplied for self-hosted installations.
func NewClient(ctx context.Context, cfg config.ForgeConfig) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("forge token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	gh := github.NewClient(tc)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("forge base url: %w", err)
		}
	}
	return &Client{gh: gh}, nil
}

// FetchIssue implements Provider.
func (c *Client) FetchIssue(ctx context.Context, ref string) (*assemble.Ticket, error) {
	owner, repo, number, err := parseRef(ref)
	if err != nil {
		return nil, agent.Fatalf("issue ref %q: %v", ref, err)
	}

	issue, resp, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify(err, resp, "fetch issue "+ref)
	}

	ticket := &assemble.Ticket{
		Title: issue.GetTitle(),
		Body:  issue.GetBody(),
	}

	comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err != nil {
		return nil, classify(err, resp, "fetch comments for "+ref)
	}
	for _, comment := range comments {
		ticket.Comments = append(ticket.Comments, comment.GetBody())
	}
	return ticket, nil
}

// OpenPullRequest implements Provider. The head branch devhive/task-<taskID>
// must already exist on the remote: pushing it is owned by the execution
// environment that applied the change, not by this client. GitHub rejects the
// create with a 422 when the branch is missing, which classifies as fatal and
// is reported on the issue. The diff is attached to the PR body either way.
func (c *Client) OpenPullRequest(ctx context.Context, taskID, ref, diff, description string) (string, error) {
	owner, repo, number, err := parseRef(ref)
	if err != nil {
		return "", agent.Fatalf("issue ref %q: %v", ref, err)
	}

	branch := "devhive/task-" + taskID
	title := fmt.Sprintf("devhive: resolve #%d", number)
	body := description + "\n\nCloses #" + strconv.Itoa(number) + "\n\n```diff\n" + diff + "\n```"

	pr, resp, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String("main"),
		Body:  github.String(body),
	})
	if err != nil {
		return "", classify(err, resp, "open pull request for "+ref)
	}
	return fmt.Sprintf("%s/%s#%d", owner, repo, pr.GetNumber()), nil
}

// PostComment implements Provider.
func (c *Client) PostComment(ctx context.Context, ref, text string) error {
	owner, repo, number, err := parseRef(ref)
	if err != nil {
		return agent.Fatalf("issue ref %q: %v", ref, err)
	}
	_, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(text),
	})
	if err != nil {
		return classify(err, resp, "post comment on "+ref)
	}
	return nil
}

// parseRef splits "owner/repo#123".
func parseRef(ref string) (owner, repo string, number int, err error) {
	slash := strings.IndexByte(ref, '/')
	hash := strings.LastIndexByte(ref, '#')
	if slash <= 0 || hash <= slash+1 || hash == len(ref)-1 {
		return "", "", 0, fmt.Errorf("want owner/repo#number")
	}
	number, err = strconv.Atoi(ref[hash+1:])
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("bad issue number %q", ref[hash+1:])
	}
	return ref[:slash], ref[slash+1:hash], number, nil
}

// classify maps a GitHub API failure onto the stage error taxonomy.
func classify(err error, resp *github.Response, op string) error {
	code := 0
	if resp != nil && resp.Response != nil {
		code = resp.StatusCode
	}

	switch code {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity:
		return agent.Fatalf("%s: %v", op, err)
	case http.StatusForbidden:
		// 403 with rate headers is a secondary rate limit, otherwise it is a
		// permission problem.
		if resp.Rate.Limit > 0 {
			return agent.Recoverablef("%s: rate limited: %v", op, err)
		}
		return agent.Fatalf("%s: %v", op, err)
	case http.StatusTooManyRequests:
		return agent.Recoverablef("%s: rate limited: %v", op, err)
	}
	if code >= 500 {
		return agent.Recoverablef("%s: server error %d: %v", op, code, err)
	}
	// No response at all means network trouble.
	return agent.Recoverablef("%s: %v", op, err)
}
