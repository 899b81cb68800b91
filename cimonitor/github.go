// Copyright 2026 The Mailroom Authors
// SPDX-License-Identifier: Apache-2.0

package cimonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/mailroom-foundation/mailroom/lib/config"
)

func init() {
	RegisterProvider("github", newGitHubProvider)
}

// githubAPIVersion pins the GitHub REST API version header so
// behavior stays consistent as GitHub evolves the API.
const githubAPIVersion = "2022-11-28"

const githubBaseURL = "https://api.github.com"

// maxResponseBytes bounds API response reads.
const maxResponseBytes = 4 << 20

// GitHubProvider polls GitHub Actions workflow runs.
type GitHubProvider struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
}

func newGitHubProvider(cfg config.CIMonitorConfig) (Provider, error) {
	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github provider: repository must be owner/name, got %q", cfg.Repository)
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("github provider: no token in $%s", cfg.TokenEnv)
	}
	return &GitHubProvider{
		baseURL:    githubBaseURL,
		owner:      owner,
		repo:       repo,
		token:      token,
		httpClient: http.DefaultClient,
	}, nil
}

func (p *GitHubProvider) Name() string { return "GitHub Actions" }

func (p *GitHubProvider) ListRuns(ctx context.Context, filter Filter) ([]Run, error) {
	query := url.Values{}
	if filter.Limit > 0 {
		query.Set("per_page", strconv.Itoa(filter.Limit))
	}
	if filter.Branch != "" {
		query.Set("branch", filter.Branch)
	}
	if filter.Status != "" {
		query.Set("status", githubStatusParam(filter.Status))
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs", p.owner, p.repo)
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var page struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	if err := p.get(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("listing workflow runs for %s/%s: %w", p.owner, p.repo, err)
	}
	runs := make([]Run, 0, len(page.WorkflowRuns))
	for _, raw := range page.WorkflowRuns {
		runs = append(runs, raw.fold())
	}
	return runs, nil
}

func (p *GitHubProvider) GetRun(ctx context.Context, id int64) (Run, error) {
	var raw workflowRun
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", p.owner, p.repo, id)
	if err := p.get(ctx, path, &raw); err != nil {
		return Run{}, fmt.Errorf("getting workflow run %d in %s/%s: %w", id, p.owner, p.repo, err)
	}
	run := raw.fold()

	var jobsPage struct {
		Jobs []workflowJob `json:"jobs"`
	}
	jobsPath := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs", p.owner, p.repo, id)
	if err := p.get(ctx, jobsPath, &jobsPage); err != nil {
		return Run{}, fmt.Errorf("getting jobs for run %d in %s/%s: %w", id, p.owner, p.repo, err)
	}
	run.Jobs = make([]Job, 0, len(jobsPage.Jobs))
	for _, rawJob := range jobsPage.Jobs {
		run.Jobs = append(run.Jobs, rawJob.fold())
	}
	return run, nil
}

func (p *GitHubProvider) get(ctx context.Context, path string, v any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("Authorization", "Bearer "+p.token)
	request.Header.Set("X-GitHub-Api-Version", githubAPIVersion)

	response, err := p.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("github API %s: %s", response.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// workflowRun is the GitHub wire shape, folded into the neutral Run.
type workflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
	HTMLURL    string `json:"html_url"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func (r workflowRun) fold() Run {
	return Run{
		ID:         r.ID,
		Name:       r.Name,
		Status:     foldStatus(r.Status),
		Conclusion: foldConclusion(r.Conclusion),
		HeadBranch: r.HeadBranch,
		HeadSHA:    r.HeadSHA,
		URL:        r.HTMLURL,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type workflowJob struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Conclusion string         `json:"conclusion"`
	Steps      []workflowStep `json:"steps"`
}

func (j workflowJob) fold() Job {
	job := Job{
		ID:         j.ID,
		Name:       j.Name,
		Status:     foldStatus(j.Status),
		Conclusion: foldConclusion(j.Conclusion),
	}
	for _, step := range j.Steps {
		job.Steps = append(job.Steps, Step{
			Name:       step.Name,
			Status:     foldStatus(step.Status),
			Conclusion: foldConclusion(step.Conclusion),
			Number:     step.Number,
		})
	}
	return job
}

type workflowStep struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Number     int    `json:"number"`
}

// foldStatus maps GitHub's run states onto the neutral three.
func foldStatus(status string) RunStatus {
	switch strings.ToLower(status) {
	case "completed":
		return StatusCompleted
	case "in_progress":
		return StatusRunning
	default:
		// queued, waiting, requested, pending: not started yet.
		return StatusQueued
	}
}

// foldConclusion maps GitHub's conclusion vocabulary onto the neutral
// four. Timeouts and action-required both mean the run did not pass.
func foldConclusion(conclusion string) RunConclusion {
	switch strings.ToLower(conclusion) {
	case "success":
		return ConclusionSuccess
	case "failure", "timed_out", "action_required":
		return ConclusionFailure
	case "cancelled":
		return ConclusionCancelled
	default:
		return ConclusionUnknown
	}
}

// githubStatusParam maps a neutral status back to GitHub's query
// parameter vocabulary.
func githubStatusParam(status RunStatus) string {
	switch status {
	case StatusRunning:
		return "in_progress"
	default:
		return string(status)
	}
}
