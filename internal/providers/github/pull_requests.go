package github

import (
	"fmt"
	"strconv"

	"github.com/google/go-github/v57/github"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tablePullRequests = "pull_requests"

type pullRequestsExtractor struct{ p *Provider }

func (e *pullRequestsExtractor) StepName() string { return "pull_requests" }

func (e *pullRequestsExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	owner, repo, err := ownerRepo(hc.Integration)
	if err != nil {
		return err
	}
	client, err := newClient(hc.Context, e.p.resolver, hc.Integration)
	if err != nil {
		return err
	}

	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{Page: parsePage(msg.Cursor), PerPage: 50},
	}

	var prs []*github.PullRequest
	var resp *github.Response
	if err := e.p.guard.Do(hc.Context, e.StepName(), func() error {
		var callErr error
		prs, resp, callErr = client.PullRequests.List(hc.Context, owner, repo, opts)
		if callErr != nil {
			return classifyGitHubErr(e.StepName(), models.StageExtraction, callErr)
		}
		return nil
	}); err != nil {
		return err
	}

	lastPage := resp.NextPage == 0
	items := make([]pipeline.ExtractedItem, 0, len(prs))
	for _, pr := range prs {
		if hc.Cancelled != nil && hc.Cancelled() {
			return models.NewError(models.KindCancelled, e.StepName(), models.StageExtraction, fmt.Errorf("cancelled while paging pull requests"))
		}
		items = append(items, pipeline.ExtractedItem{
			ExternalID: fmt.Sprintf("%d", pr.GetNumber()),
			Type:       "github_pull_request",
			Payload: map[string]interface{}{
				"number":     pr.GetNumber(),
				"title":      pr.GetTitle(),
				"body":       pr.GetBody(),
				"state":      pr.GetState(),
				"merged":     pr.GetMerged(),
				"author":     pr.GetUser().GetLogin(),
				"html_url":   pr.GetHTMLURL(),
				"base_ref":   pr.GetBase().GetRef(),
				"head_ref":   pr.GetHead().GetRef(),
				"created_at": pr.GetCreatedAt(),
				"updated_at": pr.GetUpdatedAt(),
			},
		})
	}

	if err := pipeline.PersistPage(hc.Context, hc, msg, items, lastPage); err != nil {
		return err
	}
	if lastPage {
		return pipeline.ClearStepCheckpoint(hc.Context, hc, msg)
	}
	return pipeline.PublishContinuation(hc.Context, hc, msg, strconv.Itoa(resp.NextPage))
}

type pullRequestsTransformer struct{}

func (t *pullRequestsTransformer) StepName() string { return "pull_requests" }

func (t *pullRequestsTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["number"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tablePullRequests, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tablePullRequests, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
