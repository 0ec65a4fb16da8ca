package github

import (
	"fmt"
	"strconv"

	"github.com/google/go-github/v57/github"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableReviewComments = "review_comments"

type reviewsExtractor struct{ p *Provider }

func (e *reviewsExtractor) StepName() string { return "reviews_and_comments" }

// Extract pages through every pull request review comment in the
// repository. GitHub has no single endpoint for reviews across all pull
// requests, but review comment threads carry the review discussion text
// that is worth embedding, so this step covers them directly rather than
// fanning out a per-PR review listing call.
func (e *reviewsExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	owner, repo, err := ownerRepo(hc.Integration)
	if err != nil {
		return err
	}
	client, err := newClient(hc.Context, e.p.resolver, hc.Integration)
	if err != nil {
		return err
	}

	opts := &github.PullRequestListCommentsOptions{
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{Page: parsePage(msg.Cursor), PerPage: 50},
	}

	var comments []*github.PullRequestComment
	var resp *github.Response
	if err := e.p.guard.Do(hc.Context, e.StepName(), func() error {
		var callErr error
		comments, resp, callErr = client.PullRequests.ListComments(hc.Context, owner, repo, 0, opts)
		if callErr != nil {
			return classifyGitHubErr(e.StepName(), models.StageExtraction, callErr)
		}
		return nil
	}); err != nil {
		return err
	}

	lastPage := resp.NextPage == 0
	items := make([]pipeline.ExtractedItem, 0, len(comments))
	for _, c := range comments {
		if hc.Cancelled != nil && hc.Cancelled() {
			return models.NewError(models.KindCancelled, e.StepName(), models.StageExtraction, fmt.Errorf("cancelled while paging review comments"))
		}
		items = append(items, pipeline.ExtractedItem{
			ExternalID: fmt.Sprintf("%d", c.GetID()),
			Type:       "github_review_comment",
			Payload: map[string]interface{}{
				"id":         c.GetID(),
				"pr_number":  prNumberFromURL(c.GetPullRequestURL()),
				"body":       c.GetBody(),
				"path":       c.GetPath(),
				"author":     c.GetUser().GetLogin(),
				"html_url":   c.GetHTMLURL(),
				"created_at": c.GetCreatedAt(),
				"updated_at": c.GetUpdatedAt(),
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

// prNumberFromURL extracts the trailing numeric segment of a pull request
// API URL, e.g. ".../pulls/42" -> 42.
func prNumberFromURL(url string) int {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			n, err := strconv.Atoi(url[i+1:])
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

type reviewsTransformer struct{}

func (t *reviewsTransformer) StepName() string { return "reviews_and_comments" }

func (t *reviewsTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["id"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableReviewComments, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableReviewComments, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
