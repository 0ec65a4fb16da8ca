package github

import (
	"fmt"
	"strconv"

	"github.com/google/go-github/v57/github"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableCommits = "commits"

type commitsExtractor struct{ p *Provider }

func (e *commitsExtractor) StepName() string { return "commits" }

func (e *commitsExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	owner, repo, err := ownerRepo(hc.Integration)
	if err != nil {
		return err
	}
	client, err := newClient(hc.Context, e.p.resolver, hc.Integration)
	if err != nil {
		return err
	}

	opts := &github.CommitsListOptions{
		ListOptions: github.ListOptions{Page: parsePage(msg.Cursor), PerPage: 50},
	}

	var commits []*github.RepositoryCommit
	var resp *github.Response
	if err := e.p.guard.Do(hc.Context, e.StepName(), func() error {
		var callErr error
		commits, resp, callErr = client.Repositories.ListCommits(hc.Context, owner, repo, opts)
		if callErr != nil {
			return classifyGitHubErr(e.StepName(), models.StageExtraction, callErr)
		}
		return nil
	}); err != nil {
		return err
	}

	lastPage := resp.NextPage == 0
	items := make([]pipeline.ExtractedItem, 0, len(commits))
	for _, c := range commits {
		if hc.Cancelled != nil && hc.Cancelled() {
			return models.NewError(models.KindCancelled, e.StepName(), models.StageExtraction, fmt.Errorf("cancelled while paging commits"))
		}
		commit := c.GetCommit()
		items = append(items, pipeline.ExtractedItem{
			ExternalID: c.GetSHA(),
			Type:       "github_commit",
			Payload: map[string]interface{}{
				"sha":         c.GetSHA(),
				"message":     commit.GetMessage(),
				"author":      commit.GetAuthor().GetName(),
				"author_date": commit.GetAuthor().GetDate(),
				"html_url":    c.GetHTMLURL(),
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

type commitsTransformer struct{}

func (t *commitsTransformer) StepName() string { return "commits" }

func (t *commitsTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["sha"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableCommits, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableCommits, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
