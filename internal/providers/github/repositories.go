package github

import (
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableRepositories = "repositories"

type repositoriesExtractor struct{ p *Provider }

func (e *repositoriesExtractor) StepName() string { return "repositories" }

// Extract fetches the single repository record an integration targets.
// There is no pagination: one integration names exactly one repository.
func (e *repositoriesExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	owner, repo, err := ownerRepo(hc.Integration)
	if err != nil {
		return err
	}

	client, err := newClient(hc.Context, e.p.resolver, hc.Integration)
	if err != nil {
		return err
	}

	var ghRepo *github.Repository
	if err := e.p.guard.Do(hc.Context, e.StepName(), func() error {
		var callErr error
		ghRepo, _, callErr = client.Repositories.Get(hc.Context, owner, repo)
		if callErr != nil {
			return classifyGitHubErr(e.StepName(), models.StageExtraction, callErr)
		}
		return nil
	}); err != nil {
		return err
	}

	item := pipeline.ExtractedItem{
		ExternalID: fmt.Sprintf("%d", ghRepo.GetID()),
		Type:       "github_repository",
		Payload: map[string]interface{}{
			"id":             ghRepo.GetID(),
			"full_name":      ghRepo.GetFullName(),
			"description":    ghRepo.GetDescription(),
			"default_branch": ghRepo.GetDefaultBranch(),
			"stargazers":     ghRepo.GetStargazersCount(),
			"open_issues":    ghRepo.GetOpenIssuesCount(),
			"language":       ghRepo.GetLanguage(),
			"html_url":       ghRepo.GetHTMLURL(),
		},
	}
	return pipeline.PersistPage(hc.Context, hc, msg, []pipeline.ExtractedItem{item}, true)
}

type repositoriesTransformer struct{}

func (t *repositoriesTransformer) StepName() string { return "repositories" }

func (t *repositoriesTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["id"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableRepositories, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}

	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableRepositories, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
