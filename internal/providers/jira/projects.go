package jira

import (
	"fmt"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableProjects = "projects"

type jiraProject struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	ProjectType string `json:"projectTypeKey"`
	Lead        struct {
		DisplayName string `json:"displayName"`
	} `json:"lead"`
}

type projectsExtractor struct{ p *Provider }

func (e *projectsExtractor) StepName() string { return "projects" }

// Extract fetches every project visible to the integration's credential in
// a single call; Jira's classic project listing endpoint is unpaginated.
func (e *projectsExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	c, err := newClient(hc.Context, e.p.resolver, hc.Integration, e.p.guard)
	if err != nil {
		return err
	}

	var projects []jiraProject
	if err := c.get(hc.Context, "/rest/api/2/project", nil, &projects); err != nil {
		return err
	}

	items := make([]pipeline.ExtractedItem, 0, len(projects))
	for _, p := range projects {
		items = append(items, pipeline.ExtractedItem{
			ExternalID: p.ID,
			Type:       "jira_project",
			Payload: map[string]interface{}{
				"id":           p.ID,
				"key":          p.Key,
				"name":         p.Name,
				"project_type": p.ProjectType,
				"lead":         p.Lead.DisplayName,
			},
		})
	}
	return pipeline.PersistPage(hc.Context, hc, msg, items, true)
}

type projectsTransformer struct{}

func (t *projectsTransformer) StepName() string { return "projects" }

func (t *projectsTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["id"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableProjects, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableProjects, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
