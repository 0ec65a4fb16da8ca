package jira

import (
	"fmt"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableStatuses = "statuses"

type jiraStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	StatusCategory struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"statusCategory"`
}

type statusesExtractor struct{ p *Provider }

func (e *statusesExtractor) StepName() string { return "statuses" }

// Extract fetches the full workflow status catalog for the site in a
// single call; Jira does not paginate this endpoint.
func (e *statusesExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	c, err := newClient(hc.Context, e.p.resolver, hc.Integration, e.p.guard)
	if err != nil {
		return err
	}

	var statuses []jiraStatus
	if err := c.get(hc.Context, "/rest/api/2/status", nil, &statuses); err != nil {
		return err
	}

	items := make([]pipeline.ExtractedItem, 0, len(statuses))
	for _, s := range statuses {
		items = append(items, pipeline.ExtractedItem{
			ExternalID: s.ID,
			Type:       "jira_status",
			Payload: map[string]interface{}{
				"id":            s.ID,
				"name":          s.Name,
				"description":   s.Description,
				"category_key":  s.StatusCategory.Key,
				"category_name": s.StatusCategory.Name,
			},
		})
	}
	return pipeline.PersistPage(hc.Context, hc, msg, items, true)
}

type statusesTransformer struct{}

func (t *statusesTransformer) StepName() string { return "statuses" }

func (t *statusesTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["id"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableStatuses, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableStatuses, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
