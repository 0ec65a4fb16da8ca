package jira

import (
	"fmt"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableHierarchies = "issue_type_hierarchies"

type jiraIssueType struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Subtask        bool   `json:"subtask"`
	HierarchyLevel int    `json:"hierarchyLevel"`
}

type hierarchiesExtractor struct{ p *Provider }

func (e *hierarchiesExtractor) StepName() string { return "hierarchies" }

// Extract fetches the site's issue type hierarchy (epic/story/subtask
// levels) in a single call.
func (e *hierarchiesExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	c, err := newClient(hc.Context, e.p.resolver, hc.Integration, e.p.guard)
	if err != nil {
		return err
	}

	var types []jiraIssueType
	if err := c.get(hc.Context, "/rest/api/2/issuetype", nil, &types); err != nil {
		return err
	}

	items := make([]pipeline.ExtractedItem, 0, len(types))
	for _, it := range types {
		items = append(items, pipeline.ExtractedItem{
			ExternalID: it.ID,
			Type:       "jira_issue_type",
			Payload: map[string]interface{}{
				"id":              it.ID,
				"name":            it.Name,
				"description":     it.Description,
				"subtask":         it.Subtask,
				"hierarchy_level": it.HierarchyLevel,
			},
		})
	}
	return pipeline.PersistPage(hc.Context, hc, msg, items, true)
}

type hierarchiesTransformer struct{}

func (t *hierarchiesTransformer) StepName() string { return "hierarchies" }

func (t *hierarchiesTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["id"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableHierarchies, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableHierarchies, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
