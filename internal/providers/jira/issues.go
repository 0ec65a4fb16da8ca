package jira

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableIssues = "issues"

const issuesPageSize = 50

type jiraSearchResult struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []jiraIssue `json:"issues"`
}

type jiraIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Assignee *struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Created string `json:"created"`
		Updated string `json:"updated"`
	} `json:"fields"`
	Changelog struct {
		Histories []jiraChangelogEntry `json:"histories"`
	} `json:"changelog"`
}

type jiraChangelogEntry struct {
	Created string `json:"created"`
	Author  struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Items []struct {
		Field      string `json:"field"`
		FromString string `json:"fromString"`
		ToString   string `json:"toString"`
	} `json:"items"`
}

type issuesExtractor struct{ p *Provider }

func (e *issuesExtractor) StepName() string { return "issues_with_changelogs" }

// Extract pages through every issue in the site with its changelog
// expanded, ordered by key so pagination is stable across crashes.
func (e *issuesExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	c, err := newClient(hc.Context, e.p.resolver, hc.Integration, e.p.guard)
	if err != nil {
		return err
	}

	startAt := parseStartAt(msg.Cursor)
	query := url.Values{
		"jql":        {"order by key asc"},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(issuesPageSize)},
		"expand":     {"changelog"},
	}

	var result jiraSearchResult
	if err := c.get(hc.Context, "/rest/api/2/search", query, &result); err != nil {
		return err
	}

	items := make([]pipeline.ExtractedItem, 0, len(result.Issues))
	for _, iss := range result.Issues {
		if hc.Cancelled != nil && hc.Cancelled() {
			return models.NewError(models.KindCancelled, e.StepName(), models.StageExtraction, fmt.Errorf("cancelled while paging issues"))
		}

		assignee := ""
		if iss.Fields.Assignee != nil {
			assignee = iss.Fields.Assignee.DisplayName
		}

		changelog := make([]map[string]interface{}, 0, len(iss.Changelog.Histories))
		for _, h := range iss.Changelog.Histories {
			changes := make([]map[string]interface{}, 0, len(h.Items))
			for _, ch := range h.Items {
				changes = append(changes, map[string]interface{}{
					"field": ch.Field,
					"from":  ch.FromString,
					"to":    ch.ToString,
				})
			}
			changelog = append(changelog, map[string]interface{}{
				"created": h.Created,
				"author":  h.Author.DisplayName,
				"changes": changes,
			})
		}

		items = append(items, pipeline.ExtractedItem{
			ExternalID: iss.Key,
			Type:       "jira_issue",
			Payload: map[string]interface{}{
				"id":          iss.ID,
				"key":         iss.Key,
				"summary":     iss.Fields.Summary,
				"description": iss.Fields.Description,
				"status":      iss.Fields.Status.Name,
				"issue_type":  iss.Fields.IssueType.Name,
				"assignee":    assignee,
				"created":     iss.Fields.Created,
				"updated":     iss.Fields.Updated,
				"changelog":   changelog,
			},
		})
	}

	nextStartAt := result.StartAt + len(result.Issues)
	lastPage := len(result.Issues) == 0 || nextStartAt >= result.Total

	if err := pipeline.PersistPage(hc.Context, hc, msg, items, lastPage); err != nil {
		return err
	}
	if lastPage {
		return pipeline.ClearStepCheckpoint(hc.Context, hc, msg)
	}
	return pipeline.PublishContinuation(hc.Context, hc, msg, strconv.Itoa(nextStartAt))
}

type issuesTransformer struct{}

func (t *issuesTransformer) StepName() string { return "issues_with_changelogs" }

func (t *issuesTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["key"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableIssues, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableIssues, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
