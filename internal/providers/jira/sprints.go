package jira

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/pipeline"
)

const tableSprintReports = "sprint_reports"

const boardsPageSize = 50

type jiraBoardPage struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	IsLast     bool        `json:"isLast"`
	Values     []jiraBoard `json:"values"`
}

type jiraBoard struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type jiraSprintPage struct {
	Values []jiraSprint `json:"values"`
}

type jiraSprint struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	CompleteDate string `json:"completeDate"`
	Goal         string `json:"goal"`
}

type sprintsExtractor struct{ p *Provider }

func (e *sprintsExtractor) StepName() string { return "sprint_reports" }

// Extract pages through the site's agile boards, cursor over the board
// list, and attaches each board's active/closed sprints as one item per
// board. Per-sprint velocity reports are not pulled individually; the
// sprint listing carries enough state (dates, goal, completion) to embed.
func (e *sprintsExtractor) Extract(hc *interfaces.HandlerContext, msg *models.Message) error {
	c, err := newClient(hc.Context, e.p.resolver, hc.Integration, e.p.guard)
	if err != nil {
		return err
	}

	startAt := parseStartAt(msg.Cursor)
	query := url.Values{
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(boardsPageSize)},
	}

	var boards jiraBoardPage
	if err := c.get(hc.Context, "/rest/agile/1.0/board", query, &boards); err != nil {
		return err
	}

	items := make([]pipeline.ExtractedItem, 0, len(boards.Values))
	for _, b := range boards.Values {
		if hc.Cancelled != nil && hc.Cancelled() {
			return models.NewError(models.KindCancelled, e.StepName(), models.StageExtraction, fmt.Errorf("cancelled while paging boards"))
		}

		var sprints jiraSprintPage
		sprintPath := fmt.Sprintf("/rest/agile/1.0/board/%d/sprint", b.ID)
		if err := c.get(hc.Context, sprintPath, url.Values{"state": {"active,closed"}}, &sprints); err != nil {
			// A board without an associated sprint source (e.g. a kanban
			// board) returns 400/404; skip it rather than fail the page.
			continue
		}

		sprintPayloads := make([]map[string]interface{}, 0, len(sprints.Values))
		for _, s := range sprints.Values {
			sprintPayloads = append(sprintPayloads, map[string]interface{}{
				"id":            s.ID,
				"name":          s.Name,
				"state":         s.State,
				"start_date":    s.StartDate,
				"end_date":      s.EndDate,
				"complete_date": s.CompleteDate,
				"goal":          s.Goal,
			})
		}

		items = append(items, pipeline.ExtractedItem{
			ExternalID: strconv.Itoa(b.ID),
			Type:       "jira_sprint_report",
			Payload: map[string]interface{}{
				"board_id":   b.ID,
				"board_name": b.Name,
				"board_type": b.Type,
				"sprints":    sprintPayloads,
			},
		})
	}

	nextStartAt := boards.StartAt + len(boards.Values)
	lastPage := boards.IsLast || len(boards.Values) == 0

	if err := pipeline.PersistPage(hc.Context, hc, msg, items, lastPage); err != nil {
		return err
	}
	if lastPage {
		return pipeline.ClearStepCheckpoint(hc.Context, hc, msg)
	}
	return pipeline.PublishContinuation(hc.Context, hc, msg, strconv.Itoa(nextStartAt))
}

type sprintsTransformer struct{}

func (t *sprintsTransformer) StepName() string { return "sprint_reports" }

func (t *sprintsTransformer) Transform(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error {
	var data map[string]interface{}
	if err := pipeline.DecodeRawPayload(raw, &data); err != nil {
		return err
	}
	externalID := fmt.Sprintf("%v", data["board_id"])

	if _, err := pipeline.UpsertDomainRecord(hc.Context, hc.DB, hc.Tenant.ID, tableSprintReports, externalID, data); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	if err := pipeline.EnqueueVectorization(hc.Context, hc, raw.JobID, t.StepName(), tableSprintReports, externalID, models.VectorOpInsert); err != nil {
		return models.NewError(models.KindTransientDB, t.StepName(), models.StageTransform, err)
	}
	return nil
}
