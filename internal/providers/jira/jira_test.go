package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/bus"
	"github.com/ternarybob/tessera/internal/checkpoint"
	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

func TestParseStartAt_DefaultsToZeroOnEmptyOrInvalidCursor(t *testing.T) {
	assert.Equal(t, 0, parseStartAt(""))
	assert.Equal(t, 0, parseStartAt("not-a-number"))
	assert.Equal(t, 50, parseStartAt("50"))
}

func TestClassifyJiraErr_MapsStatusCodesToErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   models.ErrorKind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, kind: models.KindProviderAuth},
		{name: "forbidden", status: http.StatusForbidden, kind: models.KindProviderAuth},
		{name: "not found", status: http.StatusNotFound, kind: models.KindProviderSchema},
		{name: "bad request", status: http.StatusBadRequest, kind: models.KindProviderSchema},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, kind: models.KindProviderSchema},
		{name: "rate limited", status: http.StatusTooManyRequests, kind: models.KindRetryable},
		{name: "server error", status: http.StatusInternalServerError, kind: models.KindRetryable},
		{name: "transport failure (status 0)", status: 0, kind: models.KindRetryable},
		{name: "unmapped status defaults retryable", status: http.StatusTeapot, kind: models.KindRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classifyJiraErr(tc.status, fmt.Errorf("boom"))
			kind, ok := models.KindOf(classified)
			require.True(t, ok)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func newTestHandlerContext(t *testing.T, tenantID int64) *interfaces.HandlerContext {
	t.Helper()
	logger := arbor.NewLogger()
	handle, err := tesseradb.Open(logger, "sqlite://file:"+t.Name()+"?mode=memory&cache=shared", "")
	require.NoError(t, err)
	require.NoError(t, tesseradb.Migrate(context.Background(), handle.RW()))
	t.Cleanup(func() { _ = handle.Close() })

	now := time.Now()
	_, err = handle.RW().Exec(
		`INSERT INTO tenants (id, name, tier, active, time_zone, created_at, updated_at) VALUES (?, 't', 'free', 1, 'UTC', ?, ?)`,
		tenantID, now, now)
	require.NoError(t, err)

	return &interfaces.HandlerContext{
		Context:     context.Background(),
		Tenant:      &models.Tenant{ID: tenantID, Tier: models.TierFree},
		Integration: &models.Integration{ID: 1, TenantID: tenantID},
		DB:          handle,
		Bus:         bus.NewMemoryBus(logger, time.Second, 5),
		Checkpoints: checkpoint.New(handle.RW(), logger),
	}
}

func TestTransformers_UpsertDomainRecordAndEnqueueVectorization(t *testing.T) {
	cases := []struct {
		name       string
		transform  func(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error
		step       string
		table      string
		payload    string
		externalID string
	}{
		{
			name:       "statuses",
			transform:  (&statusesTransformer{}).Transform,
			step:       "statuses",
			table:      tableStatuses,
			payload:    `{"id":"10001","name":"To Do"}`,
			externalID: "10001",
		},
		{
			name:       "projects",
			transform:  (&projectsTransformer{}).Transform,
			step:       "projects",
			table:      tableProjects,
			payload:    `{"id":"20001","key":"ACME"}`,
			externalID: "20001",
		},
		{
			name:       "hierarchies",
			transform:  (&hierarchiesTransformer{}).Transform,
			step:       "hierarchies",
			table:      tableHierarchies,
			payload:    `{"id":"30001","name":"Epic"}`,
			externalID: "30001",
		},
		{
			name:       "issues_with_changelogs",
			transform:  (&issuesTransformer{}).Transform,
			step:       "issues_with_changelogs",
			table:      tableIssues,
			payload:    `{"key":"ACME-42","summary":"fix bug"}`,
			externalID: "ACME-42",
		},
		{
			name:       "sprint_reports",
			transform:  (&sprintsTransformer{}).Transform,
			step:       "sprint_reports",
			table:      tableSprintReports,
			payload:    `{"board_id":"7","name":"Sprint 1"}`,
			externalID: "7",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hc := newTestHandlerContext(t, 1)
			raw := &models.RawExtractionRecord{
				TenantID: 1,
				JobID:    3,
				StepName: tc.step,
				Payload:  json.RawMessage(tc.payload),
			}

			require.NoError(t, tc.transform(hc, raw))

			var data string
			require.NoError(t, hc.DB.RO().QueryRow(
				`SELECT data_json FROM domain_records WHERE tenant_id = 1 AND table_name = ? AND external_id = ?`,
				tc.table, tc.externalID).Scan(&data))
			assert.NotEmpty(t, data)

			var pending int
			require.NoError(t, hc.DB.RO().QueryRow(
				`SELECT COUNT(*) FROM vectorization_queue WHERE tenant_id = 1 AND table_name = ? AND external_id = ?`,
				tc.table, tc.externalID).Scan(&pending))
			assert.Equal(t, 1, pending)
		})
	}
}
