package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/bus"
	"github.com/ternarybob/tessera/internal/checkpoint"
	tesseradb "github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

func TestOwnerRepo_AcceptsSlugAndFullURL(t *testing.T) {
	cases := []struct {
		name      string
		baseURL   string
		owner     string
		repo      string
		expectErr bool
	}{
		{name: "slug", baseURL: "acme/widgets", owner: "acme", repo: "widgets"},
		{name: "https url", baseURL: "https://github.com/acme/widgets", owner: "acme", repo: "widgets"},
		{name: "http url with trailing slash", baseURL: "http://github.com/acme/widgets/", owner: "acme", repo: "widgets"},
		{name: "missing repo segment", baseURL: "acme", expectErr: true},
		{name: "empty", baseURL: "", expectErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			owner, repo, err := ownerRepo(&models.Integration{BaseURL: tc.baseURL})
			if tc.expectErr {
				require.Error(t, err)
				kind, ok := models.KindOf(err)
				require.True(t, ok)
				assert.Equal(t, models.KindProviderSchema, kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.owner, owner)
			assert.Equal(t, tc.repo, repo)
		})
	}
}

func TestParsePage_DefaultsToOneOnEmptyOrInvalidCursor(t *testing.T) {
	assert.Equal(t, 1, parsePage(""))
	assert.Equal(t, 1, parsePage("not-a-number"))
	assert.Equal(t, 1, parsePage("0"))
	assert.Equal(t, 1, parsePage("-3"))
	assert.Equal(t, 7, parsePage("7"))
}

func TestPRNumberFromURL_ExtractsTrailingSegment(t *testing.T) {
	assert.Equal(t, 42, prNumberFromURL("https://api.github.com/repos/acme/widgets/pulls/42"))
	assert.Equal(t, 0, prNumberFromURL("https://api.github.com/repos/acme/widgets/pulls/not-a-number"))
	assert.Equal(t, 0, prNumberFromURL(""))
}

func TestClassifyGitHubErr_MapsStatusCodesToErrorKinds(t *testing.T) {
	unauthorized := &github.ErrorResponse{Response: &http.Response{StatusCode: 401}}
	notFound := &github.ErrorResponse{Response: &http.Response{StatusCode: 404}}
	unprocessable := &github.ErrorResponse{Response: &http.Response{StatusCode: 422}}
	rateLimited := &github.RateLimitError{}

	cases := []struct {
		name string
		err  error
		kind models.ErrorKind
	}{
		{name: "401 maps to provider auth", err: unauthorized, kind: models.KindProviderAuth},
		{name: "404 maps to provider schema", err: notFound, kind: models.KindProviderSchema},
		{name: "422 maps to provider schema", err: unprocessable, kind: models.KindProviderSchema},
		{name: "rate limit maps to retryable", err: rateLimited, kind: models.KindRetryable},
		{name: "unknown error maps to retryable", err: fmt.Errorf("network blip"), kind: models.KindRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classifyGitHubErr("repositories", models.StageExtraction, tc.err)
			kind, ok := models.KindOf(classified)
			require.True(t, ok)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestClassifyGitHubErr_NilPassesThrough(t *testing.T) {
	assert.NoError(t, classifyGitHubErr("repositories", models.StageExtraction, nil))
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

// transformerCases exercises every github transformer against the same
// raw-record shape: decode, upsert into domain_records, enqueue for
// embedding. Each step only differs in its table name and the external id
// field inside the decoded payload.
func TestTransformers_UpsertDomainRecordAndEnqueueVectorization(t *testing.T) {
	cases := []struct {
		name       string
		transform  func(hc *interfaces.HandlerContext, raw *models.RawExtractionRecord) error
		table      string
		payload    string
		externalID string
	}{
		{
			name:       "repositories",
			transform:  (&repositoriesTransformer{}).Transform,
			table:      tableRepositories,
			payload:    `{"id":501,"full_name":"acme/widgets"}`,
			externalID: "501",
		},
		{
			name:       "pull_requests",
			transform:  (&pullRequestsTransformer{}).Transform,
			table:      tablePullRequests,
			payload:    `{"number":42,"title":"fix bug"}`,
			externalID: "42",
		},
		{
			name:       "reviews_and_comments",
			transform:  (&reviewsTransformer{}).Transform,
			table:      tableReviewComments,
			payload:    `{"id":99,"body":"looks good"}`,
			externalID: "99",
		},
		{
			name:       "commits",
			transform:  (&commitsTransformer{}).Transform,
			table:      tableCommits,
			payload:    `{"sha":"abc123","message":"initial commit"}`,
			externalID: "abc123",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hc := newTestHandlerContext(t, 1)
			raw := &models.RawExtractionRecord{
				TenantID: 1,
				JobID:    3,
				StepName: tc.name,
				Payload:  json.RawMessage(tc.payload),
			}

			require.NoError(t, tc.transform(hc, raw))

			data, err := loadDomainRecordForTest(t, hc, tc.table, tc.externalID)
			require.NoError(t, err)
			assert.NotEmpty(t, data)

			var pending int
			require.NoError(t, hc.DB.RO().QueryRow(
				`SELECT COUNT(*) FROM vectorization_queue WHERE tenant_id = 1 AND table_name = ? AND external_id = ?`,
				tc.table, tc.externalID).Scan(&pending))
			assert.Equal(t, 1, pending)
		})
	}
}

func loadDomainRecordForTest(t *testing.T, hc *interfaces.HandlerContext, table, externalID string) (map[string]interface{}, error) {
	t.Helper()
	row := hc.DB.RO().QueryRow(
		`SELECT data_json FROM domain_records WHERE tenant_id = 1 AND table_name = ? AND external_id = ?`, table, externalID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}
