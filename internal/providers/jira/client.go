// Package jira adapts the Jira Cloud REST API to the extraction/transform/
// embedding step interfaces: statuses, projects, issue type hierarchies,
// issues with their changelogs, and sprint reports. Jira has no first-party
// Go SDK in the corpus, so this package talks to the REST API directly with
// a small bearer-token http.Client, following the teacher's httpclient
// package for its timeout/client-construction conventions.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/providers/resilience"
)

const providerName = "jira"

const defaultTimeout = 30 * time.Second

// client is a minimal authenticated Jira REST client scoped to one
// integration's site.
type client struct {
	http    *http.Client
	baseURL string
	token   string
	guard   *resilience.Guard
}

func newClient(ctx context.Context, resolver interfaces.CredentialResolver, integration *models.Integration, guard *resilience.Guard) (*client, error) {
	token, err := resolver.Resolve(ctx, integration.CredentialRef)
	if err != nil {
		return nil, models.NewError(models.KindProviderAuth, "", models.StageExtraction, fmt.Errorf("resolve jira credential: %w", err))
	}
	if token == "" {
		return nil, models.NewError(models.KindProviderAuth, "", models.StageExtraction, fmt.Errorf("empty jira credential for integration %d", integration.ID))
	}

	baseURL := strings.TrimSuffix(integration.BaseURL, "/")
	if baseURL == "" {
		return nil, models.NewError(models.KindProviderSchema, "", models.StageExtraction, fmt.Errorf("integration %d has no base_url", integration.ID))
	}

	return &client{
		http:    &http.Client{Timeout: defaultTimeout},
		baseURL: baseURL,
		token:   token,
		guard:   guard,
	}, nil
}

// get issues a GET request against path with the given query values and
// decodes the JSON response body into out, behind the provider's shared
// rate limiter and circuit breaker.
func (c *client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var buf bytes.Buffer
	err := c.guard.Do(ctx, path, func() error {
		buf.Reset()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return classifyJiraErr(0, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return classifyJiraErr(resp.StatusCode, fmt.Errorf("jira GET %s: status %d", path, resp.StatusCode))
		}

		_, err = buf.ReadFrom(resp.Body)
		return err
	})
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(buf.Bytes(), out); err != nil {
			return fmt.Errorf("decode jira response: %w", err)
		}
	}
	return nil
}

// classifyJiraErr maps a Jira REST failure onto the platform's error kind
// taxonomy so dispatch can apply the correct ack/nack/retry policy.
func classifyJiraErr(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewError(models.KindProviderAuth, "", models.StageExtraction, err)
	case status == http.StatusNotFound || status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return models.NewError(models.KindProviderSchema, "", models.StageExtraction, err)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError || status == 0:
		return models.NewError(models.KindRetryable, "", models.StageExtraction, err)
	default:
		return models.NewError(models.KindRetryable, "", models.StageExtraction, err)
	}
}

func parseStartAt(cursor string) int {
	if cursor == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(cursor, "%d", &n); err != nil {
		return 0
	}
	return n
}
