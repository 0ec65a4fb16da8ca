// Package github adapts the GitHub REST API (via google/go-github) to the
// extraction/transform/embedding step interfaces: repositories, pull
// requests, review comments, and commits, each normalized into the shared
// domain_records table and queued for vectorization.
package github

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/embedding"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/pipeline"
	"github.com/ternarybob/tessera/internal/providers/resilience"
)

const (
	defaultRequestsPerSecond = 10
	defaultFailureThreshold  = 5
	defaultBreakerTimeout    = 30 * time.Second
)

// Provider wires the GitHub step handlers together behind interfaces.Provider.
type Provider struct {
	resolver  interfaces.CredentialResolver
	embedding *embedding.Handler
	guard     *resilience.Guard
	logger    arbor.ILogger
}

// New builds the GitHub provider. db is used to register row loaders for
// each normalized table this provider writes, so the embedding handler can
// assemble canonical text at vectorization time.
func New(db interfaces.DB, resolver interfaces.CredentialResolver, embedProvider interfaces.EmbeddingProvider, store interfaces.VectorStore, fields embedding.TextFields, logger arbor.ILogger) *Provider {
	h := embedding.NewHandler(embedProvider, store, fields)
	h.RegisterLoader(tableRepositories, pipeline.DomainRowLoader(db, tableRepositories))
	h.RegisterLoader(tablePullRequests, pipeline.DomainRowLoader(db, tablePullRequests))
	h.RegisterLoader(tableReviewComments, pipeline.DomainRowLoader(db, tableReviewComments))
	h.RegisterLoader(tableCommits, pipeline.DomainRowLoader(db, tableCommits))

	return &Provider{
		resolver:  resolver,
		embedding: h,
		guard:     resilience.New(providerName, defaultRequestsPerSecond, defaultFailureThreshold, defaultBreakerTimeout),
		logger:    logger,
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Steps() []interfaces.StepDefinition {
	return []interfaces.StepDefinition{
		{
			Name:        "repositories",
			DisplayName: "Repositories",
			Extraction:  &repositoriesExtractor{p: p},
			Transform:   &repositoriesTransformer{},
		},
		{
			Name:        "pull_requests",
			DisplayName: "Pull Requests",
			Extraction:  &pullRequestsExtractor{p: p},
			Transform:   &pullRequestsTransformer{},
		},
		{
			Name:        "reviews_and_comments",
			DisplayName: "Reviews and Comments",
			Extraction:  &reviewsExtractor{p: p},
			Transform:   &reviewsTransformer{},
		},
		{
			Name:        "commits",
			DisplayName: "Commits",
			Extraction:  &commitsExtractor{p: p},
			Transform:   &commitsTransformer{},
		},
	}
}

func (p *Provider) Embedding() interfaces.EmbeddingHandler { return p.embedding }
