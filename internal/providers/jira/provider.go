package jira

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

// Provider wires the Jira step handlers together behind interfaces.Provider.
type Provider struct {
	resolver  interfaces.CredentialResolver
	embedding *embedding.Handler
	guard     *resilience.Guard
	logger    arbor.ILogger
}

// New builds the Jira provider, registering a row loader per normalized
// table it writes so the embedding handler can assemble canonical text at
// vectorization time.
func New(db interfaces.DB, resolver interfaces.CredentialResolver, embedProvider interfaces.EmbeddingProvider, store interfaces.VectorStore, fields embedding.TextFields, logger arbor.ILogger) *Provider {
	h := embedding.NewHandler(embedProvider, store, fields)
	h.RegisterLoader(tableStatuses, pipeline.DomainRowLoader(db, tableStatuses))
	h.RegisterLoader(tableProjects, pipeline.DomainRowLoader(db, tableProjects))
	h.RegisterLoader(tableHierarchies, pipeline.DomainRowLoader(db, tableHierarchies))
	h.RegisterLoader(tableIssues, pipeline.DomainRowLoader(db, tableIssues))
	h.RegisterLoader(tableSprintReports, pipeline.DomainRowLoader(db, tableSprintReports))

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
			Name:        "statuses",
			DisplayName: "Statuses",
			Extraction:  &statusesExtractor{p: p},
			Transform:   &statusesTransformer{},
		},
		{
			Name:        "projects",
			DisplayName: "Projects",
			Extraction:  &projectsExtractor{p: p},
			Transform:   &projectsTransformer{},
		},
		{
			Name:        "hierarchies",
			DisplayName: "Issue Type Hierarchies",
			Extraction:  &hierarchiesExtractor{p: p},
			Transform:   &hierarchiesTransformer{},
		},
		{
			Name:        "issues_with_changelogs",
			DisplayName: "Issues with Changelogs",
			Extraction:  &issuesExtractor{p: p},
			Transform:   &issuesTransformer{},
		},
		{
			Name:        "sprint_reports",
			DisplayName: "Sprint Reports",
			Extraction:  &sprintsExtractor{p: p},
			Transform:   &sprintsTransformer{},
		},
	}
}

func (p *Provider) Embedding() interfaces.EmbeddingHandler { return p.embedding }
