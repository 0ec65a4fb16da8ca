package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tessera/internal/bus"
	"github.com/ternarybob/tessera/internal/checkpoint"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/db"
	"github.com/ternarybob/tessera/internal/dispatch"
	"github.com/ternarybob/tessera/internal/embedding"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/orchestrator"
	"github.com/ternarybob/tessera/internal/progress"
	"github.com/ternarybob/tessera/internal/providers/credentials"
	"github.com/ternarybob/tessera/internal/providers/github"
	"github.com/ternarybob/tessera/internal/providers/jira"
	"github.com/ternarybob/tessera/internal/scheduler"
	"github.com/ternarybob/tessera/internal/server"
	"github.com/ternarybob/tessera/internal/worker"
)

// configPaths is a custom flag type that allows multiple -config flags.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("tessera version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("tessera.toml"); err == nil {
			configFiles = append(configFiles, "tessera.toml")
		} else if _, err := os.Stat("deployments/local/tessera.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/tessera.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Strs("paths", configFiles).Msg("failed to load configuration")
		os.Exit(1)
	}

	logger := common.SetupLogger(config)
	common.PrintBanner(config, logger)

	if err := run(config, logger); err != nil {
		logger.Fatal().Err(err).Msg("fatal startup error")
		os.Exit(1)
	}
}

func run(config *common.Config, logger arbor.ILogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := db.Open(logger, config.Database.URLReadWrite, config.Database.URLReadOnly)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer handle.Close()

	if err := db.Migrate(ctx, handle.RW()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	messageBus, err := newBus(config, handle, logger)
	if err != nil {
		return fmt.Errorf("construct message bus: %w", err)
	}

	checkpoints := checkpoint.New(handle.RW(), logger)
	publisher := progress.New(logger)
	resolver := credentials.NewFileResolver(config.Providers.CredentialsDir)

	embedProvider := embedding.NewOllamaProvider(config.Embedding.BaseURL, config.Embedding.DefaultModel, config.Embedding.DefaultDimensions)
	vectorStore, err := newVectorStore(ctx, config)
	if err != nil {
		return fmt.Errorf("construct vector store: %w", err)
	}

	dispatcher := dispatch.New(handle, messageBus, checkpoints, publisher, logger)

	if config.Providers.GitHub.Enabled {
		fields := embedding.TextFields(config.Embedding.TextFields)
		githubProvider := github.New(handle, resolver, embedProvider, vectorStore, fields, logger)
		dispatcher.Register(githubProvider, "repositories", "pull_requests", "review_comments", "commits")
	}
	if config.Providers.Jira.Enabled {
		fields := embedding.TextFields(config.Embedding.TextFields)
		jiraProvider := jira.New(handle, resolver, embedProvider, vectorStore, fields, logger)
		dispatcher.Register(jiraProvider, "statuses", "projects", "issue_type_hierarchies", "issues", "sprint_reports")
	}

	pool := worker.NewPool(messageBus, logger)
	registerExtractionQueues(pool, config, dispatcher)
	if err := registerTenantQueues(ctx, handle.RO(), pool, config, dispatcher); err != nil {
		return fmt.Errorf("register tenant queues: %w", err)
	}
	if err := pool.StartAll(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	orch := orchestrator.New(handle, messageBus, publisher, checkpoints, logger)
	sched := scheduler.New(handle, orch, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	httpServer := server.New(config, publisher, handle, messageBus, vectorStore, logger)
	common.SafeGo(logger, "push-server", func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("push notification server stopped")
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	common.PrintShutdownBanner(logger)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("push notification server shutdown error")
	}
	if err := pool.StopAll(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("worker pool shutdown error")
	}

	return nil
}

// newBus builds the message bus transport named by config.Bus.URL: either
// an in-process queue ("memory://", single-process development/test
// deployments) or the durable relational-backed bus sharing the platform
// database.
func newBus(config *common.Config, handle *db.Handle, logger arbor.ILogger) (interfaces.Bus, error) {
	visibilityTimeout, err := time.ParseDuration(config.Bus.VisibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse bus visibility_timeout: %w", err)
	}

	if strings.HasPrefix(config.Bus.URL, "memory://") {
		return bus.NewMemoryBus(logger, visibilityTimeout, config.Bus.MaxDeliveries), nil
	}
	return bus.NewSQLBus(handle.RW(), logger, visibilityTimeout, config.Bus.MaxDeliveries)
}

// newVectorStore selects the Milvus-backed store when a vector store URL
// is configured, falling back to the in-memory store for local/test runs.
func newVectorStore(ctx context.Context, config *common.Config) (interfaces.VectorStore, error) {
	if config.Vector.URL == "" {
		return embedding.NewMemoryStore(), nil
	}
	return embedding.NewMilvusStore(ctx, config.Vector.URL)
}

// registerExtractionQueues registers one consumer group per service tier
// against that tier's shared extraction queue.
func registerExtractionQueues(pool *worker.Pool, config *common.Config, dispatcher *dispatch.Dispatcher) {
	tiers := []models.Tier{models.TierFree, models.TierBasic, models.TierPremium, models.TierEnterprise}
	for _, tier := range tiers {
		scope := fmt.Sprintf("tier:%s", tier)
		queueName := fmt.Sprintf("extraction_queue_%s", tier)
		desired := config.WorkerCount(fmt.Sprintf("%s/extraction", scope), 2)
		pool.Register(scope, models.StageExtraction, queueName, desired, dispatcher.ExtractionHandleFunc())
	}
}

// registerTenantQueues registers one transform and one embedding consumer
// group per active tenant, against that tenant's private queues.
func registerTenantQueues(ctx context.Context, ro *sql.DB, pool *worker.Pool, config *common.Config, dispatcher *dispatch.Dispatcher) error {
	rows, err := ro.QueryContext(ctx, `SELECT id FROM tenants WHERE active = 1`)
	if err != nil {
		return fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenantIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan tenant id: %w", err)
		}
		tenantIDs = append(tenantIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tenants: %w", err)
	}

	for _, tenantID := range tenantIDs {
		transformScope := fmt.Sprintf("tenant:%d", tenantID)
		transformQueue := fmt.Sprintf("transform_queue_tenant_%d", tenantID)
		transformCount := config.WorkerCount(fmt.Sprintf("%s/transform", transformScope), 2)
		pool.Register(transformScope, models.StageTransform, transformQueue, transformCount, dispatcher.TransformHandleFunc())

		embeddingScope := fmt.Sprintf("tenant:%d", tenantID)
		embeddingQueue := fmt.Sprintf("vectorization_queue_tenant_%d", tenantID)
		embeddingCount := config.WorkerCount(fmt.Sprintf("%s/embedding", embeddingScope), 2)
		pool.Register(embeddingScope, models.StageEmbedding, embeddingQueue, embeddingCount, dispatcher.EmbeddingHandleFunc())
	}

	return nil
}
