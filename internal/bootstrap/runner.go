package bootstrap

import (
	"net/http"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/config"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/connectors"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/connectors/web"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/docindex"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/embedding"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/indexing"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// NewConnectorRegistry registers every connector implementation this build ships.
func NewConnectorRegistry() *connectors.Registry {
	reg := connectors.NewRegistry()
	reg.Register(domain.SourceWeb, web.New)
	return reg
}

// NewEmbeddingClient creates the model server client.
func NewEmbeddingClient(cfg config.IndexingConfig, log logger.Logger) *embedding.Client {
	return embedding.NewClient(cfg.ModelServerURL(), log,
		embedding.WithHTTPClient(&http.Client{Timeout: cfg.ModelServerTimeout}),
	)
}

// NewRunner builds the indexing entrypoint executed for every dispatched attempt.
func NewRunner(cfg *config.Config, db *sqlx.DB, esClient *es.Client, log logger.Logger) *indexing.Runner {
	return indexing.NewRunner(indexing.Params{
		Attempts:          database.NewIndexAttemptRepository(db),
		Pairs:             database.NewConnectorRepository(db),
		Sources:           NewConnectorRegistry(),
		Embedder:          NewEmbeddingClient(cfg.Indexing, log),
		Writer:            docindex.NewWriter(esClient, log),
		Policy:            indexing.NewAccessPolicy(cfg.Indexing.EnterpriseEdition),
		Logger:            log,
		BatchSize:         cfg.Indexing.BatchSize,
		HeartbeatInterval: cfg.Indexing.HeartbeatInterval,
	})
}
