// Package indexing is the worker-side entrypoint of an index attempt: pull
// documents from the connector, embed them and write them to the
// generation's chunk index, reporting progress on the attempt row.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/connectors"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/docindex"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/jobclient"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const (
	defaultBatchSize         = 16
	defaultHeartbeatInterval = time.Minute

	// CancelledReason is recorded when a run stops because its job was cancelled.
	CancelledReason = "Indexing run cancelled"
)

// ErrAttemptCancelled is returned when the attempt left IN_PROGRESS while the
// run was still going, for example after a user cancel or a frozen-run sweep.
var ErrAttemptCancelled = errors.New("index attempt cancelled")

// AttemptStore is the subset of the index attempt repository a run uses.
type AttemptStore interface {
	Now(ctx context.Context) (time.Time, error)
	GetByID(ctx context.Context, id int64) (*domain.IndexAttempt, error)
	MarkInProgress(ctx context.Context, id int64) error
	MarkSucceeded(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	UpdateProgress(ctx context.Context, id int64, newDocs, totalDocs int) error
	Heartbeat(ctx context.Context, id int64) error
}

// PairStore loads cc pairs and records successful runs.
type PairStore interface {
	GetCCPair(ctx context.Context, id int64) (*domain.ConnectorCredentialPair, error)
	UpdateLastSuccessfulIndexTime(ctx context.Context, ccPairID int64, at time.Time) error
}

// SourceBuilder resolves a connector to its implementation.
type SourceBuilder interface {
	Build(connector *domain.Connector, credential *domain.Credential, batchSize int) (connectors.Source, error)
}

// Embedder turns texts into vectors with a generation's model.
type Embedder interface {
	Embed(ctx context.Context, settings *domain.SearchSettings, texts []string) ([][]float32, error)
}

// ChunkWriter persists embedded chunks.
type ChunkWriter interface {
	EnsureIndex(ctx context.Context, settings *domain.SearchSettings) error
	WriteChunks(ctx context.Context, index string, chunks []domain.Chunk) error
}

var (
	_ AttemptStore  = (*database.IndexAttemptRepository)(nil)
	_ PairStore     = (*database.ConnectorRepository)(nil)
	_ SourceBuilder = (*connectors.Registry)(nil)
	_ ChunkWriter   = (*docindex.Writer)(nil)
)

// Params holds the Runner's dependencies.
type Params struct {
	Attempts AttemptStore
	Pairs    PairStore
	Sources  SourceBuilder
	Embedder Embedder
	Writer   ChunkWriter
	Policy   AccessPolicy
	Logger   logger.Logger

	// BatchSize is the number of documents per connector batch.
	BatchSize int
	// HeartbeatInterval bounds the gap between time_updated bumps while a
	// batch is embedding or writing.
	HeartbeatInterval time.Duration
	// ChunkChars is the maximum chunk length in characters.
	ChunkChars int
}

// Runner executes index attempts.
type Runner struct {
	attempts AttemptStore
	pairs    PairStore
	sources  SourceBuilder
	embedder Embedder
	writer   ChunkWriter
	policy   AccessPolicy
	log      logger.Logger

	batchSize         int
	heartbeatInterval time.Duration
	chunkChars        int
}

// NewRunner creates a Runner.
func NewRunner(p Params) *Runner {
	r := &Runner{
		attempts:          p.Attempts,
		pairs:             p.Pairs,
		sources:           p.Sources,
		embedder:          p.Embedder,
		writer:            p.Writer,
		policy:            p.Policy,
		log:               p.Logger,
		batchSize:         p.BatchSize,
		heartbeatInterval: p.HeartbeatInterval,
		chunkChars:        p.ChunkChars,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.heartbeatInterval <= 0 {
		r.heartbeatInterval = defaultHeartbeatInterval
	}
	if r.policy == nil {
		r.policy = NewAccessPolicy(false)
	}
	return r
}

var _ jobclient.RunFunc = (*Runner)(nil).Run

// Run executes one attempt. It is a jobclient.RunFunc.
func (r *Runner) Run(ctx context.Context, req jobclient.Request) error {
	log := r.log.With(logger.AttemptID(req.AttemptID), logger.CCPairID(req.CCPairID))
	ctx = logger.WithContext(ctx, log)

	attempt, err := r.attempts.GetByID(ctx, req.AttemptID)
	if err != nil {
		return fmt.Errorf("load index attempt: %w", err)
	}
	if err = domain.ValidateStateTransition(attempt.Status, domain.StatusInProgress); err != nil {
		log.Warn("Skipping index attempt that cannot start", logger.Error(err))
		return err
	}
	if err = r.attempts.MarkInProgress(ctx, attempt.ID); err != nil {
		log.Error("Index attempt is not startable", logger.String("status", string(attempt.Status)), logger.Error(err))
		return err
	}

	start := time.Now()
	log.Info("Indexing attempt starting", logger.SearchSettingsID(attempt.SearchSettingsID))

	result, runErr := r.run(ctx, attempt, log)

	// Final writes must land even when ctx was cancelled.
	finalCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		r.fail(finalCtx, attempt.ID, failureReason(ctx, runErr), runErr, log)
		return runErr
	}

	if err = r.attempts.MarkSucceeded(finalCtx, attempt.ID); err != nil {
		if errors.Is(err, database.ErrAttemptNotInProgress) {
			return fmt.Errorf("%w: %w", ErrAttemptCancelled, err)
		}
		return err
	}
	if err = r.pairs.UpdateLastSuccessfulIndexTime(finalCtx, attempt.CCPairID, result.windowEnd); err != nil {
		log.Error("Failed to record last successful index time", logger.Error(err))
	}

	log.Info("Indexing attempt finished",
		logger.Int("new_docs", result.newDocs),
		logger.Int("total_docs", result.totalDocs),
		logger.Int("chunks", result.chunks),
		logger.Duration("elapsed", time.Since(start)),
	)
	return nil
}

type runResult struct {
	windowEnd time.Time
	newDocs   int
	totalDocs int
	chunks    int
}

func (r *Runner) run(ctx context.Context, attempt *domain.IndexAttempt, log logger.Logger) (runResult, error) {
	var result runResult

	pair, err := r.pairs.GetCCPair(ctx, attempt.CCPairID)
	if err != nil {
		return result, fmt.Errorf("load cc pair: %w", err)
	}
	if pair.Connector == nil {
		return result, errors.New("connector was deleted")
	}
	if pair.Credential == nil {
		return result, errors.New("credential was deleted")
	}
	settings := attempt.SearchSettings
	if settings == nil {
		return result, fmt.Errorf("search settings %d not found", attempt.SearchSettingsID)
	}

	source, err := r.sources.Build(pair.Connector, pair.Credential, r.batchSize)
	if err != nil {
		return result, err
	}

	now, err := r.attempts.Now(ctx)
	if err != nil {
		return result, err
	}
	window := pollWindow(attempt, pair, now)
	result.windowEnd = window.End

	if err = r.writer.EnsureIndex(ctx, settings); err != nil {
		return result, err
	}
	index := docindex.IndexName(settings)

	log.Debug("Polling connector",
		logger.String("source", string(pair.Connector.Source)),
		logger.Time("window_start", window.Start),
		logger.Time("window_end", window.End),
	)

	err = source.Poll(ctx, window, func(ctx context.Context, docs []domain.Document) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		stop := r.startHeartbeat(ctx, attempt.ID, log)
		chunks, indexErr := r.indexBatch(ctx, pair, settings, index, docs)
		stop()
		if indexErr != nil {
			return indexErr
		}

		result.totalDocs += len(docs)
		result.newDocs += countNew(docs, window.Start)
		result.chunks += chunks

		if progressErr := r.attempts.UpdateProgress(ctx, attempt.ID, result.newDocs, result.totalDocs); progressErr != nil {
			if errors.Is(progressErr, database.ErrAttemptNotInProgress) {
				return fmt.Errorf("%w: %w", ErrAttemptCancelled, progressErr)
			}
			return progressErr
		}
		return nil
	})
	return result, err
}

func (r *Runner) indexBatch(
	ctx context.Context,
	pair *domain.ConnectorCredentialPair,
	settings *domain.SearchSettings,
	index string,
	docs []domain.Document,
) (int, error) {
	var chunks []domain.Chunk
	for i := range docs {
		access := r.policy.Access(&docs[i], pair)
		chunks = append(chunks, chunkDocument(&docs[i], pair.ID, access, r.chunkChars)...)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vectors, err := r.embedder.Embed(ctx, settings, texts)
	if err != nil {
		return 0, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if err = r.writer.WriteChunks(ctx, index, chunks); err != nil {
		return 0, fmt.Errorf("write batch: %w", err)
	}
	return len(chunks), nil
}

// startHeartbeat bumps time_updated every heartbeat interval until stop is
// called. It only runs while a batch is in flight so a source that hangs
// between batches still trips the frozen-run check.
func (r *Runner) startHeartbeat(ctx context.Context, attemptID int64, log logger.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.attempts.Heartbeat(hbCtx, attemptID); err != nil && hbCtx.Err() == nil {
					log.Warn("Index attempt heartbeat failed", logger.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func failureReason(runCtx context.Context, runErr error) string {
	if runCtx.Err() != nil {
		return CancelledReason
	}
	return runErr.Error()
}

func (r *Runner) fail(ctx context.Context, attemptID int64, reason string, runErr error, log logger.Logger) {
	if errors.Is(runErr, ErrAttemptCancelled) {
		log.Info("Indexing attempt stopped after being cancelled")
		return
	}

	log.Error("Indexing attempt failed", logger.Error(runErr))
	if err := r.attempts.MarkFailed(ctx, attemptID, reason); err != nil {
		log.Error("Failed to mark index attempt failed", logger.Error(err))
	}
}

// pollWindow starts at the connector's indexing_start for a full run or a
// pair never indexed, and at the last successful index time otherwise.
func pollWindow(attempt *domain.IndexAttempt, pair *domain.ConnectorCredentialPair, now time.Time) connectors.Window {
	window := connectors.Window{End: now}

	if attempt.FromBeginning || pair.LastSuccessfulIndexTime == nil {
		if pair.Connector.IndexingStart != nil {
			window.Start = *pair.Connector.IndexingStart
		}
		return window
	}

	window.Start = *pair.LastSuccessfulIndexTime
	return window
}

func countNew(docs []domain.Document, since time.Time) int {
	n := 0
	for i := range docs {
		if docs[i].UpdatedAt == nil || docs[i].UpdatedAt.After(since) {
			n++
		}
	}
	return n
}
