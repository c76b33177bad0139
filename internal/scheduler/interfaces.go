// Package scheduler is the indexing orchestration loop. Each tick it promotes a
// finished secondary index, reaps finished and stalled jobs, creates new index
// attempts where the decision engine asks for one and dispatches queued
// attempts to the primary or secondary job client.
package scheduler

import (
	"context"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

// AttemptStore is the subset of the index attempt repository the loop uses.
type AttemptStore interface {
	Now(ctx context.Context) (time.Time, error)
	Create(ctx context.Context, ccPairID, searchSettingsID int64, fromBeginning bool) (int64, error)
	GetByID(ctx context.Context, id int64) (*domain.IndexAttempt, error)
	GetLastForCCPair(ctx context.Context, ccPairID, searchSettingsID int64) (*domain.IndexAttempt, error)
	GetNotStarted(ctx context.Context) ([]*domain.IndexAttempt, error)
	GetInProgress(ctx context.Context, connectorID int64) ([]*domain.IndexAttempt, error)
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// Registry lists configured connectors and cc pairs.
type Registry interface {
	ListCCPairs(ctx context.Context) ([]*domain.ConnectorCredentialPair, error)
	ListConnectors(ctx context.Context) ([]*domain.Connector, error)
}

// SettingsResolver resolves the live search settings generations.
type SettingsResolver interface {
	GetCurrent(ctx context.Context) (*domain.SearchSettings, error)
	GetSecondary(ctx context.Context) (*domain.SearchSettings, error)
	CheckIndexSwap(ctx context.Context) (database.SwapResult, error)
}

// Warmer preloads the embedding model of a self-hosted generation.
type Warmer interface {
	WarmUp(ctx context.Context, settings *domain.SearchSettings) error
}

// LeaderGate reports whether this instance may run ticks.
type LeaderGate interface {
	IsLeader() bool
}

var (
	_ AttemptStore     = (*database.IndexAttemptRepository)(nil)
	_ Registry         = (*database.ConnectorRepository)(nil)
	_ SettingsResolver = (*database.SearchSettingsRepository)(nil)
)
