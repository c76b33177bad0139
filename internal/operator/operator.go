// Package operator implements the manual actions an operator can take on
// index attempts outside the update loop.
package operator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// CancelledByUserReason is recorded on attempts cancelled by an operator. The
// next cleanup pass cancels the job running them.
const CancelledByUserReason = "Canceled by user"

var (
	// ErrPairNotRunnable is returned when a run is requested for a pair that
	// cannot be indexed.
	ErrPairNotRunnable = errors.New("cc pair cannot be indexed")
	// ErrAttemptFinished is returned when cancelling an attempt that already ended.
	ErrAttemptFinished = errors.New("index attempt already finished")
)

// AttemptStore is the subset of the attempt repository operator actions use.
type AttemptStore interface {
	Create(ctx context.Context, ccPairID, searchSettingsID int64, fromBeginning bool) (int64, error)
	GetByID(ctx context.Context, id int64) (*domain.IndexAttempt, error)
	HasPending(ctx context.Context, ccPairID, searchSettingsID int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) error
	List(ctx context.Context, status domain.IndexingStatus, limit int) ([]*domain.IndexAttempt, error)
}

// PairStore loads cc pairs.
type PairStore interface {
	GetCCPair(ctx context.Context, id int64) (*domain.ConnectorCredentialPair, error)
}

// SettingsStore resolves and retires search settings generations.
type SettingsStore interface {
	GetCurrent(ctx context.Context) (*domain.SearchSettings, error)
	GetSecondary(ctx context.Context) (*domain.SearchSettings, error)
	CancelFuture(ctx context.Context) (bool, error)
}

var (
	_ AttemptStore  = (*database.IndexAttemptRepository)(nil)
	_ PairStore     = (*database.ConnectorRepository)(nil)
	_ SettingsStore = (*database.SearchSettingsRepository)(nil)
)

// Service performs operator actions.
type Service struct {
	attempts AttemptStore
	pairs    PairStore
	settings SettingsStore
	log      logger.Logger
}

// NewService creates a Service.
func NewService(attempts AttemptStore, pairs PairStore, settings SettingsStore, log logger.Logger) *Service {
	return &Service{attempts: attempts, pairs: pairs, settings: settings, log: log}
}

// RunOnce queues an attempt for the pair under the PRESENT generation and,
// during a migration, the FUTURE one. A generation that already has a pending
// attempt for the pair is skipped. It returns the created attempt ids.
func (s *Service) RunOnce(ctx context.Context, ccPairID int64, fromBeginning bool) ([]int64, error) {
	pair, err := s.pairs.GetCCPair(ctx, ccPairID)
	if err != nil {
		return nil, err
	}
	if pair.Connector == nil || pair.Credential == nil {
		return nil, fmt.Errorf("%w: %d has no connector or credential", ErrPairNotRunnable, ccPairID)
	}
	if pair.Status == domain.CCPairDeleting {
		return nil, fmt.Errorf("%w: %d is being deleted", ErrPairNotRunnable, ccPairID)
	}

	current, err := s.settings.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	generations := []*domain.SearchSettings{current}

	secondary, err := s.settings.GetSecondary(ctx)
	if err != nil {
		return nil, err
	}
	if secondary != nil {
		generations = append(generations, secondary)
	}

	var created []int64
	for _, settings := range generations {
		pending, pendingErr := s.attempts.HasPending(ctx, ccPairID, settings.ID)
		if pendingErr != nil {
			return created, pendingErr
		}
		if pending {
			s.log.Info("Index attempt already pending, skipping",
				logger.CCPairID(ccPairID),
				logger.SearchSettingsID(settings.ID),
			)
			continue
		}

		id, createErr := s.attempts.Create(ctx, ccPairID, settings.ID, fromBeginning)
		if createErr != nil {
			return created, createErr
		}
		s.log.Info("Queued manual index attempt",
			logger.AttemptID(id),
			logger.CCPairID(ccPairID),
			logger.SearchSettingsID(settings.ID),
			logger.Bool("from_beginning", fromBeginning),
		)
		created = append(created, id)
	}
	return created, nil
}

// Cancel fails a NOT_STARTED or IN_PROGRESS attempt.
func (s *Service) Cancel(ctx context.Context, attemptID int64) error {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return err
	}
	if err = domain.ValidateStateTransition(attempt.Status, domain.StatusFailed); err != nil {
		if attempt.Status.IsTerminal() {
			return fmt.Errorf("%w: %d is %s", ErrAttemptFinished, attemptID, attempt.Status)
		}
		return fmt.Errorf("cancel index attempt %d: %w", attemptID, err)
	}

	if err = s.attempts.MarkFailed(ctx, attemptID, CancelledByUserReason); err != nil {
		return err
	}
	s.log.Info("Index attempt cancelled by user", logger.AttemptID(attemptID))
	return nil
}

// List returns recent attempts, optionally filtered by status.
func (s *Service) List(ctx context.Context, status domain.IndexingStatus, limit int) ([]*domain.IndexAttempt, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return s.attempts.List(ctx, status, limit)
}

// CancelMigration abandons the FUTURE generation and expires its attempts.
// It reports whether there was a migration to cancel.
func (s *Service) CancelMigration(ctx context.Context) (bool, error) {
	cancelled, err := s.settings.CancelFuture(ctx)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.log.Info("Cancelled search settings migration")
	}
	return cancelled, nil
}
