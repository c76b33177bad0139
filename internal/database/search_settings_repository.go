package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

const searchSettingsColumns = `id, model_name, model_dim, normalize, index_name, status, provider_type`

// SwapResult describes one CheckIndexSwap evaluation.
type SwapResult struct {
	// Swapped is true when FUTURE was promoted to PRESENT.
	Swapped bool
	// OldID and NewID are set when Swapped.
	OldID int64
	NewID int64
	// CCPairCount excludes the ingestion API pair.
	CCPairCount int
	// UniqueIndexed is the number of cc pairs with a SUCCESS attempt under FUTURE.
	UniqueIndexed int
}

// SearchSettingsRepository resolves the PRESENT and FUTURE generations and
// performs the swap between them.
type SearchSettingsRepository struct {
	db *sqlx.DB
}

// NewSearchSettingsRepository creates a new search settings repository.
func NewSearchSettingsRepository(db *sqlx.DB) *SearchSettingsRepository {
	return &SearchSettingsRepository{db: db}
}

// GetCurrent returns the PRESENT generation.
func (r *SearchSettingsRepository) GetCurrent(ctx context.Context) (*domain.SearchSettings, error) {
	settings, err := getByStatus(ctx, r.db, domain.ModelPresent)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, ErrNoCurrentSearchSettings
	}
	return settings, nil
}

// GetSecondary returns the FUTURE generation, or nil when no migration is underway.
func (r *SearchSettingsRepository) GetSecondary(ctx context.Context) (*domain.SearchSettings, error) {
	return getByStatus(ctx, r.db, domain.ModelFuture)
}

// GetByID loads one generation.
func (r *SearchSettingsRepository) GetByID(ctx context.Context, id int64) (*domain.SearchSettings, error) {
	var settings domain.SearchSettings
	query := `SELECT ` + searchSettingsColumns + ` FROM search_settings WHERE id = $1`
	if err := r.db.GetContext(ctx, &settings, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrSearchSettingsNotFound, id)
		}
		return nil, fmt.Errorf("failed to get search settings: %w", err)
	}
	return &settings, nil
}

// CheckIndexSwap promotes FUTURE to PRESENT once every cc pair other than the
// ingestion API pair has a successful attempt under FUTURE. The old PRESENT
// becomes PAST and its outstanding attempts are expired, all in one transaction.
func (r *SearchSettingsRepository) CheckIndexSwap(ctx context.Context) (SwapResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return SwapResult{}, fmt.Errorf("failed to begin swap transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	future, err := getByStatus(ctx, tx, domain.ModelFuture, true)
	if err != nil {
		return SwapResult{}, err
	}
	if future == nil {
		return SwapResult{}, nil
	}

	total, err := countCCPairs(ctx, tx)
	if err != nil {
		return SwapResult{}, err
	}
	result := SwapResult{CCPairCount: max(total-1, 0)}

	result.UniqueIndexed, err = countUniqueCCPairsWithSuccess(ctx, tx, future.ID)
	if err != nil {
		return SwapResult{}, err
	}

	if result.CCPairCount != 0 && result.CCPairCount != result.UniqueIndexed {
		return result, nil
	}

	present, err := getByStatus(ctx, tx, domain.ModelPresent, true)
	if err != nil {
		return SwapResult{}, err
	}

	if present != nil {
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE search_settings SET status = 'PAST' WHERE id = $1`, present.ID,
		); execErr != nil {
			return SwapResult{}, fmt.Errorf("failed to retire current search settings: %w", execErr)
		}
		result.OldID = present.ID
	}
	if _, execErr := tx.ExecContext(ctx,
		`UPDATE search_settings SET status = 'PRESENT' WHERE id = $1`, future.ID,
	); execErr != nil {
		return SwapResult{}, fmt.Errorf("failed to promote future search settings: %w", execErr)
	}

	if present != nil && result.CCPairCount > 0 {
		if expireErr := expireAttempts(ctx, tx, present.ID); expireErr != nil {
			return SwapResult{}, expireErr
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return SwapResult{}, fmt.Errorf("failed to commit swap transaction: %w", commitErr)
	}

	result.Swapped = true
	result.NewID = future.ID
	return result, nil
}

// CancelFuture abandons an in-flight migration: FUTURE becomes PAST and its
// attempts are expired. Returns false when there was no FUTURE generation.
func (r *SearchSettingsRepository) CancelFuture(ctx context.Context) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	future, err := getByStatus(ctx, tx, domain.ModelFuture, true)
	if err != nil {
		return false, err
	}
	if future == nil {
		return false, nil
	}

	if _, execErr := tx.ExecContext(ctx,
		`UPDATE search_settings SET status = 'PAST' WHERE id = $1`, future.ID,
	); execErr != nil {
		return false, fmt.Errorf("failed to retire future search settings: %w", execErr)
	}
	if expireErr := expireAttempts(ctx, tx, future.ID); expireErr != nil {
		return false, expireErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return false, fmt.Errorf("failed to commit cancel transaction: %w", commitErr)
	}
	return true, nil
}

// getByStatus returns the single generation in status, or nil. forUpdate
// locks the row for the rest of the transaction.
func getByStatus(
	ctx context.Context, q sqlx.QueryerContext, status domain.IndexModelStatus, forUpdate ...bool,
) (*domain.SearchSettings, error) {
	query := `SELECT ` + searchSettingsColumns + ` FROM search_settings WHERE status = $1 ORDER BY id DESC LIMIT 1`
	if len(forUpdate) > 0 && forUpdate[0] {
		query += ` FOR UPDATE`
	}

	var settings domain.SearchSettings
	if err := sqlx.GetContext(ctx, q, &settings, query, string(status)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s search settings: %w", status, err)
	}
	return &settings, nil
}
