package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

// ExpiredBySwapReason is recorded on attempts of a retired generation.
const ExpiredBySwapReason = "Canceled due to embeddings model swap"

// IndexAttemptRepository handles index_attempt rows. Every method is a single
// statement or a short explicit transaction; nothing is held across calls.
type IndexAttemptRepository struct {
	db *sqlx.DB
}

// NewIndexAttemptRepository creates a new index attempt repository.
func NewIndexAttemptRepository(db *sqlx.DB) *IndexAttemptRepository {
	return &IndexAttemptRepository{db: db}
}

// Now returns the database clock.
func (r *IndexAttemptRepository) Now(ctx context.Context) (time.Time, error) {
	return Now(ctx, r.db)
}

// Create inserts a NOT_STARTED attempt and returns its id.
func (r *IndexAttemptRepository) Create(
	ctx context.Context, ccPairID, searchSettingsID int64, fromBeginning bool,
) (int64, error) {
	query := `
		INSERT INTO index_attempt (connector_credential_pair_id, search_settings_id, from_beginning, status)
		VALUES ($1, $2, $3, 'not_started')
		RETURNING id
	`

	var id int64
	if err := r.db.QueryRowxContext(ctx, query, ccPairID, searchSettingsID, fromBeginning).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create index attempt: %w", err)
	}
	return id, nil
}

// GetByID loads one attempt with its cc pair and search settings joined.
func (r *IndexAttemptRepository) GetByID(ctx context.Context, id int64) (*domain.IndexAttempt, error) {
	query := `SELECT ` + attemptJoinColumns + `
		FROM index_attempt ia` + attemptJoins + `
		WHERE ia.id = $1`

	var row attemptJoinRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrIndexAttemptNotFound, id)
		}
		return nil, fmt.Errorf("failed to get index attempt: %w", err)
	}
	return row.toDomain(), nil
}

// GetLastForCCPair returns the most recently updated attempt for the pair and
// generation, or nil when none exists.
func (r *IndexAttemptRepository) GetLastForCCPair(
	ctx context.Context, ccPairID, searchSettingsID int64,
) (*domain.IndexAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM index_attempt ia
		WHERE ia.connector_credential_pair_id = $1 AND ia.search_settings_id = $2
		ORDER BY ia.time_updated DESC
		LIMIT 1`

	var attempt domain.IndexAttempt
	if err := r.db.GetContext(ctx, &attempt, query, ccPairID, searchSettingsID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last index attempt: %w", err)
	}
	return &attempt, nil
}

// GetNotStarted returns every NOT_STARTED attempt, oldest first, with cc pair,
// connector, credential and search settings joined.
func (r *IndexAttemptRepository) GetNotStarted(ctx context.Context) ([]*domain.IndexAttempt, error) {
	query := `SELECT ` + attemptJoinColumns + `
		FROM index_attempt ia` + attemptJoins + `
		WHERE ia.status = 'not_started'
		ORDER BY ia.time_created ASC, ia.id ASC`

	return r.selectJoined(ctx, query)
}

// GetInProgress returns the IN_PROGRESS attempts of every cc pair using connectorID.
func (r *IndexAttemptRepository) GetInProgress(ctx context.Context, connectorID int64) ([]*domain.IndexAttempt, error) {
	query := `SELECT ` + attemptJoinColumns + `
		FROM index_attempt ia` + attemptJoins + `
		WHERE ia.status = 'in_progress' AND ccp.connector_id = $1
		ORDER BY ia.time_created ASC`

	return r.selectJoined(ctx, query, connectorID)
}

// List returns recent attempts, optionally filtered by status.
func (r *IndexAttemptRepository) List(
	ctx context.Context, status domain.IndexingStatus, limit int,
) ([]*domain.IndexAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if status == "" {
		query := `SELECT ` + attemptJoinColumns + `
			FROM index_attempt ia` + attemptJoins + `
			ORDER BY ia.time_created DESC
			LIMIT $1`
		return r.selectJoined(ctx, query, limit)
	}

	query := `SELECT ` + attemptJoinColumns + `
		FROM index_attempt ia` + attemptJoins + `
		WHERE ia.status = $1
		ORDER BY ia.time_created DESC
		LIMIT $2`
	return r.selectJoined(ctx, query, string(status), limit)
}

func (r *IndexAttemptRepository) selectJoined(ctx context.Context, query string, args ...any) ([]*domain.IndexAttempt, error) {
	var rows []attemptJoinRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select index attempts: %w", err)
	}

	attempts := make([]*domain.IndexAttempt, 0, len(rows))
	for i := range rows {
		attempts = append(attempts, rows[i].toDomain())
	}
	return attempts, nil
}

// HasPending reports whether the pair already has a NOT_STARTED or
// IN_PROGRESS attempt under the generation.
func (r *IndexAttemptRepository) HasPending(ctx context.Context, ccPairID, searchSettingsID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM index_attempt
			WHERE connector_credential_pair_id = $1 AND search_settings_id = $2
			  AND status IN ('not_started', 'in_progress')
		)
	`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, ccPairID, searchSettingsID); err != nil {
		return false, fmt.Errorf("failed to check pending index attempts: %w", err)
	}
	return exists, nil
}

// MarkFailed force-fails a non-terminal attempt. Failing an attempt that is
// already SUCCESS or FAILED is a no-op so a late cleanup cannot overwrite a
// worker's final result.
func (r *IndexAttemptRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE index_attempt
		SET status = 'failed', error_msg = $2, time_updated = NOW()
		WHERE id = $1 AND status IN ('not_started', 'in_progress')
	`

	result, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark index attempt failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if existsErr := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM index_attempt WHERE id = $1)`, id); existsErr != nil {
		return fmt.Errorf("failed to check index attempt: %w", existsErr)
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrIndexAttemptNotFound, id)
	}
	return nil
}

// MarkInProgress moves a NOT_STARTED attempt to IN_PROGRESS and stamps time_started.
func (r *IndexAttemptRepository) MarkInProgress(ctx context.Context, id int64) error {
	query := `
		UPDATE index_attempt
		SET status = 'in_progress', time_started = NOW(), time_updated = NOW()
		WHERE id = $1 AND status = 'not_started'
	`

	result, err := r.db.ExecContext(ctx, query, id)
	return execRequireRows(result, wrapExec(err, "mark index attempt in progress"), fmt.Errorf("%w: %d", ErrAttemptNotStarted, id))
}

// MarkSucceeded moves an IN_PROGRESS attempt to SUCCESS.
func (r *IndexAttemptRepository) MarkSucceeded(ctx context.Context, id int64) error {
	query := `
		UPDATE index_attempt
		SET status = 'success', time_updated = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`

	result, err := r.db.ExecContext(ctx, query, id)
	return execRequireRows(result, wrapExec(err, "mark index attempt succeeded"), fmt.Errorf("%w: %d", ErrAttemptNotInProgress, id))
}

// UpdateProgress records document counters and bumps time_updated, which is
// the heartbeat the scheduler's frozen-run watchdog reads.
func (r *IndexAttemptRepository) UpdateProgress(ctx context.Context, id int64, newDocs, totalDocs int) error {
	query := `
		UPDATE index_attempt
		SET new_docs_indexed = $2, total_docs_indexed = $3, time_updated = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`

	result, err := r.db.ExecContext(ctx, query, id, newDocs, totalDocs)
	return execRequireRows(result, wrapExec(err, "update index attempt progress"), fmt.Errorf("%w: %d", ErrAttemptNotInProgress, id))
}

// Heartbeat bumps time_updated without changing counters.
func (r *IndexAttemptRepository) Heartbeat(ctx context.Context, id int64) error {
	query := `UPDATE index_attempt SET time_updated = NOW() WHERE id = $1 AND status = 'in_progress'`

	result, err := r.db.ExecContext(ctx, query, id)
	return execRequireRows(result, wrapExec(err, "heartbeat index attempt"), fmt.Errorf("%w: %d", ErrAttemptNotInProgress, id))
}

// ExpireForSearchSettings drops queued attempts of a retired generation and
// fails the ones still running.
func (r *IndexAttemptRepository) ExpireForSearchSettings(ctx context.Context, searchSettingsID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin expire transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if expireErr := expireAttempts(ctx, tx, searchSettingsID); expireErr != nil {
		return expireErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("failed to commit expire transaction: %w", commitErr)
	}
	return nil
}

func countUniqueCCPairsWithSuccess(ctx context.Context, q sqlx.QueryerContext, searchSettingsID int64) (int, error) {
	query := `
		SELECT COUNT(DISTINCT connector_credential_pair_id)
		FROM index_attempt
		WHERE search_settings_id = $1 AND status = 'success'
	`

	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, searchSettingsID); err != nil {
		return 0, fmt.Errorf("failed to count successful cc pairs: %w", err)
	}
	return count, nil
}

func expireAttempts(ctx context.Context, tx *sqlx.Tx, searchSettingsID int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_attempt WHERE search_settings_id = $1 AND status = 'not_started'`,
		searchSettingsID,
	); err != nil {
		return fmt.Errorf("failed to delete queued index attempts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE index_attempt
		SET status = 'failed', error_msg = $2, time_updated = NOW()
		WHERE search_settings_id = $1 AND status = 'in_progress'`,
		searchSettingsID, ExpiredBySwapReason,
	); err != nil {
		return fmt.Errorf("failed to expire running index attempts: %w", err)
	}
	return nil
}
