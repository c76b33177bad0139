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

// ConnectorRepository reads connectors and connector-credential pairs. The
// CRUD side of these tables belongs to the admin API; the scheduler only
// reads them and records successful index times.
type ConnectorRepository struct {
	db *sqlx.DB
}

// NewConnectorRepository creates a new connector repository.
func NewConnectorRepository(db *sqlx.DB) *ConnectorRepository {
	return &ConnectorRepository{db: db}
}

// ListCCPairs returns every cc pair with its connector and credential joined.
func (r *ConnectorRepository) ListCCPairs(ctx context.Context) ([]*domain.ConnectorCredentialPair, error) {
	query := `SELECT ` + ccPairJoinColumns + `
		FROM connector_credential_pair ccp` + ccPairJoins + `
		ORDER BY ccp.id ASC`

	var rows []ccPairRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list cc pairs: %w", err)
	}

	pairs := make([]*domain.ConnectorCredentialPair, 0, len(rows))
	for i := range rows {
		pairs = append(pairs, rows[i].toDomain())
	}
	return pairs, nil
}

// GetCCPair loads one cc pair with its connector and credential joined.
func (r *ConnectorRepository) GetCCPair(ctx context.Context, id int64) (*domain.ConnectorCredentialPair, error) {
	query := `SELECT ` + ccPairJoinColumns + `
		FROM connector_credential_pair ccp` + ccPairJoins + `
		WHERE ccp.id = $1`

	var row ccPairRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrCCPairNotFound, id)
		}
		return nil, fmt.Errorf("failed to get cc pair: %w", err)
	}
	return row.toDomain(), nil
}

// ListConnectors returns every connector.
func (r *ConnectorRepository) ListConnectors(ctx context.Context) ([]*domain.Connector, error) {
	query := `
		SELECT id, name, source, refresh_freq, indexing_start, connector_specific_config, time_created
		FROM connector
		ORDER BY id ASC
	`

	var connectors []*domain.Connector
	if err := r.db.SelectContext(ctx, &connectors, query); err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	if connectors == nil {
		connectors = []*domain.Connector{}
	}
	return connectors, nil
}

// CountCCPairs returns the number of cc pairs.
func (r *ConnectorRepository) CountCCPairs(ctx context.Context) (int, error) {
	return countCCPairs(ctx, r.db)
}

// UpdateLastSuccessfulIndexTime records when the pair last finished indexing.
func (r *ConnectorRepository) UpdateLastSuccessfulIndexTime(ctx context.Context, ccPairID int64, at time.Time) error {
	query := `UPDATE connector_credential_pair SET last_successful_index_time = $2 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, ccPairID, at)
	return execRequireRows(result, wrapExec(err, "update last successful index time"), fmt.Errorf("%w: %d", ErrCCPairNotFound, ccPairID))
}

func countCCPairs(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, q, &count, `SELECT COUNT(*) FROM connector_credential_pair`); err != nil {
		return 0, fmt.Errorf("failed to count cc pairs: %w", err)
	}
	return count, nil
}
