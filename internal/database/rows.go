package database

import (
	"database/sql"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

// ccPairRow is a cc pair LEFT JOINed with its connector and credential.
// Connector and credential columns are NULL when the row was deleted.
type ccPairRow struct {
	ID                      int64          `db:"id"`
	ConnectorID             sql.NullInt64  `db:"connector_id"`
	CredentialID            sql.NullInt64  `db:"credential_id"`
	Name                    string         `db:"name"`
	Status                  string         `db:"status"`
	LastSuccessfulIndexTime *time.Time     `db:"last_successful_index_time"`
	ConnName                sql.NullString `db:"conn_name"`
	ConnSource              sql.NullString `db:"conn_source"`
	ConnRefreshFreq         sql.NullInt32  `db:"conn_refresh_freq"`
	ConnIndexingStart       *time.Time     `db:"conn_indexing_start"`
	ConnConfig              domain.JSONMap `db:"conn_config"`
	ConnTimeCreated         *time.Time     `db:"conn_time_created"`
	CredExists              sql.NullInt64  `db:"cred_id"`
	CredJSON                domain.JSONMap `db:"cred_json"`
	CredAdminPublic         sql.NullBool   `db:"cred_admin_public"`
}

const ccPairJoinColumns = `
		ccp.id, ccp.connector_id, ccp.credential_id, ccp.name, ccp.status, ccp.last_successful_index_time,
		c.name AS conn_name, c.source AS conn_source, c.refresh_freq AS conn_refresh_freq,
		c.indexing_start AS conn_indexing_start, c.connector_specific_config AS conn_config,
		c.time_created AS conn_time_created,
		cr.id AS cred_id, cr.credential_json AS cred_json, cr.admin_public AS cred_admin_public`

const ccPairJoins = `
		LEFT JOIN connector c ON c.id = ccp.connector_id
		LEFT JOIN credential cr ON cr.id = ccp.credential_id`

func (r *ccPairRow) toDomain() *domain.ConnectorCredentialPair {
	pair := &domain.ConnectorCredentialPair{
		ID:                      r.ID,
		ConnectorID:             r.ConnectorID.Int64,
		CredentialID:            r.CredentialID.Int64,
		Name:                    r.Name,
		Status:                  domain.CCPairStatus(r.Status),
		LastSuccessfulIndexTime: r.LastSuccessfulIndexTime,
	}

	if r.ConnectorID.Valid && r.ConnSource.Valid {
		conn := &domain.Connector{
			ID:                      r.ConnectorID.Int64,
			Name:                    r.ConnName.String,
			Source:                  domain.DocumentSource(r.ConnSource.String),
			IndexingStart:           r.ConnIndexingStart,
			ConnectorSpecificConfig: r.ConnConfig,
		}
		if r.ConnRefreshFreq.Valid {
			freq := int(r.ConnRefreshFreq.Int32)
			conn.RefreshFreq = &freq
		}
		if r.ConnTimeCreated != nil {
			conn.TimeCreated = *r.ConnTimeCreated
		}
		pair.Connector = conn
	}

	if r.CredentialID.Valid && r.CredExists.Valid {
		pair.Credential = &domain.Credential{
			ID:             r.CredExists.Int64,
			CredentialJSON: r.CredJSON,
			AdminPublic:    r.CredAdminPublic.Bool,
		}
	}

	return pair
}

// attemptJoinRow is an index attempt joined with its cc pair (and through it
// the connector and credential) and its search settings generation.
type attemptJoinRow struct {
	domain.IndexAttempt

	PairID                  sql.NullInt64  `db:"pair_id"`
	PairConnectorID         sql.NullInt64  `db:"pair_connector_id"`
	PairCredentialID        sql.NullInt64  `db:"pair_credential_id"`
	PairName                sql.NullString `db:"pair_name"`
	PairStatus              sql.NullString `db:"pair_status"`
	PairLastSuccessfulIndex *time.Time     `db:"pair_last_successful_index_time"`
	ConnName                sql.NullString `db:"conn_name"`
	ConnSource              sql.NullString `db:"conn_source"`
	ConnRefreshFreq         sql.NullInt32  `db:"conn_refresh_freq"`
	ConnIndexingStart       *time.Time     `db:"conn_indexing_start"`
	ConnConfig              domain.JSONMap `db:"conn_config"`
	CredID                  sql.NullInt64  `db:"cred_id"`
	SettingsModelName       sql.NullString `db:"ss_model_name"`
	SettingsModelDim        sql.NullInt32  `db:"ss_model_dim"`
	SettingsNormalize       sql.NullBool   `db:"ss_normalize"`
	SettingsIndexName       sql.NullString `db:"ss_index_name"`
	SettingsStatus          sql.NullString `db:"ss_status"`
	SettingsProviderType    *string        `db:"ss_provider_type"`
}

const attemptColumns = `
		ia.id, ia.connector_credential_pair_id, ia.search_settings_id, ia.status, ia.from_beginning,
		ia.error_msg, ia.new_docs_indexed, ia.total_docs_indexed,
		ia.time_created, ia.time_updated, ia.time_started`

const attemptJoinColumns = attemptColumns + `,
		ccp.id AS pair_id, ccp.connector_id AS pair_connector_id, ccp.credential_id AS pair_credential_id,
		ccp.name AS pair_name, ccp.status AS pair_status,
		ccp.last_successful_index_time AS pair_last_successful_index_time,
		c.name AS conn_name, c.source AS conn_source, c.refresh_freq AS conn_refresh_freq,
		c.indexing_start AS conn_indexing_start, c.connector_specific_config AS conn_config,
		cr.id AS cred_id,
		ss.model_name AS ss_model_name, ss.model_dim AS ss_model_dim, ss.normalize AS ss_normalize,
		ss.index_name AS ss_index_name, ss.status AS ss_status, ss.provider_type AS ss_provider_type`

const attemptJoins = `
		LEFT JOIN connector_credential_pair ccp ON ccp.id = ia.connector_credential_pair_id
		LEFT JOIN connector c ON c.id = ccp.connector_id
		LEFT JOIN credential cr ON cr.id = ccp.credential_id
		LEFT JOIN search_settings ss ON ss.id = ia.search_settings_id`

func (r *attemptJoinRow) toDomain() *domain.IndexAttempt {
	attempt := r.IndexAttempt

	if r.PairID.Valid {
		pair := &domain.ConnectorCredentialPair{
			ID:                      r.PairID.Int64,
			ConnectorID:             r.PairConnectorID.Int64,
			CredentialID:            r.PairCredentialID.Int64,
			Name:                    r.PairName.String,
			Status:                  domain.CCPairStatus(r.PairStatus.String),
			LastSuccessfulIndexTime: r.PairLastSuccessfulIndex,
		}
		if r.PairConnectorID.Valid && r.ConnSource.Valid {
			conn := &domain.Connector{
				ID:                      r.PairConnectorID.Int64,
				Name:                    r.ConnName.String,
				Source:                  domain.DocumentSource(r.ConnSource.String),
				IndexingStart:           r.ConnIndexingStart,
				ConnectorSpecificConfig: r.ConnConfig,
			}
			if r.ConnRefreshFreq.Valid {
				freq := int(r.ConnRefreshFreq.Int32)
				conn.RefreshFreq = &freq
			}
			pair.Connector = conn
		}
		if r.PairCredentialID.Valid && r.CredID.Valid {
			pair.Credential = &domain.Credential{ID: r.CredID.Int64}
		}
		attempt.CCPair = pair
	}

	if r.SettingsStatus.Valid {
		attempt.SearchSettings = &domain.SearchSettings{
			ID:           attempt.SearchSettingsID,
			ModelName:    r.SettingsModelName.String,
			ModelDim:     int(r.SettingsModelDim.Int32),
			Normalize:    r.SettingsNormalize.Bool,
			IndexName:    r.SettingsIndexName.String,
			Status:       domain.IndexModelStatus(r.SettingsStatus.String),
			ProviderType: r.SettingsProviderType,
		}
	}

	return &attempt
}
