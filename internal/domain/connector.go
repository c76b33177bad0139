package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DocumentSource names the external system a connector reads from.
type DocumentSource string

const (
	SourceNotApplicable DocumentSource = "not_applicable"
	SourceIngestionAPI  DocumentSource = "ingestion_api"
	SourceWeb           DocumentSource = "web"
	SourceFile          DocumentSource = "file"
	SourceConfluence    DocumentSource = "confluence"
	SourceJira          DocumentSource = "jira"
	SourceGoogleDrive   DocumentSource = "google_drive"
	SourceGmail         DocumentSource = "gmail"
)

// IngestionConnectorID is the sentinel connector that receives pushed documents.
const IngestionConnectorID int64 = 0

// CCPairStatus is the operator-controlled state of a cc pair.
type CCPairStatus string

const (
	CCPairActive   CCPairStatus = "ACTIVE"
	CCPairPaused   CCPairStatus = "PAUSED"
	CCPairDeleting CCPairStatus = "DELETING"
)

// JSONMap is a JSONB column decoded into a map.
type JSONMap map[string]any

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// String reads a string value, returning "" when absent or not a string.
func (m JSONMap) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Connector describes what to index and how often.
type Connector struct {
	ID     int64          `db:"id"     json:"id"`
	Name   string         `db:"name"   json:"name"`
	Source DocumentSource `db:"source" json:"source"`
	// RefreshFreq is in seconds; nil means the connector only runs on demand.
	RefreshFreq             *int       `db:"refresh_freq"              json:"refresh_freq,omitempty"`
	IndexingStart           *time.Time `db:"indexing_start"            json:"indexing_start,omitempty"`
	ConnectorSpecificConfig JSONMap    `db:"connector_specific_config" json:"connector_specific_config"`
	TimeCreated             time.Time  `db:"time_created"              json:"time_created"`
}

// IsIngestionOnly reports whether documents arrive by push rather than poll.
func (c *Connector) IsIngestionOnly() bool {
	return c.ID == IngestionConnectorID || c.Source == SourceIngestionAPI
}

// Credential is the secret material a connector authenticates with.
type Credential struct {
	ID             int64   `db:"id"              json:"id"`
	CredentialJSON JSONMap `db:"credential_json" json:"-"`
	AdminPublic    bool    `db:"admin_public"    json:"admin_public"`
}

// ConnectorCredentialPair binds a connector to a credential. It is the unit
// that gets indexed.
type ConnectorCredentialPair struct {
	ID                      int64        `db:"id"                         json:"id"`
	ConnectorID             int64        `db:"connector_id"               json:"connector_id"`
	CredentialID            int64        `db:"credential_id"              json:"credential_id"`
	Name                    string       `db:"name"                       json:"name"`
	Status                  CCPairStatus `db:"status"                     json:"status"`
	LastSuccessfulIndexTime *time.Time   `db:"last_successful_index_time" json:"last_successful_index_time,omitempty"`

	// Nil when the referenced row has been deleted.
	Connector  *Connector  `db:"-" json:"connector,omitempty"`
	Credential *Credential `db:"-" json:"credential,omitempty"`
}

// IsActive reports whether the pair should be scheduled.
func (p *ConnectorCredentialPair) IsActive() bool {
	return p.Status == CCPairActive
}
