// Package domain holds the index scheduler's data model: index attempts,
// connectors, credentials, cc pairs and search settings generations.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// IndexingStatus is the lifecycle state of an IndexAttempt.
type IndexingStatus string

const (
	StatusNotStarted IndexingStatus = "not_started"
	StatusInProgress IndexingStatus = "in_progress"
	StatusSuccess    IndexingStatus = "success"
	StatusFailed     IndexingStatus = "failed"
)

var validTransitions = map[IndexingStatus][]IndexingStatus{
	StatusNotStarted: {
		StatusInProgress, // picked up by a worker
		StatusFailed,     // force-failed by the dispatcher or cancelled
	},
	StatusInProgress: {
		StatusSuccess,
		StatusFailed,
	},
	StatusSuccess: {},
	StatusFailed:  {},
}

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid index attempt status transition")

// ValidateStateTransition returns an error unless from -> to is allowed.
// The repository enforces the same table in its UPDATE guards; callers check
// it first to report a readable error before touching the row.
func ValidateStateTransition(from, to IndexingStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether no further transition is possible.
func (s IndexingStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// IsValid reports whether s is a known status.
func (s IndexingStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IndexAttempt is one run of indexing a cc pair into one search settings
// generation.
type IndexAttempt struct {
	ID               int64          `db:"id"                           json:"id"`
	CCPairID         int64          `db:"connector_credential_pair_id" json:"cc_pair_id"`
	SearchSettingsID int64          `db:"search_settings_id"           json:"search_settings_id"`
	Status           IndexingStatus `db:"status"                       json:"status"`
	FromBeginning    bool           `db:"from_beginning"               json:"from_beginning"`
	ErrorMsg         *string        `db:"error_msg"                    json:"error_msg,omitempty"`
	NewDocsIndexed   int            `db:"new_docs_indexed"             json:"new_docs_indexed"`
	TotalDocsIndexed int            `db:"total_docs_indexed"           json:"total_docs_indexed"`
	TimeCreated      time.Time      `db:"time_created"                 json:"time_created"`
	TimeUpdated      time.Time      `db:"time_updated"                 json:"time_updated"`
	TimeStarted      *time.Time     `db:"time_started"                 json:"time_started,omitempty"`

	// Populated only by queries that join the related rows.
	CCPair         *ConnectorCredentialPair `db:"-" json:"cc_pair,omitempty"`
	SearchSettings *SearchSettings          `db:"-" json:"search_settings,omitempty"`
}

// FailureReason returns the recorded error message or "".
func (a *IndexAttempt) FailureReason() string {
	if a.ErrorMsg == nil {
		return ""
	}
	return *a.ErrorMsg
}
