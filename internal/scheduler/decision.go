package scheduler

import (
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

// IndexingDecision is everything ShouldCreateNewIndexing looks at.
type IndexingDecision struct {
	CCPair *domain.ConnectorCredentialPair
	// LastAttempt is the most recently updated attempt for the pair under
	// SearchSettings, or nil.
	LastAttempt            *domain.IndexAttempt
	SearchSettings         *domain.SearchSettings
	SecondaryIndexBuilding bool
	// DisableIndexUpdateOnSwap pauses PRESENT indexing while FUTURE is built.
	DisableIndexUpdateOnSwap bool
	// Now is the database clock.
	Now time.Time
}

// ShouldCreateNewIndexing decides whether a new attempt is due for the pair
// under the given generation. The first matching rule wins.
func ShouldCreateNewIndexing(d IndexingDecision) bool {
	connector := d.CCPair.Connector
	if connector == nil {
		return false
	}

	if connector.Source == domain.SourceNotApplicable {
		return false
	}

	if d.DisableIndexUpdateOnSwap &&
		d.SearchSettings.Status == domain.ModelPresent &&
		d.SecondaryIndexBuilding {
		return false
	}

	// A FUTURE generation is seeded once per cc pair so it can be swapped in.
	if d.SearchSettings.Status == domain.ModelFuture {
		if d.LastAttempt != nil {
			switch d.LastAttempt.Status {
			case domain.StatusSuccess, domain.StatusNotStarted, domain.StatusInProgress:
				return false
			case domain.StatusFailed:
			}
		} else if connector.IsIngestionOnly() {
			return false
		}
		return true
	}

	if !d.CCPair.IsActive() || connector.IsIngestionOnly() {
		return false
	}

	if d.LastAttempt == nil {
		return true
	}

	if connector.RefreshFreq == nil {
		return false
	}

	if d.LastAttempt.Status == domain.StatusNotStarted || d.LastAttempt.Status == domain.StatusInProgress {
		return false
	}

	refresh := time.Duration(*connector.RefreshFreq) * time.Second
	return d.Now.Sub(d.LastAttempt.TimeUpdated) >= refresh
}
