package scheduler_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/database"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// fakeStore is an in-memory AttemptStore, Registry and SettingsResolver.
type fakeStore struct {
	mu sync.Mutex

	now      time.Time
	nextID   int64
	attempts map[int64]*domain.IndexAttempt

	pairs      []*domain.ConnectorCredentialPair
	connectors []*domain.Connector
	current    *domain.SearchSettings
	secondary  *domain.SearchSettings

	failures   map[int64]string
	created    int
	swapResult database.SwapResult
	swapCalls  int
	swapPanic  bool
}

func newFakeStore(now time.Time) *fakeStore {
	return &fakeStore{
		now:      now,
		attempts: make(map[int64]*domain.IndexAttempt),
		failures: make(map[int64]string),
		current: &domain.SearchSettings{
			ID: 1, ModelName: "nomic-ai/nomic-embed-text-v1", Status: domain.ModelPresent,
		},
	}
}

func refresh(seconds int) *int { return &seconds }

// addPair registers an active cc pair with its own connector and credential.
func (f *fakeStore) addPair(id, connectorID int64, source domain.DocumentSource, refreshFreq *int) *domain.ConnectorCredentialPair {
	f.mu.Lock()
	defer f.mu.Unlock()

	connector := &domain.Connector{ID: connectorID, Name: fmt.Sprintf("connector-%d", connectorID), Source: source, RefreshFreq: refreshFreq}
	pair := &domain.ConnectorCredentialPair{
		ID:           id,
		ConnectorID:  connectorID,
		CredentialID: id,
		Name:         fmt.Sprintf("pair-%d", id),
		Status:       domain.CCPairActive,
		Connector:    connector,
		Credential:   &domain.Credential{ID: id},
	}
	f.pairs = append(f.pairs, pair)
	f.connectors = append(f.connectors, connector)
	return pair
}

// addAttempt inserts an attempt directly and returns its id.
func (f *fakeStore) addAttempt(ccPairID, settingsID int64, status domain.IndexingStatus, updated time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.attempts[f.nextID] = &domain.IndexAttempt{
		ID:               f.nextID,
		CCPairID:         ccPairID,
		SearchSettingsID: settingsID,
		Status:           status,
		TimeCreated:      updated,
		TimeUpdated:      updated,
	}
	return f.nextID
}

func (f *fakeStore) attempt(id int64) domain.IndexAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.attempts[id]
}

func (f *fakeStore) countStatus(status domain.IndexingStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a.Status == status {
			n++
		}
	}
	return n
}

func (f *fakeStore) settingsByID(id int64) *domain.SearchSettings {
	if f.current != nil && f.current.ID == id {
		return f.current
	}
	if f.secondary != nil && f.secondary.ID == id {
		return f.secondary
	}
	return nil
}

func (f *fakeStore) pairByID(id int64) *domain.ConnectorCredentialPair {
	for _, p := range f.pairs {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (f *fakeStore) joined(a *domain.IndexAttempt) *domain.IndexAttempt {
	c := *a
	c.CCPair = f.pairByID(a.CCPairID)
	c.SearchSettings = f.settingsByID(a.SearchSettingsID)
	return &c
}

func (f *fakeStore) Now(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

func (f *fakeStore) Create(_ context.Context, ccPairID, searchSettingsID int64, fromBeginning bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.created++
	// Later inserts sort after earlier ones.
	ts := f.now.Add(time.Duration(f.nextID) * time.Microsecond)
	f.attempts[f.nextID] = &domain.IndexAttempt{
		ID:               f.nextID,
		CCPairID:         ccPairID,
		SearchSettingsID: searchSettingsID,
		Status:           domain.StatusNotStarted,
		FromBeginning:    fromBeginning,
		TimeCreated:      ts,
		TimeUpdated:      ts,
	}
	return f.nextID, nil
}

func (f *fakeStore) GetByID(_ context.Context, id int64) (*domain.IndexAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", database.ErrIndexAttemptNotFound, id)
	}
	return f.joined(a), nil
}

func (f *fakeStore) GetLastForCCPair(_ context.Context, ccPairID, searchSettingsID int64) (*domain.IndexAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var last *domain.IndexAttempt
	for _, a := range f.attempts {
		if a.CCPairID != ccPairID || a.SearchSettingsID != searchSettingsID {
			continue
		}
		if last == nil || a.TimeUpdated.After(last.TimeUpdated) {
			last = a
		}
	}
	if last == nil {
		return nil, nil
	}
	c := *last
	return &c, nil
}

func (f *fakeStore) GetNotStarted(context.Context) ([]*domain.IndexAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*domain.IndexAttempt
	for _, a := range f.attempts {
		if a.Status == domain.StatusNotStarted {
			out = append(out, f.joined(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeCreated.Equal(out[j].TimeCreated) {
			return out[i].ID < out[j].ID
		}
		return out[i].TimeCreated.Before(out[j].TimeCreated)
	})
	return out, nil
}

func (f *fakeStore) GetInProgress(_ context.Context, connectorID int64) ([]*domain.IndexAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*domain.IndexAttempt
	for _, a := range f.attempts {
		if a.Status != domain.StatusInProgress {
			continue
		}
		pair := f.pairByID(a.CCPairID)
		if pair != nil && pair.Connector != nil && pair.ConnectorID == connectorID {
			out = append(out, f.joined(a))
		}
	}
	return out, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.attempts[id]
	if !ok {
		return fmt.Errorf("%w: %d", database.ErrIndexAttemptNotFound, id)
	}
	if a.Status.IsTerminal() {
		return nil
	}
	a.Status = domain.StatusFailed
	a.ErrorMsg = &reason
	a.TimeUpdated = f.now
	f.failures[id] = reason
	return nil
}

func (f *fakeStore) ListCCPairs(context.Context) ([]*domain.ConnectorCredentialPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.ConnectorCredentialPair(nil), f.pairs...), nil
}

func (f *fakeStore) ListConnectors(context.Context) ([]*domain.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Connector(nil), f.connectors...), nil
}

func (f *fakeStore) GetCurrent(context.Context) (*domain.SearchSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeStore) GetSecondary(context.Context) (*domain.SearchSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secondary, nil
}

func (f *fakeStore) CheckIndexSwap(context.Context) (database.SwapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swapCalls++
	if f.swapPanic {
		panic("swap exploded")
	}
	return f.swapResult, nil
}

func (f *fakeStore) setStatus(id int64, status domain.IndexingStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id].Status = status
}

func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// recordingLogger keeps the messages of error entries.
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(string, ...logger.Field) {}
func (l *recordingLogger) Info(string, ...logger.Field)  {}
func (l *recordingLogger) Warn(string, ...logger.Field)  {}
func (l *recordingLogger) Fatal(string, ...logger.Field) {}

func (l *recordingLogger) Error(msg string, _ ...logger.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) With(...logger.Field) logger.Logger { return l }
func (l *recordingLogger) Sync() error                        { return nil }

func (l *recordingLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}
