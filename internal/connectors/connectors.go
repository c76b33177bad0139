// Package connectors resolves a connector row to the implementation that
// pulls its documents.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
)

// ErrUnknownSource is returned when no implementation is registered for a
// connector's source.
var ErrUnknownSource = errors.New("no connector implementation for source")

// Window bounds the documents a poll should return by update time.
type Window struct {
	Start time.Time
	End   time.Time
}

// EmitFunc receives one batch of documents. Returning an error stops the poll.
type EmitFunc func(ctx context.Context, docs []domain.Document) error

// Source pulls documents from an external system.
type Source interface {
	Poll(ctx context.Context, window Window, emit EmitFunc) error
}

// Factory builds a Source for a connector and its credential.
type Factory func(connector *domain.Connector, credential *domain.Credential, batchSize int) (Source, error)

// Registry maps document sources to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.DocumentSource]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.DocumentSource]Factory)}
}

// Register adds or replaces the factory for source.
func (r *Registry) Register(source domain.DocumentSource, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[source] = f
}

// Build returns the Source for a cc pair's connector.
func (r *Registry) Build(connector *domain.Connector, credential *domain.Credential, batchSize int) (Source, error) {
	r.mu.RLock()
	f, ok := r.factories[connector.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, connector.Source)
	}

	src, err := f(connector, credential, batchSize)
	if err != nil {
		return nil, fmt.Errorf("build %s connector %d: %w", connector.Source, connector.ID, err)
	}
	return src, nil
}
