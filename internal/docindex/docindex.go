// Package docindex writes embedded chunks to the Elasticsearch index of a
// search settings generation.
package docindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

const indexPrefix = "chunks_"

var unsafeIndexChars = regexp.MustCompile(`[^a-z0-9_]+`)

// Config holds the Elasticsearch connection settings.
type Config struct {
	URL        string
	Username   string
	Password   string
	MaxRetries int
}

// NewClient creates an Elasticsearch client. It does not contact the cluster.
func NewClient(cfg Config) (*es.Client, error) {
	address := cfg.URL
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}

	esCfg := es.Config{
		Addresses:  []string{address},
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.Username != "" && cfg.Password != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	client, err := es.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return client, nil
}

// IndexName returns the chunk index of a generation. An explicit index name on
// the settings wins; otherwise it is derived from the model name.
func IndexName(settings *domain.SearchSettings) string {
	if settings.IndexName != "" {
		return settings.IndexName
	}
	name := unsafeIndexChars.ReplaceAllString(strings.ToLower(settings.ModelName), "_")
	return indexPrefix + strings.Trim(name, "_")
}

// Writer creates chunk indices and bulk-writes chunks into them.
type Writer struct {
	client *es.Client
	log    logger.Logger
}

// NewWriter creates a Writer.
func NewWriter(client *es.Client, log logger.Logger) *Writer {
	return &Writer{client: client, log: log}
}

// Ping checks the cluster is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	res, err := w.client.Ping(w.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error pinging Elasticsearch: %s", res.String())
	}
	return nil
}

// EnsureIndex creates the generation's chunk index if it does not exist.
func (w *Writer) EnsureIndex(ctx context.Context, settings *domain.SearchSettings) error {
	index := IndexName(settings)

	exists, err := w.indexExists(ctx, index)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	body, err := json.Marshal(chunkMapping(settings.ModelDim))
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	res, err := w.client.Indices.Create(index,
		w.client.Indices.Create.WithBody(bytes.NewReader(body)),
		w.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		// Another worker created it first.
		if strings.Contains(string(raw), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("error creating index %s: %s", index, string(raw))
	}

	w.log.Info("Created chunk index",
		logger.String("index", index),
		logger.Int("dimensions", settings.ModelDim),
	)
	return nil
}

func (w *Writer) indexExists(ctx context.Context, index string) (bool, error) {
	res, err := w.client.Indices.Exists([]string{index}, w.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to check index existence: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, fmt.Errorf("error checking index existence: %s", res.String())
	}
	return true, nil
}

// ChunkDocID is the Elasticsearch _id of a chunk. Re-indexing a document
// overwrites its chunks in place.
func ChunkDocID(c domain.Chunk) string {
	return fmt.Sprintf("%s__%d", c.DocumentID, c.ChunkID)
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// WriteChunks bulk-indexes chunks into index. It fails if any item fails.
func (w *Writer) WriteChunks(ctx context.Context, index string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		meta := map[string]any{"index": map[string]any{"_index": index, "_id": ChunkDocID(c)}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode chunk %s: %w", ChunkDocID(c), err)
		}
	}

	res, err := w.client.Bulk(bytes.NewReader(buf.Bytes()),
		w.client.Bulk.WithContext(ctx),
		w.client.Bulk.WithIndex(index),
	)
	if err != nil {
		return fmt.Errorf("failed to bulk index chunks: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return fmt.Errorf("error bulk indexing chunks: %s", string(raw))
	}

	var parsed bulkResponse
	if decodeErr := json.NewDecoder(res.Body).Decode(&parsed); decodeErr != nil {
		return fmt.Errorf("failed to decode bulk response: %w", decodeErr)
	}
	if !parsed.Errors {
		return nil
	}

	failed := 0
	var first string
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			failed++
			if first == "" {
				first = fmt.Sprintf("%s: %s: %s", result.ID, result.Error.Type, result.Error.Reason)
			}
		}
	}
	return fmt.Errorf("%d of %d chunks failed to index, first: %s", failed, len(chunks), first)
}

func chunkMapping(dims int) map[string]any {
	embedding := map[string]any{"type": "dense_vector"}
	if dims > 0 {
		embedding["dims"] = dims
		embedding["index"] = true
		embedding["similarity"] = "cosine"
	}

	return map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"document_id":         map[string]any{"type": "keyword"},
				"chunk_id":            map[string]any{"type": "integer"},
				"source":              map[string]any{"type": "keyword"},
				"semantic_identifier": map[string]any{"type": "text"},
				"link":                map[string]any{"type": "keyword", "index": false},
				"content":             map[string]any{"type": "text"},
				"embedding":           embedding,
				"cc_pair_id":          map[string]any{"type": "long"},
				"doc_updated_at":      map[string]any{"type": "date"},
				"access": map[string]any{
					"properties": map[string]any{
						"public": map[string]any{"type": "boolean"},
						"users":  map[string]any{"type": "keyword"},
						"groups": map[string]any{"type": "keyword"},
					},
				},
			},
		},
	}
}
