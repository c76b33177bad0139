package docindex_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/docindex"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
)

// mockTransport implements http.RoundTripper for mocking Elasticsearch responses
type mockTransport struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(req *http.Request) (int, string)
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

func (t *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		body = string(raw)
	}

	t.mu.Lock()
	t.requests = append(t.requests, recordedRequest{Method: req.Method, Path: req.URL.Path, Body: body})
	t.mu.Unlock()

	status, payload := t.respond(req)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(payload)),
		Header: http.Header{
			"X-Elastic-Product": []string{"Elasticsearch"},
			"Content-Type":      []string{"application/json"},
		},
	}, nil
}

func newWriter(t *testing.T, transport *mockTransport) *docindex.Writer {
	t.Helper()
	client, err := es.NewClient(es.Config{Transport: transport})
	require.NoError(t, err)
	return docindex.NewWriter(client, logger.NewNop())
}

func TestIndexName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings domain.SearchSettings
		want     string
	}{
		{name: "explicit", settings: domain.SearchSettings{IndexName: "danswer_chunk", ModelName: "x"}, want: "danswer_chunk"},
		{name: "derived", settings: domain.SearchSettings{ModelName: "nomic-ai/nomic-embed-text-v1"}, want: "chunks_nomic_ai_nomic_embed_text_v1"},
		{name: "trimmed", settings: domain.SearchSettings{ModelName: "/Model-A/"}, want: "chunks_model_a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, docindex.IndexName(&tt.settings))
		})
	}
}

func TestEnsureIndex_Exists(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(*http.Request) (int, string) { return http.StatusOK, `{}` }}
	w := newWriter(t, transport)

	err := w.EnsureIndex(context.Background(), &domain.SearchSettings{ModelName: "model", ModelDim: 384})
	require.NoError(t, err)

	require.Len(t, transport.requests, 1)
	assert.Equal(t, http.MethodHead, transport.requests[0].Method)
	assert.Equal(t, "/chunks_model", transport.requests[0].Path)
}

func TestEnsureIndex_Creates(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(req *http.Request) (int, string) {
		if req.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusOK, `{"acknowledged":true}`
	}}
	w := newWriter(t, transport)

	err := w.EnsureIndex(context.Background(), &domain.SearchSettings{ModelName: "model", ModelDim: 384})
	require.NoError(t, err)

	require.Len(t, transport.requests, 2)
	create := transport.requests[1]
	assert.Equal(t, http.MethodPut, create.Method)
	assert.Equal(t, "/chunks_model", create.Path)
	assert.Contains(t, create.Body, `"dims":384`)
	assert.Contains(t, create.Body, `"dense_vector"`)
}

func TestEnsureIndex_CreatedConcurrently(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(req *http.Request) (int, string) {
		if req.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusBadRequest, `{"error":{"type":"resource_already_exists_exception"},"status":400}`
	}}
	w := newWriter(t, transport)

	assert.NoError(t, w.EnsureIndex(context.Background(), &domain.SearchSettings{ModelName: "model", ModelDim: 8}))
}

func TestEnsureIndex_Error(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(req *http.Request) (int, string) {
		if req.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusBadRequest, `{"error":{"type":"mapper_parsing_exception"},"status":400}`
	}}
	w := newWriter(t, transport)

	err := w.EnsureIndex(context.Background(), &domain.SearchSettings{ModelName: "model", ModelDim: 8})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func chunks() []domain.Chunk {
	return []domain.Chunk{
		{DocumentID: "https://example.com/a", ChunkID: 0, Content: "alpha", Embedding: []float32{1, 0}, CCPairID: 3},
		{DocumentID: "https://example.com/b", ChunkID: 1, Content: "beta", Embedding: []float32{0, 1}, CCPairID: 3},
	}
}

func TestWriteChunks(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(*http.Request) (int, string) {
		return http.StatusOK, `{"errors":false,"items":[{"index":{"_id":"a","status":201}},{"index":{"_id":"b","status":201}}]}`
	}}
	w := newWriter(t, transport)

	require.NoError(t, w.WriteChunks(context.Background(), "chunks_model", chunks()))

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, "/chunks_model/_bulk", req.Path)

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(req.Body))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"_id":"https://example.com/a__0"`)
	assert.Contains(t, lines[1], `"content":"alpha"`)
}

func TestWriteChunks_Empty(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(*http.Request) (int, string) { return http.StatusOK, `{}` }}
	w := newWriter(t, transport)

	require.NoError(t, w.WriteChunks(context.Background(), "chunks_model", nil))
	assert.Empty(t, transport.requests)
}

func TestWriteChunks_ItemFailure(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(*http.Request) (int, string) {
		return http.StatusOK, `{"errors":true,"items":[` +
			`{"index":{"_id":"a","status":201}},` +
			`{"index":{"_id":"b","status":400,"error":{"type":"document_parsing_exception","reason":"bad vector"}}}]}`
	}}
	w := newWriter(t, transport)

	err := w.WriteChunks(context.Background(), "chunks_model", chunks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 chunks failed")
	assert.Contains(t, err.Error(), "bad vector")
}

func TestPing(t *testing.T) {
	t.Parallel()

	transport := &mockTransport{respond: func(*http.Request) (int, string) { return http.StatusServiceUnavailable, `` }}
	w := newWriter(t, transport)

	assert.Error(t, w.Ping(context.Background()))
}
