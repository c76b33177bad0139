package embedding_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/embedding"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/retry"
)

func fastRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func settings() *domain.SearchSettings {
	return &domain.SearchSettings{ID: 1, ModelName: "nomic-ai/nomic-embed-text-v1", ModelDim: 3, Normalize: true}
}

func TestClient_Embed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/encoder/bi-encoder-embed" {
			t.Errorf("expected /encoder/bi-encoder-embed, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var req embedding.EmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		assert.Equal(t, "nomic-ai/nomic-embed-text-v1", req.ModelName)
		assert.True(t, req.NormalizeEmbeddings)
		assert.Equal(t, embedding.TextTypePassage, req.TextType)

		resp := embedding.EmbedResponse{}
		for range req.Texts {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2, 0.3})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := embedding.NewClient(server.URL, logger.NewNop())
	vectors, err := client.Embed(context.Background(), settings(), []string{"first chunk", "second chunk"})

	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDelta(t, 0.2, vectors[1][1], 1e-6)
}

func TestClient_Embed_Empty(t *testing.T) {
	t.Parallel()

	client := embedding.NewClient("http://127.0.0.1:1", logger.NewNop())
	vectors, err := client.Embed(context.Background(), settings(), nil)

	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestClient_Embed_RetriesUnavailable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(embedding.EmbedResponse{Embeddings: [][]float32{{1, 0, 0}}})
	}))
	defer server.Close()

	client := embedding.NewClient(server.URL, logger.NewNop(), embedding.WithRetry(fastRetry()))
	vectors, err := client.Embed(context.Background(), settings(), []string{"text"})

	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Embed_BadRequestNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := embedding.NewClient(server.URL, logger.NewNop(), embedding.WithRetry(fastRetry()))
	_, err := client.Embed(context.Background(), settings(), []string{"text"})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Embed_DimensionMismatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(embedding.EmbedResponse{Embeddings: [][]float32{{1, 0}}})
	}))
	defer server.Close()

	client := embedding.NewClient(server.URL, logger.NewNop())
	_, err := client.Embed(context.Background(), settings(), []string{"text"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension 2")
}

func TestClient_WarmUp(t *testing.T) {
	t.Parallel()

	var texts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedding.EmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		texts = req.Texts
		_ = json.NewEncoder(w).Encode(embedding.EmbedResponse{Embeddings: [][]float32{{0, 1, 0}}})
	}))
	defer server.Close()

	client := embedding.NewClient(server.URL, logger.NewNop())
	require.NoError(t, client.WarmUp(context.Background(), settings()))
	assert.Len(t, texts, 1)
}

func TestClient_WarmUp_Unreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := embedding.NewClient(server.URL, logger.NewNop(), embedding.WithRetry(fastRetry()))
	err := client.WarmUp(context.Background(), settings())

	require.Error(t, err)
	assert.ErrorIs(t, err, embedding.ErrUnavailable)
}
