// Package embedding is an HTTP client for the self-hosted embedding model
// server.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonesrussell/north-cloud/index-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/logger"
	"github.com/jonesrussell/north-cloud/index-scheduler/internal/retry"
)

const (
	embedPath      = "/encoder/bi-encoder-embed"
	defaultTimeout = 60 * time.Second
	warmUpText     = "Warm up inference so the model is resident before the first indexing batch."
)

// Text types understood by the model server.
const (
	TextTypePassage = "passage"
	TextTypeQuery   = "query"
)

// ErrUnavailable indicates the model server is unreachable.
var ErrUnavailable = errors.New("embedding model server unavailable")

// EmbedRequest is the request body for the bi-encoder endpoint.
type EmbedRequest struct {
	Texts               []string `json:"texts"`
	ModelName           string   `json:"model_name"`
	NormalizeEmbeddings bool     `json:"normalize_embeddings"`
	TextType            string   `json:"text_type"`
}

// EmbedResponse is the response body of the bi-encoder endpoint.
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Client talks to the model server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
	log        logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetry sets the backoff used for every request.
// Default: retry.DefaultConfig()
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// NewClient creates a model server client for baseURL.
func NewClient(baseURL string, log logger.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		retry:      retry.DefaultConfig(),
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed returns one vector per text using the generation's model.
func (c *Client) Embed(ctx context.Context, settings *domain.SearchSettings, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(EmbedRequest{
		Texts:               texts,
		ModelName:           settings.ModelName,
		NormalizeEmbeddings: settings.Normalize,
		TextType:            TextTypePassage,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var result EmbedResponse
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, body, &result)
	})
	if err != nil {
		return nil, err
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("model server returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	if settings.ModelDim > 0 {
		for i, vec := range result.Embeddings {
			if len(vec) != settings.ModelDim {
				return nil, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(vec), settings.ModelDim)
			}
		}
	}
	return result.Embeddings, nil
}

// WarmUp runs one inference so the first real batch does not pay the model
// load cost.
func (c *Client) WarmUp(ctx context.Context, settings *domain.SearchSettings) error {
	c.log.Info("Running a first inference to warm up embedding model",
		logger.String("model", settings.ModelName),
	)
	if _, err := c.Embed(ctx, settings, []string{warmUpText}); err != nil {
		return fmt.Errorf("warm up %s: %w", settings.ModelName, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, out *EmbedResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+embedPath, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("model server returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return retry.Permanent(fmt.Errorf("model server rejected request with status %d", resp.StatusCode))
	}

	if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
		return retry.Permanent(fmt.Errorf("decode embed response: %w", decodeErr))
	}
	return nil
}
