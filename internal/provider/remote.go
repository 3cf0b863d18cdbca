package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/annexdb/annex/internal/errors"
)

// Remote provider defaults.
const (
	// DefaultRemoteTimeout is the per-request timeout for embedding calls.
	DefaultRemoteTimeout = 30 * time.Second

	// remotePoolSize bounds idle connections kept to the embedding service.
	remotePoolSize = 4
)

// RemoteConfig configures a RemoteProvider.
type RemoteConfig struct {
	// Endpoint is the full URL of the embedding endpoint.
	Endpoint string
	// Model is the model name sent with each request.
	Model string
	// Dimension is the expected embedding dimension.
	Dimension int
	// Timeout is the per-request timeout (default: DefaultRemoteTimeout).
	Timeout time.Duration
	// Retry configures backoff for transient failures.
	Retry errors.RetryConfig
}

// RemoteProvider calls an HTTP embedding service. Requests are JSON
// `{"model": ..., "input": ...}` and responses `{"embedding": [...]}`.
type RemoteProvider struct {
	client    *http.Client
	transport *http.Transport
	config    RemoteConfig
}

// Verify interface implementation at compile time
var _ Provider = (*RemoteProvider)(nil)

// NewRemoteProvider creates an HTTP embedding provider.
func NewRemoteProvider(cfg RemoteConfig) (*RemoteProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote provider requires an endpoint")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("remote provider requires a positive dimension")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        remotePoolSize,
		MaxIdleConnsPerHost: remotePoolSize,
		IdleConnTimeout:     10 * time.Second,
	}

	// No http.Client.Timeout: the per-request context carries the deadline
	// so callers can tighten it further.
	return &RemoteProvider{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}, nil
}

type remoteEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type remoteEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests an embedding from the remote service, retrying transient
// failures with exponential backoff.
func (r *RemoteProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return errors.RetryWithResult(ctx, r.config.Retry, func() ([]float32, error) {
		return r.embedOnce(ctx, text)
	})
}

func (r *RemoteProvider) embedOnce(ctx context.Context, text string) ([]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	body, err := json.Marshal(remoteEmbedRequest{Model: r.config.Model, Input: text})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
			"embedding service returned status %d: %s", resp.StatusCode, string(msg))
	}

	var result remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEmbeddingFailed, err)
	}

	if len(result.Embedding) != r.config.Dimension {
		return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
			"embedding service returned %d dimensions, expected %d",
			len(result.Embedding), r.config.Dimension)
	}

	return result.Embedding, nil
}

// Dimension returns the expected embedding dimension.
func (r *RemoteProvider) Dimension() int { return r.config.Dimension }

// Name returns the model identifier.
func (r *RemoteProvider) Name() string { return r.config.Model }

// Type returns the provider type tag.
func (r *RemoteProvider) Type() Type { return TypeRemote }

// Close releases idle connections to the embedding service.
func (r *RemoteProvider) Close() error {
	r.transport.CloseIdleConnections()
	return nil
}
