// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package embedproviders adapts concrete embedding-provider
// implementations (pkg/ingestion/embedding.go) to the Embedding
// Coordinator's provider interface. Request/response
// shapes, endpoint paths, and provider-specific prefixing quirks (Nomic's
// "search_document:" prefix, Qodo's prefix-free documents) are carried
// over unchanged; only the surrounding package and factory wiring move.
package embedproviders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

// Provider generates a normalized embedding vector (L2 norm = 1.0) for a
// single piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

func normalize(v []float32) []float32 {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

// Mock generates deterministic, non-semantic embeddings for tests and
// offline development.
type Mock struct {
	Dimension int
}

// NewMock constructs a Mock provider with the given vector dimension.
func NewMock(dimension int) *Mock { return &Mock{Dimension: dimension} }

func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	hash := hashString(text)
	v := make([]float32, m.Dimension)
	for i := range v {
		val := float32((hash+uint64(i)*7919)%10000) / 10000.0
		v[i] = val*2.0 - 1.0
	}
	return normalize(v), nil
}

func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}

// httpProvider carries the fields every HTTP-backed provider below shares.
type httpProvider struct {
	client *http.Client
	logger *slog.Logger
}

func newHTTPProvider(timeout time.Duration, logger *slog.Logger) httpProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return httpProvider{client: &http.Client{Timeout: timeout}, logger: logger}
}

// Nomic calls the Nomic Atlas embeddings API.
type Nomic struct {
	httpProvider
	apiKey  string
	baseURL string
	model   string
}

// NewNomic constructs a Nomic provider.
func NewNomic(apiKey, baseURL, model string, logger *slog.Logger) *Nomic {
	return &Nomic{httpProvider: newHTTPProvider(60*time.Second, logger), apiKey: apiKey, baseURL: baseURL, model: model}
}

type nomicRequest struct {
	Texts    []string `json:"texts"`
	Model    string   `json:"model"`
	TaskType string   `json:"task_type,omitempty"`
}

type nomicResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

type nomicError struct {
	Detail string `json:"detail"`
}

func (n *Nomic) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(nomicRequest{Texts: []string{text}, Model: n.model, TaskType: "search_document"})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/embedding/text", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp nomicError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Detail != "" {
			return nil, fmt.Errorf("nomic API error (status %d): %s", resp.StatusCode, errResp.Detail)
		}
		return nil, fmt.Errorf("nomic API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed nomicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Embeddings) == 0 {
		return nil, fmt.Errorf("nomic returned empty embeddings")
	}
	return normalize(toFloat32(parsed.Embeddings[0])), nil
}

// Ollama calls a local Ollama server's embeddings endpoint.
type Ollama struct {
	httpProvider
	baseURL string
	model   string
}

// NewOllama constructs an Ollama provider.
func NewOllama(baseURL, model string, logger *slog.Logger) *Ollama {
	return &Ollama{httpProvider: newHTTPProvider(120*time.Second, logger), baseURL: baseURL, model: model}
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

type ollamaError struct {
	Error string `json:"error"`
}

func isNomicModel(model string) bool { return strings.Contains(strings.ToLower(model), "nomic") }

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	prompt := text
	if isNomicModel(o.model) {
		prompt = "search_document: " + text
	}

	body, err := json.Marshal(ollamaRequest{Model: o.model, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request (is Ollama running at %s?): %w", o.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp ollamaError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}
	return normalize(toFloat32(parsed.Embedding)), nil
}

// OpenAI calls an OpenAI-compatible embeddings endpoint (OpenAI, Azure
// OpenAI, Anyscale, Together AI, ...).
type OpenAI struct {
	httpProvider
	apiKey  string
	baseURL string
	model   string
}

// NewOpenAI constructs an OpenAI-compatible provider.
func NewOpenAI(apiKey, baseURL, model string, logger *slog.Logger) *OpenAI {
	return &OpenAI{httpProvider: newHTTPProvider(60*time.Second, logger), apiKey: apiKey, baseURL: baseURL, model: model}
}

type openAIRequest struct {
	Input          string `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(openAIRequest{Input: text, Model: o.model, EncodingFormat: "float"})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp openAIError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("openai API error (status %d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai returned empty embedding")
	}
	return normalize(toFloat32(parsed.Data[0].Embedding)), nil
}

// LlamaCpp calls a local llama.cpp server's /embedding endpoint, used for
// the Qodo-Embed family of code-embedding models.
type LlamaCpp struct {
	httpProvider
	baseURL string
}

// NewLlamaCpp constructs a LlamaCpp provider.
func NewLlamaCpp(baseURL string, logger *slog.Logger) *LlamaCpp {
	return &LlamaCpp{httpProvider: newHTTPProvider(120*time.Second, logger), baseURL: baseURL}
}

type llamaCppRequest struct {
	Content string `json:"content"`
}

type llamaCppResponse struct {
	Embedding [][]float64 `json:"embedding"`
}

func (l *LlamaCpp) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(llamaCppRequest{Content: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request (is llama-server running at %s?): %w", l.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama.cpp API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed []llamaCppResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed) == 0 || len(parsed[0].Embedding) == 0 {
		return nil, fmt.Errorf("llama.cpp returned empty embedding")
	}
	return normalize(toFloat32(parsed[0].Embedding[0])), nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// FromEnv builds a Provider by name, reading provider-specific
// configuration from environment variables the same way a prior
// CreateEmbeddingProvider does — so an operator migrating from an
// earlier CLI can reuse the same environment.
func FromEnv(providerType string, logger *slog.Logger) (Provider, error) {
	switch providerType {
	case "mock":
		return NewMock(384), nil

	case "nomic":
		apiKey := os.Getenv("NOMIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("NOMIC_API_KEY environment variable is required for nomic provider")
		}
		baseURL := envOr("NOMIC_API_BASE", "https://api-atlas.nomic.ai/v1")
		model := envOr("NOMIC_MODEL", "nomic-embed-text-v1.5")
		return NewNomic(apiKey, baseURL, model, logger), nil

	case "ollama", "local_model":
		baseURL := envOr("OLLAMA_BASE_URL", "http://localhost:11434")
		model := envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text")
		return NewOllama(baseURL, model, logger), nil

	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required for openai provider")
		}
		baseURL := envOr("OPENAI_API_BASE", "https://api.openai.com/v1")
		model := envOr("OPENAI_EMBED_MODEL", "text-embedding-3-small")
		return NewOpenAI(apiKey, baseURL, model, logger), nil

	case "llamacpp", "qodo":
		baseURL := envOr("LLAMACPP_EMBED_URL", "http://localhost:8090")
		return NewLlamaCpp(baseURL, logger), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: mock, nomic, ollama, openai, llamacpp, qodo)", providerType)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
