// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedproviders

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestMock_DeterministicAndNormalized(t *testing.T) {
	m := NewMock(8)
	v1, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := m.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.InDelta(t, 1.0, vectorNorm(v1), 1e-6)
}

func TestMock_DifferentTextsDifferentVectors(t *testing.T) {
	m := NewMock(8)
	v1, _ := m.Embed(context.Background(), "alpha")
	v2, _ := m.Embed(context.Background(), "beta")
	assert.NotEqual(t, v1, v2)
}

func TestNomic_SendsSearchDocumentTaskType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req nomicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "search_document", req.TaskType)
		_ = json.NewEncoder(w).Encode(nomicResponse{Embeddings: [][]float64{{0.3, 0.4}}})
	}))
	defer srv.Close()

	n := NewNomic("key", srv.URL, "nomic-embed-text-v1.5", nil)
	v, err := n.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorNorm(v), 1e-6)
}

func TestNomic_PropagatesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(nomicError{Detail: "invalid api key"})
	}))
	defer srv.Close()

	n := NewNomic("bad", srv.URL, "model", nil)
	_, err := n.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestOllama_PrefixesPromptForNomicModel(t *testing.T) {
	var seenPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seenPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "nomic-embed-text", nil)
	_, err := o.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "search_document: hello", seenPrompt)
}

func TestOllama_DoesNotPrefixNonNomicModel(t *testing.T) {
	var seenPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seenPrompt = req.Prompt
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.1, 0.2}})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "mxbai-embed-large", nil)
	_, err := o.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", seenPrompt)
}

func TestOpenAI_EmbedsAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float64 `json:"embedding"`
		}{Embedding: []float64{1, 2, 2}})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	o := NewOpenAI("key", srv.URL, "text-embedding-3-small", nil)
	v, err := o.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorNorm(v), 1e-6)
}

func TestLlamaCpp_ParsesNestedEmbeddingArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]llamaCppResponse{{Embedding: [][]float64{{3, 4}}}})
	}))
	defer srv.Close()

	l := NewLlamaCpp(srv.URL, nil)
	v, err := l.Embed(context.Background(), "code")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorNorm(v), 1e-6)
}

func TestFromEnv_MockNeedsNoConfig(t *testing.T) {
	p, err := FromEnv("mock", nil)
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), "x")
	require.NoError(t, err)
}

func TestFromEnv_UnknownProviderErrors(t *testing.T) {
	_, err := FromEnv("nope", nil)
	require.Error(t, err)
}

func TestFromEnv_NomicRequiresAPIKey(t *testing.T) {
	t.Setenv("NOMIC_API_KEY", "")
	_, err := FromEnv("nomic", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOMIC_API_KEY")
}
