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

// Package config loads and saves a project's .cie-ingest/project.yaml.
// The core only consumes the subset described here: which entities are
// indexed, which of their fields are embeddable, what relationships and
// vector indexes the graph store should maintain, and the embedding
// provider/model pair currently in force. It is structured the same way
// a prior CLI's project config was (a single YAML file under a
// dotdirectory, created by an init command and read by every other
// command), widened from that config's CIE-Hub-specific fields to the
// entity/relationship/vector-index shape this core defines.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/cie-ingest/internal/contract"
)

// EntityConfig names one entity kind the project indexes and which of
// its properties are embeddable.
type EntityConfig struct {
	Label            string   `yaml:"label"`
	SearchableFields []string `yaml:"searchable_fields"`
}

// Relationship declares one relationship kind the graph store should
// expect between two entity labels.
type Relationship struct {
	Kind string `yaml:"kind"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// VectorIndex declares one (label, field) pair that should carry an
// approximate-nearest-neighbor index.
type VectorIndex struct {
	Label string `yaml:"label"`
	Field string `yaml:"field"`
	Dims  int    `yaml:"dims"`
}

// EmbeddingConfig names the active embedding provider/model. Changing
// either value invalidates every preserved embedding on the next run.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// IngestionConfig holds the batching/concurrency knobs the orchestrator
// and embedding coordinator read at startup, each with a documented
// default matching the core's environment-variable defaults.
type IngestionConfig struct {
	BatchIntervalMs      int `yaml:"batch_interval_ms"`
	MaxBatchSize         int `yaml:"max_batch_size"`
	EmbeddingConcurrency int `yaml:"embedding_concurrency"`
	EmbeddingBatchSize   int `yaml:"embedding_batch_size"`
	StuckThresholdMs     int `yaml:"stuck_threshold_ms"`
}

// ProjectConfig is the full contents of project.yaml.
type ProjectConfig struct {
	ProjectID        string          `yaml:"project_id"`
	Entities         []EntityConfig  `yaml:"entities"`
	Relationships    []Relationship  `yaml:"relationships"`
	VectorIndexes    []VectorIndex   `yaml:"vector_indexes"`
	SummarizationLLM string          `yaml:"summarization_llm,omitempty"`
	Embedding        EmbeddingConfig `yaml:"embedding"`
	Ingestion        IngestionConfig `yaml:"ingestion"`
}

const (
	dotDir     = ".cie-ingest"
	configFile = "project.yaml"
)

// Path returns the project.yaml path for a project rooted at root.
func Path(root string) string {
	return filepath.Join(root, dotDir, configFile)
}

// DefaultConfig returns a ProjectConfig seeded with the core's
// documented environment-variable defaults (batch interval 1000ms, max
// batch size 100, embedding concurrency 5, embedding batch size 100,
// stuck threshold 300000ms) and the code/markdown entity set a fresh
// project starts with.
func DefaultConfig(projectID string) *ProjectConfig {
	return &ProjectConfig{
		ProjectID: projectID,
		Entities: []EntityConfig{
			{Label: "Scope", SearchableFields: []string{"name", "content"}},
			{Label: "MarkdownSection", SearchableFields: []string{"name", "content"}},
			{Label: "MarkdownDocument", SearchableFields: []string{"name", "description"}},
		},
		Relationships: []Relationship{
			{Kind: "CONTAINS", From: "File", To: "Scope"},
			{Kind: "CONSUMES", From: "Scope", To: "Scope"},
		},
		VectorIndexes: []VectorIndex{
			{Label: "Scope", Field: "content", Dims: 768},
		},
		Embedding: EmbeddingConfig{Provider: "mock", Model: "mock-v1"},
		Ingestion: IngestionConfig{
			BatchIntervalMs:      1000,
			MaxBatchSize:         100,
			EmbeddingConcurrency: 5,
			EmbeddingBatchSize:   100,
			StuckThresholdMs:     300000,
		},
	}
}

// Load reads and parses project.yaml for the project rooted at root.
func Load(root string) (*ProjectConfig, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		return nil, fmt.Errorf("read project config: %w", err)
	}
	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse project config: %w", err)
	}
	if res := contract.ValidateProjectID(cfg.ProjectID); !res.OK {
		return nil, fmt.Errorf("invalid project config: %s", res.Message)
	}
	return &cfg, nil
}

// Save writes cfg to root's project.yaml, creating the .cie-ingest
// directory if it does not already exist.
func Save(root string, cfg *ProjectConfig) error {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}
	return nil
}

// Exists reports whether a project.yaml already exists at root.
func Exists(root string) bool {
	_, err := os.Stat(Path(root))
	return err == nil
}
