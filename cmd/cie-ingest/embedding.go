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

package main

import (
	"log/slog"

	"github.com/kraklabs/cie-ingest/internal/config"
	"github.com/kraklabs/cie-ingest/pkg/embedproviders"
)

// buildEmbeddingProvider resolves a project's configured embedding
// provider. Model selection and provider secrets (API keys, base URLs)
// come from the environment, matching embedproviders.FromEnv's contract;
// cfg.Embedding.Model documents the project's intended model but does not
// override it; set OLLAMA_EMBED_MODEL, OPENAI_EMBED_MODEL or NOMIC_MODEL
// in the process environment to change it (the other providers read no
// model variable), the same split the teacher CLI makes between
// project.yaml and runtime secrets.
func buildEmbeddingProvider(cfg *config.ProjectConfig, logger *slog.Logger) (embedproviders.Provider, error) {
	return embedproviders.FromEnv(cfg.Embedding.Provider, logger)
}
