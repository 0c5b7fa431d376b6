// Copyright 2025 Dataforge Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsTomlAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	content := `
[model]
type = "openai"
model_name = "gpt-4o-mini"
temperature = 0.2

[pipeline]
max_retries = 3
mode = "append"
indexes = ["id"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	t.Chdir(dir)
	t.Setenv("API_KEY", "sk-test")
	t.Setenv("API_TYPE", "")
	t.Setenv("MODEL_NAME", "")
	t.Setenv("BASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Model.Type)
	assert.Equal(t, "gpt-4o-mini", cfg.Model.ModelName)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	require.NotNil(t, cfg.Model.Temperature)
	assert.InDelta(t, 0.2, float64(*cfg.Model.Temperature), 1e-6)

	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, "append", cfg.Pipeline.Mode)
	assert.Equal(t, []string{"id"}, cfg.Pipeline.Indexes)
	assert.Equal(t, filepath.Join(dir, FileName), cfg.ConfigFilePath)
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[model]
type = "openai"
model_name = "from-file"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	t.Chdir(dir)
	t.Setenv("API_TYPE", "claude")
	t.Setenv("MODEL_NAME", "from-env")
	t.Setenv("API_KEY", "")
	t.Setenv("BASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Model.Type)
	assert.Equal(t, "from-env", cfg.Model.ModelName)
}

func TestLoadWithoutFile(t *testing.T) {
	dir := t.TempDir()
	// a go.mod marks the project root so the walk stops here
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0644))
	t.Chdir(dir)
	t.Setenv("API_TYPE", "ollama")
	t.Setenv("API_KEY", "")
	t.Setenv("MODEL_NAME", "")
	t.Setenv("BASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ConfigFilePath)
	assert.Equal(t, "ollama", cfg.Model.Type)
}
