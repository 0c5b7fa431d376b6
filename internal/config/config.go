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

// Package config loads etlagent.toml and overlays model credentials from
// the environment (including a .env file when present).
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const FileName = "etlagent.toml"

// ModelConfig is the [model] section.
type ModelConfig struct {
	Type        string   `toml:"type"`
	APIKey      string   `toml:"api_key"`
	ModelName   string   `toml:"model_name"`
	BaseURL     string   `toml:"base_url"`
	Temperature *float32 `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
}

// PipelineConfig is the [pipeline] section.
type PipelineConfig struct {
	MaxRetries int      `toml:"max_retries"`
	Mode       string   `toml:"mode"`
	Indexes    []string `toml:"indexes"`
	Intent     string   `toml:"intent"`
}

type Config struct {
	Model    ModelConfig    `toml:"model"`
	Pipeline PipelineConfig `toml:"pipeline"`

	ConfigFilePath string `toml:"-"`
}

// Load finds etlagent.toml by walking up from the working directory to the
// nearest project root, then overlays model settings from the environment.
// A missing config file is not an error; the environment alone can carry
// the model settings.
func Load() (*Config, error) {
	// best effort: a .env in the working directory feeds the overlay below
	_ = godotenv.Load()

	cfg := &Config{}

	startDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	dir := startDir
	for {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, err
			}
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
			cfg.ConfigFilePath = configPath
			break
		}
		if isProjectRoot(dir) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv fills model settings from the environment. The environment wins
// over the file for credentials, so a checked-in config never needs to
// carry an API key.
func (c *Config) applyEnv() {
	if v := os.Getenv("API_TYPE"); v != "" {
		c.Model.Type = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		c.Model.ModelName = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Model.BaseURL = v
	}
}

func isProjectRoot(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
		return true
	}
	return false
}
