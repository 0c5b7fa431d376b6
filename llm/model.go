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

package llm

import (
	"context"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qwen"
)

// Backends that speak the OpenAI wire protocol but need their own endpoint.
const (
	dashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	deepSeekBaseURL  = "https://api.deepseek.com"
)

// NewChatModel constructs the chat backend the oracle runs on.
// Misconfiguration is a programmer error and panics; runtime failures
// surface later through Call.
func NewChatModel(m ModelConfig) ChatModel {
	model, err := buildChatModel(withDefaults(m))
	if err != nil {
		panic(err)
	}
	return model
}

func withDefaults(m ModelConfig) ModelConfig {
	if m.MaxTokens == 0 {
		m.MaxTokens = 16 * 1024
	}
	if m.Timeout == 0 {
		m.Timeout = 600 * time.Second
	}
	if m.Retries == 0 {
		m.Retries = 3
	}
	return m
}

func buildChatModel(m ModelConfig) (ChatModel, error) {
	ctx := context.Background()
	switch m.APIType {
	case ModelTypeARK:
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     m.BaseURL,
			APIKey:      m.APIKey,
			Model:       m.ModelName,
			Temperature: m.Temperature,
			MaxTokens:   &m.MaxTokens,
		})
	case ModelTypeOpenAI, ModelTypeDeepSeek:
		baseURL := m.BaseURL
		if m.APIType == ModelTypeDeepSeek && baseURL == "" {
			baseURL = deepSeekBaseURL
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     baseURL,
			APIKey:      m.APIKey,
			Model:       m.ModelName,
			Temperature: m.Temperature,
			MaxTokens:   &m.MaxTokens,
			Timeout:     m.Timeout,
		})
	case ModelTypeDashScope:
		baseURL := m.BaseURL
		if baseURL == "" {
			baseURL = dashScopeBaseURL
		}
		return qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			BaseURL:     baseURL,
			APIKey:      m.APIKey,
			Model:       m.ModelName,
			Temperature: m.Temperature,
			MaxTokens:   &m.MaxTokens,
			Timeout:     m.Timeout,
		})
	case ModelTypeOllama:
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: m.BaseURL,
			Model:   m.ModelName,
		})
	case ModelTypeClaude:
		return claude.NewChatModel(ctx, &claude.Config{
			BaseURL:     &m.BaseURL,
			APIKey:      m.APIKey,
			Model:       m.ModelName,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
		})
	default:
		panic("unsupported model type " + m.APIType)
	}
}
