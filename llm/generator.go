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
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/dataforge/etlagent/internal/log"
	"github.com/dataforge/etlagent/internal/utils"
	"github.com/dataforge/etlagent/llm/prompt"
)

var _ Generator = (*ChatGenerator)(nil)

// ChatGenerator wraps a bare chat model as a Generator. No tool calling,
// no multi-turn agent loop: one system prompt, one user message, one reply.
type ChatGenerator struct {
	model     ChatModel
	sysPrompt prompt.Prompt
	retries   int
	timeout   time.Duration
}

type ChatGeneratorOptions struct {
	SysPrompt prompt.Prompt
	Retries   int           // number of retries, default: 3
	Timeout   time.Duration // per-attempt timeout, default: 600s
}

func NewChatGenerator(model ChatModel, opts ChatGeneratorOptions) *ChatGenerator {
	retries := opts.Retries
	if retries == 0 {
		retries = 3
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 600 * time.Second
	}
	sys := opts.SysPrompt
	if sys == nil {
		sys = prompt.NewTextPrompt("")
	}
	return &ChatGenerator{
		model:     model,
		sysPrompt: sys,
		retries:   retries,
		timeout:   timeout,
	}
}

func (g *ChatGenerator) Call(ctx context.Context, input string) (string, error) {
	log.Debug("[User] %s", input)
	msgs := []*schema.Message{
		schema.SystemMessage(g.sysPrompt.String()),
		schema.UserMessage(input),
	}

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			log.Info("Retrying LLM call (attempt %d/%d)...", attempt+1, g.retries+1)
			// Exponential backoff: wait 1s, 2s, 4s... capped at 10s.
			waitTime := time.Duration(1<<uint(attempt-1)) * time.Second
			if waitTime > 10*time.Second {
				waitTime = 10 * time.Second
			}
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		out, err := g.model.Generate(attemptCtx, msgs)
		cancel()
		if err == nil {
			log.Debug("[Assistant] %s", out.Content)
			return out.Content, nil
		}

		lastErr = err
		if !isRetryable(err) {
			log.Error("Non-retryable error occurred: %v", err)
			return "", utils.WrapError(err, "ChatGenerator RoundTrip error")
		}
		log.Info("Retryable error occurred (attempt %d/%d): %v", attempt+1, g.retries+1, err)
	}

	return "", utils.WrapError(fmt.Errorf("failed after %d attempts: %w", g.retries+1, lastErr), "ChatGenerator RoundTrip error")
}

func isRetryable(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "operation timed out") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "read tcp") ||
		strings.Contains(errStr, "write tcp")
}
