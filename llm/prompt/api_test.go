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

package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextPrompt(t *testing.T) {
	assert.Equal(t, "hello", NewTextPrompt("hello").String())
}

func TestTemplatePrompt(t *testing.T) {
	p := NewTemplatePrompt("greet", "hello {{.Name}}", struct{ Name string }{Name: "world"})
	assert.Equal(t, "hello world", p.String())
}

func TestTemplatePromptPanicsOnBadTemplate(t *testing.T) {
	assert.Panics(t, func() {
		NewTemplatePrompt("bad", "{{.Unclosed", nil)
	})
}
