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
	"bytes"
	"text/template"
)

type Prompt interface {
	String() string
}

type TextPrompt string

func (p TextPrompt) String() string {
	return string(p)
}

func NewTextPrompt(content string) Prompt {
	return TextPrompt(content)
}

// TemplatePrompt renders a Go text/template against Data on every String call.
type TemplatePrompt struct {
	Name string
	Text string
	Data any

	tpl *template.Template
}

func NewTemplatePrompt(name, text string, data any) Prompt {
	tpl, err := template.New(name).Parse(text)
	if err != nil {
		panic(err)
	}
	return &TemplatePrompt{Name: name, Text: text, Data: data, tpl: tpl}
}

func (p *TemplatePrompt) String() string {
	var buf bytes.Buffer
	if err := p.tpl.Execute(&buf, p.Data); err != nil {
		panic(err)
	}
	return buf.String()
}
