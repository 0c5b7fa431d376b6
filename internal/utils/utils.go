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

package utils

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// WrapError annotates err with msg, preserving the original cause chain.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// WrapErrorf annotates err with a formatted message.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// MarshalJSONBytes marshals v without HTML escaping, for LLM and MCP payloads.
func MarshalJSONBytes(v any) ([]byte, error) {
	return marshal(v, "")
}

// MarshalJSONIndent is MarshalJSONBytes with two-space indentation.
func MarshalJSONIndent(v any) ([]byte, error) {
	return marshal(v, "  ")
}

func marshal(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "marshal json")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
