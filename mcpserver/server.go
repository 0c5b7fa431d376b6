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

// Package mcpserver exposes the pipeline over the Model Context Protocol,
// so MCP clients can profile sources and trigger runs as tools.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dataforge/etlagent/dataset"
	"github.com/dataforge/etlagent/etl"
	"github.com/dataforge/etlagent/internal/utils"
)

// Tool pairs an MCP tool description with its handler.
type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// NewTool adapts a typed request handler into an MCP tool handler. The
// response is serialized as JSON text content; handler errors come back as
// tool errors, not protocol errors.
func NewTool[R any, T any](name string, desc string, schema json.RawMessage, handler func(ctx context.Context, req R) (*T, error)) Tool {
	return Tool{
		Tool: mcp.NewToolWithRawSchema(name, desc, schema),
		Handler: func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var req R
			if err := request.BindArguments(&req); err != nil {
				return nil, err
			}
			var final string
			var isError bool
			if resp, err := handler(ctx, req); err != nil {
				isError = true
				final = err.Error()
			} else if js, err := utils.MarshalJSONBytes(resp); err != nil {
				isError = true
				final = err.Error()
			} else {
				final = string(js)
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(final),
				},
				IsError: isError,
			}, nil
		},
	}
}

const (
	ToolRunPipeline   = "run_pipeline"
	ToolProfileSource = "profile_source"
)

const DescRunPipeline = `Run the full ETL pipeline: extract the source file (CSV or JSON), analyze and plan transformations, transform, validate, then load into the SQL target. Returns the final pipeline state including the execution log.`

const DescProfileSource = `Profile a source file (CSV or JSON) without transforming or loading it. Returns per-column types, null ratios, numeric stats and detected quality issues.`

var SchemaRunPipeline = json.RawMessage(`{
  "type": "object",
  "properties": {
    "source": {"type": "string", "description": "path to the source CSV or JSON file"},
    "target": {"type": "string", "description": "sink: a sqlite file path, \":memory:\", or a postgres:// DSN"},
    "table": {"type": "string", "description": "destination table name"},
    "intent": {"type": "string", "description": "natural-language cleaning intent"},
    "max_retries": {"type": "integer", "description": "recovery retry budget, default 2"},
    "mode": {"type": "string", "enum": ["replace", "append"], "description": "load mode, default replace"}
  },
  "required": ["source", "target", "table"]
}`)

var SchemaProfileSource = json.RawMessage(`{
  "type": "object",
  "properties": {
    "source": {"type": "string", "description": "path to the source CSV or JSON file"}
  },
  "required": ["source"]
}`)

type RunPipelineRequest struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	Table      string `json:"table"`
	Intent     string `json:"intent"`
	MaxRetries int    `json:"max_retries"`
	Mode       string `json:"mode"`
}

type ProfileSourceRequest struct {
	Source string `json:"source"`
}

type ServerOptions struct {
	ServerName    string
	ServerVersion string
	Oracle        etl.Oracle
}

type Server struct {
	Server *server.MCPServer
}

func NewServer(opts ServerOptions) *Server {
	s := server.NewMCPServer(opts.ServerName, opts.ServerVersion)
	for _, t := range pipelineTools(opts.Oracle) {
		s.AddTool(t.Tool, t.Handler)
	}
	return &Server{Server: s}
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.Server)
}

func pipelineTools(oracle etl.Oracle) []Tool {
	return []Tool{
		NewTool(ToolRunPipeline, DescRunPipeline, SchemaRunPipeline,
			func(ctx context.Context, req RunPipelineRequest) (*etl.PipelineState, error) {
				orch := etl.NewOrchestrator(oracle, etl.Options{
					Loader: dataset.SQLLoader{Options: dataset.LoadOptions{Mode: req.Mode}},
				})
				return orch.Run(ctx, etl.RunRequest{
					Source:     req.Source,
					Target:     req.Target,
					Table:      req.Table,
					Intent:     req.Intent,
					MaxRetries: req.MaxRetries,
				})
			}),
		NewTool(ToolProfileSource, DescProfileSource, SchemaProfileSource,
			func(ctx context.Context, req ProfileSourceRequest) (*dataset.SchemaProfile, error) {
				d, err := dataset.FileExtractor{}.Extract(ctx, req.Source)
				if err != nil {
					return nil, err
				}
				return dataset.Profile(d), nil
			}),
	}
}
