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

package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dataforge/etlagent/dataset"
	"github.com/dataforge/etlagent/etl"
)

func callTool(t *testing.T, tool *Tool, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = tool.Tool.Name
	req.Params.Arguments = args
	return tool.Handler(context.Background(), req)
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in tool result")
	return ""
}

type staticOracle struct{}

func (staticOracle) Analyze(ctx context.Context, profile *dataset.SchemaProfile) (*etl.SchemaSummary, error) {
	return nil, fmt.Errorf("not scripted")
}

func (staticOracle) Plan(ctx context.Context, schema *etl.SchemaSummary, intent string, history []etl.StepRecord) ([]etl.Action, error) {
	return nil, fmt.Errorf("not scripted")
}

func (staticOracle) SynthesizeRules(ctx context.Context, schema *etl.SchemaSummary, sample []map[string]dataset.Value) ([]etl.ValidationRule, error) {
	return nil, fmt.Errorf("not scripted")
}

func (staticOracle) Recover(ctx context.Context, rec *etl.ErrorRecord, schema *etl.SchemaSummary, history []etl.StepRecord) ([]etl.Action, error) {
	return nil, fmt.Errorf("not scripted")
}

func sendAndRecv(t *testing.T, request any, stdinWriter *io.PipeWriter, stdoutReader *io.PipeReader) map[string]any {
	t.Helper()
	requestBytes, err := json.Marshal(request)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stdinWriter.Write(append(requestBytes, '\n')); err != nil {
		t.Fatal(err)
	}

	scanner := bufio.NewScanner(stdoutReader)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	if !scanner.Scan() {
		t.Fatal("failed to read response")
	}
	var response map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return response
}

func TestServerHandshakeAndTools(t *testing.T) {
	svr := NewServer(ServerOptions{
		ServerName:    "etlagent",
		ServerVersion: "test",
		Oracle:        staticOracle{},
	})

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	stdioServer := server.NewStdioServer(svr.Server)
	stdioServer.SetErrorLogger(log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		err := stdioServer.Listen(ctx, stdinReader, stdoutWriter)
		if err != nil && err != io.EOF && err != context.Canceled {
			serverErrCh <- err
		}
		stdoutWriter.Close()
		close(serverErrCh)
	}()

	time.Sleep(100 * time.Millisecond)

	initRequest := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2024-11-05",
			"clientInfo": map[string]any{
				"name":    "test-client",
				"version": "1.0.0",
			},
		},
	}
	resp := sendAndRecv(t, initRequest, stdinWriter, stdoutReader)
	if resp["error"] != nil {
		t.Fatalf("initialize failed: %v", resp["error"])
	}

	listRequest := map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	}
	resp = sendAndRecv(t, listRequest, stdinWriter, stdoutReader)
	result, _ := resp["result"].(map[string]any)
	tools, _ := result["tools"].([]any)
	names := map[string]bool{}
	for _, tl := range tools {
		m, _ := tl.(map[string]any)
		if name, ok := m["name"].(string); ok {
			names[name] = true
		}
	}
	if !names[ToolRunPipeline] || !names[ToolProfileSource] {
		t.Fatalf("expected pipeline tools, got %v", names)
	}

	cancel()
	stdinWriter.Close()
	if err := <-serverErrCh; err != nil {
		t.Errorf("unexpected server error: %v", err)
	}
}

func TestProfileSourceTool(t *testing.T) {
	source := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(source, []byte("id,v\n1,10\n2,-3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tools := pipelineTools(staticOracle{})
	var profileTool *Tool
	for i := range tools {
		if tools[i].Tool.Name == ToolProfileSource {
			profileTool = &tools[i]
		}
	}
	if profileTool == nil {
		t.Fatal("profile_source tool not registered")
	}

	result, err := callTool(t, profileTool, map[string]any{"source": source})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %v", result.Content)
	}
	text := textContent(t, result)
	if !strings.Contains(text, "negative_values") {
		t.Errorf("profile should flag negative values, got: %s", text)
	}
}
