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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/dataforge/etlagent/dataset"
	"github.com/dataforge/etlagent/etl"
	"github.com/dataforge/etlagent/internal/config"
	"github.com/dataforge/etlagent/internal/log"
	"github.com/dataforge/etlagent/internal/utils"
	"github.com/dataforge/etlagent/llm"
	"github.com/dataforge/etlagent/llm/prompt"
	"github.com/dataforge/etlagent/mcpserver"
	"github.com/dataforge/etlagent/version"
)

const Usage = `etlagent <Action> [Path] [Flags]
Action:
   run          run the pipeline: extract Path, clean it, load into the SQL sink
   profile      profile the source file and print the schema report
   watch        watch Path and re-run the pipeline whenever it changes
   mcp          run as an MCP server exposing the pipeline as tools
   version      print the version of etlagent
Path:
   a CSV or JSON (array of objects) source file
`

const oracleSysPrompt = `You are an expert data engineer operating inside an automated ETL pipeline. You reason about tabular data quality and produce precise, machine-readable instructions. When asked for JSON you reply with JSON only.`

func main() {
	flags := flag.NewFlagSet("etlagent", flag.ExitOnError)

	flagHelp := flags.Bool("h", false, "Show help message.")
	flagVerbose := flags.Bool("verbose", false, "Verbose mode.")
	flagTarget := flags.String("target", "", "Sink: a sqlite file path, \":memory:\" or a postgres:// DSN.")
	flagTable := flags.String("table", "", "Destination table name.")
	flagIntent := flags.String("intent", "", "Natural-language cleaning intent.")
	flagRetries := flags.Int("retries", 0, "Recovery retry budget (0 = config default).")
	flagMode := flags.String("mode", "", "Load mode: replace or append.")
	var flagIndexes StringArray
	flags.Var(&flagIndexes, "index", "Column to index after load, repeatable (sqlite only).")

	flags.Usage = func() {
		fmt.Fprint(os.Stderr, Usage)
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
	}

	if len(os.Args) < 2 {
		flags.Usage()
		os.Exit(1)
	}
	action := strings.ToLower(os.Args[1])

	switch action {
	case "version":
		fmt.Fprintf(os.Stdout, "%s\n", version.Version)

	case "profile":
		uri := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		d, err := dataset.FileExtractor{}.Extract(ctx, uri)
		if err != nil {
			log.Error("Failed to extract: %v", err)
			os.Exit(1)
		}
		fmt.Fprint(os.Stdout, dataset.Profile(d).Summary())

	case "run":
		uri := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		cfg := mustLoadConfig()
		req, loader := buildRequest(cfg, uri, flagTarget, flagTable, flagIntent, flagRetries, flagMode, flagIndexes)
		orch := etl.NewOrchestrator(buildOracle(cfg), etl.Options{Loader: loader})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		state, err := orch.Run(ctx, req)
		if err != nil {
			log.Error("Run aborted: %v", err)
			os.Exit(1)
		}
		reportRun(state, *flagVerbose)
		if state.FinalStatus != etl.StatusSuccess {
			os.Exit(1)
		}

	case "watch":
		uri := parseArgsAndFlags(flags, flagHelp, flagVerbose)
		cfg := mustLoadConfig()
		req, loader := buildRequest(cfg, uri, flagTarget, flagTable, flagIntent, flagRetries, flagMode, flagIndexes)
		orch := etl.NewOrchestrator(buildOracle(cfg), etl.Options{Loader: loader})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := runWatch(ctx, orch, req, *flagVerbose); err != nil {
			log.Error("Watch failed: %v", err)
			os.Exit(1)
		}

	case "mcp":
		if len(os.Args) > 2 {
			flags.Parse(os.Args[2:])
		}
		if flagVerbose != nil && *flagVerbose {
			log.SetLogLevel(log.DebugLevel)
		}
		cfg := mustLoadConfig()
		svr := mcpserver.NewServer(mcpserver.ServerOptions{
			ServerName:    "etlagent",
			ServerVersion: version.Version,
			Oracle:        buildOracle(cfg),
		})
		if err := svr.ServeStdio(); err != nil {
			log.Error("Failed to run MCP server: %v", err)
			os.Exit(1)
		}

	default:
		flags.Usage()
		os.Exit(1)
	}
}

func parseArgsAndFlags(flags *flag.FlagSet, flagHelp *bool, flagVerbose *bool) (uri string) {
	if len(os.Args) < 3 {
		flags.Usage()
		os.Exit(1)
	}
	uri = os.Args[2]
	if len(os.Args) > 3 {
		flags.Parse(os.Args[3:])
	}

	if flagHelp != nil && *flagHelp {
		flags.Usage()
		os.Exit(0)
	}
	if flagVerbose != nil && *flagVerbose {
		log.SetLogLevel(log.DebugLevel)
	}
	return uri
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	if cfg.ConfigFilePath != "" {
		log.Debug("Using config file: %s", cfg.ConfigFilePath)
	}
	return cfg
}

// buildRequest merges flags over the config file. Flags win.
func buildRequest(cfg *config.Config, uri string, target, table, intent *string, retries *int, mode *string, indexes StringArray) (etl.RunRequest, dataset.SQLLoader) {
	if *target == "" || *table == "" {
		log.Error("Flags -target and -table are required")
		os.Exit(1)
	}

	req := etl.RunRequest{
		Source:     uri,
		Target:     *target,
		Table:      *table,
		Intent:     cfg.Pipeline.Intent,
		MaxRetries: cfg.Pipeline.MaxRetries,
	}
	if *intent != "" {
		req.Intent = *intent
	}
	if *retries != 0 {
		req.MaxRetries = *retries
	}

	opts := dataset.LoadOptions{
		Mode:    cfg.Pipeline.Mode,
		Indexes: cfg.Pipeline.Indexes,
	}
	if *mode != "" {
		opts.Mode = *mode
	}
	if len(indexes) > 0 {
		opts.Indexes = indexes
	}
	if opts.Mode != "" && opts.Mode != dataset.ModeReplace && opts.Mode != dataset.ModeAppend {
		log.Error("Unknown load mode %q (want replace or append)", opts.Mode)
		os.Exit(1)
	}

	return req, dataset.SQLLoader{Options: opts}
}

func buildOracle(cfg *config.Config) etl.Oracle {
	modelConfig := llm.ModelConfig{
		APIType:     llm.NewModelType(cfg.Model.Type),
		APIKey:      cfg.Model.APIKey,
		ModelName:   cfg.Model.ModelName,
		BaseURL:     cfg.Model.BaseURL,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
	}
	if modelConfig.APIType == llm.ModelTypeUnknown {
		log.Error("Model type is required (set [model] type in %s or env API_TYPE)", config.FileName)
		os.Exit(1)
	}
	if modelConfig.ModelName == "" {
		log.Error("Model name is required (set [model] model_name or env MODEL_NAME)")
		os.Exit(1)
	}
	if modelConfig.APIKey == "" && modelConfig.APIType != llm.ModelTypeOllama {
		log.Error("API key is required (set env API_KEY)")
		os.Exit(1)
	}

	gen := llm.NewChatGenerator(llm.NewChatModel(modelConfig), llm.ChatGeneratorOptions{
		SysPrompt: prompt.NewTextPrompt(oracleSysPrompt),
		Retries:   modelConfig.Retries,
		Timeout:   modelConfig.Timeout,
	})
	return etl.NewLLMOracle(gen)
}

func reportRun(state *etl.PipelineState, verbose bool) {
	for _, rec := range state.ExecutionLog {
		log.Info("  %-13s %-7s %s", rec.Stage, rec.Status, rec.Message)
	}
	log.Info("Run %s finished: %s (rows loaded: %d, retries: %d)",
		state.RunID, state.FinalStatus, state.RowsLoaded, state.RetryCount)

	if verbose {
		js, err := utils.MarshalJSONIndent(state)
		if err == nil {
			fmt.Fprintf(os.Stdout, "%s\n", js)
		}
	}
}

type StringArray []string

func (s *StringArray) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *StringArray) String() string {
	return strings.Join(*s, ",")
}
