// Command promptd optimizes LLM requests against a token budget.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/compress"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/embeddings"
	"github.com/fyrsmithlabs/promptd/internal/logging"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
	"github.com/fyrsmithlabs/promptd/internal/semantic"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
	"github.com/fyrsmithlabs/promptd/internal/vectorstore"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "promptd",
		Short:         "Token-budget optimization middleware for LLM requests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newOptimizeCmd())
	return root
}

type optimizeFlags struct {
	configPath     string
	inputPath      string
	model          string
	budget         int
	tenant         string
	vectorPath     string
	emitMessages   bool
	prettyOutput   bool
	embeddingCache string
}

func newOptimizeCmd() *cobra.Command {
	flags := &optimizeFlags{}

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Optimize a request JSON from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&flags.inputPath, "input", "i", "-", "request JSON file, or - for stdin")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "target model (overrides request)")
	cmd.Flags().IntVarP(&flags.budget, "budget", "b", 0, "token budget override")
	cmd.Flags().StringVar(&flags.tenant, "tenant", "", "tenant id for vector-store reads")
	cmd.Flags().StringVar(&flags.vectorPath, "vectorstore", "", "chromem vector store path (enables augmentation)")
	cmd.Flags().StringVar(&flags.embeddingCache, "embedding-cache", "", "embedding model cache directory")
	cmd.Flags().BoolVar(&flags.emitMessages, "messages", false, "emit optimized messages instead of the full result")
	cmd.Flags().BoolVar(&flags.prettyOutput, "pretty", true, "indent JSON output")

	return cmd
}

func runOptimize(cmd *cobra.Command, flags *optimizeFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	req, err := readRequest(cmd.InOrStdin(), flags.inputPath)
	if err != nil {
		return err
	}
	if flags.model != "" {
		req.TargetModel = flags.model
	}
	if flags.budget > 0 {
		req.BudgetOverride = flags.budget
	}
	if flags.tenant != "" {
		req.TenantID = flags.tenant
	}

	counter := tokenizer.NewCounter(cfg.TokenizerModelMap)

	orch, err := buildOrchestrator(cfg, counter, logger, flags)
	if err != nil {
		return err
	}

	result, err := orch.Run(cmd.Context(), *req, cfg)
	if err != nil {
		if perr, ok := pipeline.AsError(err); ok {
			return fmt.Errorf("%s: %s", perr.Code, perr.Message)
		}
		return err
	}

	var out any = result
	if flags.emitMessages {
		out = result.Messages()
	}
	return writeJSON(cmd.OutOrStdout(), out, flags.prettyOutput)
}

// buildOrchestrator wires the optional semantic and compression stages. The
// embedding provider loads lazily on first use; when it cannot initialize the
// pipeline degrades rather than failing.
func buildOrchestrator(cfg *config.Config, counter *tokenizer.Counter, logger *zap.Logger, flags *optimizeFlags) (*pipeline.Orchestrator, error) {
	var selector *semantic.Selector
	if cfg.EnableSemantic {
		provider := embeddings.NewLazy(func() (embeddings.Provider, error) {
			p, err := embeddings.NewFastEmbedProvider(embeddings.FastEmbedConfig{
				Model:    cfg.EmbeddingModel,
				CacheDir: flags.embeddingCache,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		}, cfg.EmbeddingDim, logger)

		var store vectorstore.Store
		if flags.vectorPath != "" {
			s, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
				Path:       flags.vectorPath,
				VectorSize: cfg.EmbeddingDim,
			}, logger)
			if err != nil {
				logger.Warn("vector store unavailable, continuing without augmentation", zap.Error(err))
			} else {
				store = s
			}
		}
		selector = semantic.NewSelector(provider, store, logger)
	}

	var engine *compress.Engine
	if cfg.EnableCompression {
		var err error
		// No learned-compressor endpoint is wired in the CLI; the extractive
		// fallback serves every block.
		engine, err = compress.NewEngine(nil, counter, logger)
		if err != nil {
			return nil, err
		}
	}

	return pipeline.New(pipeline.Options{
		Counter:  counter,
		Selector: selector,
		Engine:   engine,
		Logger:   logger,
		CacheTTL: cfg.CacheTTL,
	})
}

func readRequest(stdin io.Reader, path string) (*pipeline.Request, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}

	var req pipeline.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing request JSON: %w", err)
	}
	return &req, nil
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
