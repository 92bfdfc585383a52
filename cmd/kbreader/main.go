package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnclabs/kbreader/internal/config"
	"github.com/cnclabs/kbreader/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "kbreader",
		Short: "Knowledge base reader: relation prediction for entity pairs",
		Long: `kbreader trains a factorization model that answers "which relation
holds between head and tail?" from knowledge base triples, and uses the
trained model to rank candidate relations for new entity pairs.

Input format (triples):
	head relation tail [weight]
	Example: Barack_Obama born_in Hawaii 1.0`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (defaults when empty or missing)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: console or json")

	root.AddCommand(newTrainCmd(opts), newPredictCmd(opts), newEmbeddingsCmd())
	return root
}

// load reads the config file and applies the logging overrides
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func banner(title string) {
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("  " + title)
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println()
}
