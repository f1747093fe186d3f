package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/observability"
)

var (
	cfgFile  string
	logLevel string
	verbose  bool
	noColor  bool

	cfg    *config.Config
	logger *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "docpipe",
	Short: "docpipe - convert documents to Markdown with vision LLMs",
	Long: `docpipe splits PDF, image and office documents into page images,
converts every page to Markdown with a vision-capable LLM and merges the
pages back into one document. Tasks survive restarts: run the pipeline
with "docpipe run" and submit documents from any shell sharing the database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(noColor)

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded

		level := cfg.Observability.LogLevel
		if verbose {
			level = "debug"
		}
		if logLevel != "" {
			level = logLevel
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      cfg.Observability.LogFormat,
			Output:      os.Stderr,
			ServiceName: cfg.Observability.ServiceName,
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
