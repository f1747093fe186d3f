package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
	"github.com/spherical-ai/docpipe/internal/api"
)

var runNoServer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline workers and the status API",
	Long: `Run starts the splitter, converter and merger workers and the health
monitor, and serves the status API when it is enabled. It runs until
interrupted; work in flight is handed back to the queue on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "do not serve the status API")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ui.Section("docpipe")
	ui.KeyValue("Database", cfg.Database.Driver)
	ui.KeyValue("Work dir", cfg.Storage.WorkDir)
	ui.KeyValue("Workers", formatWorkers())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(gctx) })

	if cfg.Server.Enabled && !runNoServer {
		handler := api.NewRouter(a.orch, a.store, logger, api.Options{
			RequestTimeout: cfg.Server.WriteTimeout,
			MetricsEnabled: cfg.Observability.MetricsEnabled,
		})
		ui.KeyValue("API", formatAddr())
		g.Go(func() error { return api.Serve(gctx, cfg.Server, handler, logger) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	ui.Success("Pipeline stopped")
	return nil
}
