package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
	"github.com/spherical-ai/docpipe/internal/pipeline"
)

var (
	submitPages    string
	submitProvider string
	submitModel    string
	submitWait     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Queue a document for conversion",
	Long: `Submit validates a document and queues it for conversion. Without --wait
the task is picked up by a running "docpipe run". With --wait the pipeline
runs in this process until the task finishes.

Page ranges are 1-based and comma separated, e.g. "1-3,5,8-".`,
	Example: `  docpipe submit report.pdf
  docpipe submit slides.pptx --pages 1-10 --provider openrouter --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitPages, "pages", "p", "", "page range to convert (default all pages)")
	submitCmd.Flags().StringVar(&submitProvider, "provider", "", "LLM provider id (default from config)")
	submitCmd.Flags().StringVarP(&submitModel, "model", "m", "", "model name (default from provider)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "run the pipeline here until the task finishes")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	task, err := a.orch.Submit(ctx, pipeline.SubmitRequest{
		Filename:   args[0],
		PageRange:  submitPages,
		ProviderID: submitProvider,
		Model:      submitModel,
	})
	if err != nil {
		return err
	}

	ui.Success("Task %s queued", task.ID)
	ui.KeyValue("File", task.Filename)
	ui.KeyValue("Type", string(task.DocumentType))
	ui.KeyValue("Model", task.ProviderID+"/"+task.ModelName)
	if task.PageRange != "" {
		ui.KeyValue("Pages", task.PageRange)
	}

	if !submitWait {
		ui.Info("Follow it with: docpipe watch %s", task.ID)
		return nil
	}

	if err := a.orch.Start(ctx); err != nil {
		return err
	}
	final, followErr := follow(ctx, a.orch, a.publisher, task.ID)
	a.orch.Stop()
	if err := a.orch.Wait(); err != nil {
		logger.Warn().Err(err).Msg("Pipeline stopped with error")
	}
	if followErr != nil {
		return followErr
	}
	reportTask(final)
	return nil
}
