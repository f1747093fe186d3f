package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
)

var outputFile string

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel an unfinished task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.orch.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		ui.Success("Task %s cancelled", task.ID)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Queue the failed pages of a task again",
	Long: `Retry resets every failed page of a failed or partially failed task and
queues them for conversion. Pages that already converted are kept, and the
document is merged again once the retried pages finish.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.orch.RetryFailedPages(ctx, args[0])
		if err != nil {
			return err
		}
		ui.Success("Queued %d pages of task %s again", n, args[0])
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <task-id>",
	Short: "Delete a finished task with its images and output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orch.Cleanup(ctx, args[0]); err != nil {
			return err
		}
		ui.Success("Task %s removed", args[0])
		return nil
	},
}

var outputCmd = &cobra.Command{
	Use:   "output <task-id>",
	Short: "Print the merged Markdown of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.orch.Output(ctx, args[0])
		if err != nil {
			return err
		}
		if outputFile == "" {
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		}
		if err := os.WriteFile(outputFile, []byte(out), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		ui.Success("Wrote %s", outputFile)
		return nil
	},
}

func init() {
	outputCmd.Flags().StringVarP(&outputFile, "out", "o", "", "write to this file instead of stdout")
	rootCmd.AddCommand(cancelCmd, retryCmd, cleanupCmd, outputCmd)
}
