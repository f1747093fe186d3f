package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
)

var watchAll bool

var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Follow a task until it finishes",
	Long: `Watch follows one task until it reaches a final status. With --all it shows
a bar for every unfinished task and keeps going until none is left.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchAll == (len(args) == 1) {
			return fmt.Errorf("pass either a task id or --all")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if watchAll {
			return watchTasks(ctx, a)
		}
		task, err := follow(ctx, a.orch, a.publisher, args[0])
		if err != nil {
			return err
		}
		reportTask(task)
		return nil
	},
}

func watchTasks(ctx context.Context, a *app) error {
	progress := ui.NewMultiProgress(ctx, os.Stderr)
	finished, err := followAll(ctx, a.orch, progress, followInterval)
	progress.Wait()
	if err != nil {
		return err
	}
	if len(finished) == 0 {
		ui.Info("No unfinished tasks")
		return nil
	}
	for _, task := range finished {
		reportTask(task)
	}
	return nil
}

func init() {
	watchCmd.Flags().BoolVarP(&watchAll, "all", "a", false, "follow every unfinished task")
	rootCmd.AddCommand(watchCmd)
}
