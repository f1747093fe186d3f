package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docpipe/cmd/docpipe/ui"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/storage"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show pipeline, task or page status",
	Long: `Without arguments, status lists task counts and the most recent tasks.
With a task id it shows the task and every one of its pages.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusFilter, "status", "s", "", "only list tasks in this status")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "maximum number of tasks to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		return showTask(ctx, a, args[0])
	}

	counts, err := a.store.CountTasksByStatus(ctx)
	if err != nil {
		return err
	}
	ui.Section("Tasks by status")
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	if len(statuses) == 0 {
		ui.Info("No tasks yet")
		return nil
	}
	for _, s := range statuses {
		ui.KeyValue(s, strconv.Itoa(counts[domain.TaskStatus(s)]))
	}

	tasks, err := a.orch.Tasks(ctx, storage.TaskFilter{Status: domain.TaskStatus(statusFilter), Limit: statusLimit})
	if err != nil {
		return err
	}
	ui.Section("Recent tasks")
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			filepath.Base(t.Filename),
			ui.Status(string(t.Status)),
			fmt.Sprintf("%.0f%%", t.Progress),
			fmt.Sprintf("%d/%d", t.CompletedCount, t.TotalPages),
			formatTime(t.CreatedAt),
		})
	}
	ui.Table([]string{"ID", "FILE", "STATUS", "PROGRESS", "PAGES", "CREATED"}, rows)
	return nil
}

func showTask(ctx context.Context, a *app, id string) error {
	task, err := a.orch.Task(ctx, id)
	if err != nil {
		return err
	}
	pages, err := a.orch.Pages(ctx, id)
	if err != nil {
		return err
	}

	ui.Section("Task " + task.ID)
	ui.KeyValue("File", task.Filename)
	ui.KeyValue("Status", ui.Status(string(task.Status)))
	ui.KeyValue("Progress", fmt.Sprintf("%.0f%% (%d done, %d failed, %d total)",
		task.Progress, task.CompletedCount, task.FailedCount, task.TotalPages))
	ui.KeyValue("Model", task.ProviderID+"/"+task.ModelName)
	if task.PageRange != "" {
		ui.KeyValue("Pages", task.PageRange)
	}
	if task.MergedPath != "" {
		ui.KeyValue("Output", task.MergedPath)
	}
	if task.Error != "" {
		ui.KeyValue("Error", task.Error)
	}

	if len(pages) == 0 {
		return nil
	}
	ui.Section("Pages")
	rows := make([][]string, 0, len(pages))
	for _, p := range pages {
		rows = append(rows, []string{
			strconv.Itoa(p.Page),
			strconv.Itoa(p.PageSource),
			ui.Status(string(p.Status)),
			strconv.Itoa(p.RetryCount),
			fmt.Sprintf("%d/%d", p.InputTokens, p.OutputTokens),
			truncate(p.Error, 60),
		})
	}
	ui.Table([]string{"PAGE", "SOURCE", "STATUS", "RETRIES", "TOKENS", "ERROR"}, rows)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
