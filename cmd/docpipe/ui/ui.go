// Package ui provides terminal output helpers for the docpipe CLI.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/spherical-ai/docpipe/internal/domain"
)

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.Bold)
)

// Init applies the color setting.
func Init(noColor bool) {
	if noColor {
		color.NoColor = true
	}
}

// Section displays a section header.
func Section(title string) {
	headerColor.Fprintf(os.Stdout, "\n%s\n", title)
	fmt.Fprintf(os.Stdout, "%s\n\n", strings.Repeat("=", len(title)))
}

func Info(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, "ℹ %s\n", fmt.Sprintf(format, args...))
}

func Success(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, "✓ %s\n", fmt.Sprintf(format, args...))
}

func Warning(format string, args ...interface{}) {
	warnColor.Fprintf(os.Stdout, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Error displays an error message to stderr.
func Error(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// KeyValue displays a key-value pair.
func KeyValue(key, value string) {
	fmt.Fprintf(os.Stdout, "  %-12s %s\n", key+":", value)
}

// Table displays rows under headers with aligned columns.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	separator := make([]string, len(headers))
	for i := range separator {
		separator[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(w, strings.Join(separator, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// Status colors a task or page status by outcome.
func Status(s string) string {
	switch s {
	case string(domain.TaskCompleted):
		return successColor.Sprint(s)
	case string(domain.TaskPartialFailed), string(domain.DetailRetrying), string(domain.TaskCancelled):
		return warnColor.Sprint(s)
	case string(domain.TaskFailed):
		return errorColor.Sprint(s)
	}
	return s
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// ProgressBar shows page progress of one task.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

func NewProgressBar(total int64, description string) *ProgressBar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &ProgressBar{bar: bar}
}

func (p *ProgressBar) Set(current int64) {
	_ = p.bar.Set64(current)
}

func (p *ProgressBar) SetTotal(total int64) {
	p.bar.ChangeMax64(total)
}

func (p *ProgressBar) Describe(description string) {
	p.bar.Describe(description)
}

func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}

// MultiProgress shows one bar per task while several tasks run at once.
type MultiProgress struct {
	progress *mpb.Progress
}

// NewMultiProgress renders to w until every bar ends or ctx is done.
func NewMultiProgress(ctx context.Context, w io.Writer) *MultiProgress {
	return &MultiProgress{progress: mpb.NewWithContext(ctx, mpb.WithWidth(40), mpb.WithOutput(w))}
}

// TaskBar is one task's line in a MultiProgress.
type TaskBar struct {
	bar *mpb.Bar
}

// AddTask adds a bar for a task. total may be 0 while the page count is unknown.
func (m *MultiProgress) AddTask(name string, total int64) *TaskBar {
	bar := m.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.OnAbort(decor.OnComplete(decor.Percentage(decor.WC{W: 5}), " done"), " stopped"),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 12}),
		),
	)
	return &TaskBar{bar: bar}
}

// Wait blocks until every bar has finished rendering.
func (m *MultiProgress) Wait() {
	m.progress.Wait()
}

func (b *TaskBar) Set(current, total int64) {
	if total > 0 {
		b.bar.SetTotal(total, false)
	}
	b.bar.SetCurrent(current)
}

// Done completes the bar at its current count.
func (b *TaskBar) Done() {
	b.bar.SetTotal(-1, true)
}

// Abort ends the bar early and leaves it on screen.
func (b *TaskBar) Abort() {
	b.bar.Abort(false)
}

// Spinner shows indeterminate progress, e.g. while a document is split.
type Spinner struct {
	spinner *spinner.Spinner
}

func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{spinner: s}
}

func (s *Spinner) Start() { s.spinner.Start() }
func (s *Spinner) Stop()  { s.spinner.Stop() }

func (s *Spinner) UpdateMessage(message string) {
	s.spinner.Suffix = " " + message
}
