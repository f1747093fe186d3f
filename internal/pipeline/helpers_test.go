package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/events"
	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSplitter writes one small JPEG-named file per page.
type fakeSplitter struct {
	workDir string
	pages   int
	err     error

	mu      sync.Mutex
	cleaned []string
}

func (s *fakeSplitter) Split(_ context.Context, req domain.SplitRequest) ([]domain.PageArtifact, error) {
	if s.err != nil {
		return nil, s.err
	}
	dir := filepath.Join(s.workDir, req.TaskID, "pages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	out := make([]domain.PageArtifact, 0, s.pages)
	for i := 1; i <= s.pages; i++ {
		path := filepath.Join(dir, fmt.Sprintf("page_%03d.jpg", i))
		if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xd9}, 0o644); err != nil {
			return nil, err
		}
		out = append(out, domain.PageArtifact{Page: i, PageSource: i, ImagePath: path})
	}
	return out, nil
}

func (s *fakeSplitter) Cleanup(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, taskID)
}

// fakeClient answers with the page number it was asked about unless fn overrides it.
type fakeClient struct {
	mu    sync.Mutex
	calls map[int]int
	fn    func(page int) (*llm.Response, error)
}

func newFakeClient(fn func(page int) (*llm.Response, error)) *fakeClient {
	return &fakeClient{calls: make(map[int]int), fn: fn}
}

func (c *fakeClient) Provider() string { return "fake" }

func (c *fakeClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	var page int
	if _, err := fmt.Sscanf(req.Messages[1].Parts[0].Text, "Page %d of", &page); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls[page]++
	c.mu.Unlock()

	if c.fn != nil {
		return c.fn(page)
	}
	return &llm.Response{
		Content: fmt.Sprintf("## Section %d\n\nBody of page %d.", page, page),
		Usage:   llm.Usage{InputTokens: 100, OutputTokens: 20},
	}, nil
}

func (c *fakeClient) Calls(page int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[page]
}

type fakeModels struct {
	client llm.Client
}

func (m fakeModels) Client(context.Context, string) (llm.Client, error) {
	return m.client, nil
}

func (m fakeModels) Resolve(providerID, model string) (string, string, error) {
	if providerID == "" {
		providerID = "fake"
	}
	if model == "" {
		model = "fake-vision"
	}
	return providerID, model, nil
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	store    *storage.Store
	workDir  string
	splitter *fakeSplitter
	client   *fakeClient
	events   *events.Memory
	orch     *Orchestrator

	split   *SplitterWorker
	convert *ConverterWorker
	merge   *MergerWorker
}

func newHarness(t *testing.T, pages int, client *fakeClient) *harness {
	t.Helper()
	ctx := context.Background()
	clock := newTestClock()
	dir := t.TempDir()

	store, err := storage.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "docpipe.db")},
	}, storage.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if client == nil {
		client = newFakeClient(nil)
	}
	h := &harness{
		t:       t,
		ctx:     ctx,
		clock:   clock,
		store:   store,
		workDir: filepath.Join(dir, "tasks"),
		client:  client,
		events:  events.NewMemory(),
	}
	h.splitter = &fakeSplitter{workDir: h.workDir, pages: pages}

	cfg := config.DefaultConfig().Pipeline
	cfg.PageRetryDelay = time.Second
	deps := Deps{
		Store:    store,
		Splitter: h.splitter,
		Models:   fakeModels{client: client},
		Events:   h.events,
		Clock:    clock.Now,
	}
	h.orch = New(deps, h.workDir, cfg)

	h.split = NewSplitterWorker(store, h.splitter, h.events, 10*time.Millisecond, nil)
	h.convert = NewConverterWorker(store, deps.Models, h.events, ConverterOptions{
		Interval:           10 * time.Millisecond,
		MaxPageRetries:     cfg.MaxPageRetries,
		PageRetryDelay:     cfg.PageRetryDelay,
		MaxFailedPageRatio: cfg.MaxFailedPageRatio,
		Clock:              clock.Now,
	}, nil)
	h.merge = NewMergerWorker(store, h.workDir, nil, h.events, 10*time.Millisecond, nil)
	return h
}

// document writes a source file for Submit.
func (h *harness) document(name string) string {
	h.t.Helper()
	path := filepath.Join(h.t.TempDir(), name)
	require.NoError(h.t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
	return path
}

func (h *harness) submit() *storage.Task {
	h.t.Helper()
	task, err := h.orch.Submit(h.ctx, SubmitRequest{Filename: h.document("report.pdf")})
	require.NoError(h.t, err)
	return task
}

func (h *harness) step(w interface {
	Step(context.Context) (bool, error)
}) bool {
	h.t.Helper()
	worked, err := w.Step(h.ctx)
	require.NoError(h.t, err)
	return worked
}

// drain converts pages until none is due.
func (h *harness) drain() int {
	h.t.Helper()
	n := 0
	for h.step(h.convert) {
		n++
	}
	return n
}

func (h *harness) task(id string) *storage.Task {
	h.t.Helper()
	task, err := h.store.GetTask(h.ctx, id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) pages(id string) []*storage.TaskDetail {
	h.t.Helper()
	details, err := h.store.ListDetails(h.ctx, id)
	require.NoError(h.t, err)
	return details
}
