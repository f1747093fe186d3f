// Package splitter renders source documents into per-page JPEG images.
package splitter

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/pagerange"
	"github.com/spherical-ai/docpipe/internal/retry"
)

const (
	defaultDPI     = 144
	defaultQuality = 85
)

// Options configure page rendering.
type Options struct {
	WorkDir     string
	DPI         float64
	JPEGQuality int
	Retry       retry.Policy
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = defaultDPI
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = defaultQuality
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	return o
}

// PagesDir is where the images of a task are written.
func PagesDir(workDir, taskID string) string {
	return filepath.Join(workDir, taskID, "pages")
}

// PDFSplitter renders PDF pages with a Renderer.
type PDFSplitter struct {
	renderer Renderer
	opts     Options
	logger   *observability.Logger
}

// NewPDFSplitter creates a PDF splitter; a nil renderer uses go-fitz.
func NewPDFSplitter(renderer Renderer, opts Options, logger *observability.Logger) *PDFSplitter {
	if renderer == nil {
		renderer = FitzRenderer{}
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &PDFSplitter{
		renderer: renderer,
		opts:     opts.withDefaults(),
		logger:   logger.WithComponent("pdf_splitter"),
	}
}

// Split counts the pages, resolves the page range and renders the selected pages.
func (s *PDFSplitter) Split(ctx context.Context, req domain.SplitRequest) ([]domain.PageArtifact, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	total, err := s.pageCount(ctx, req.Filename)
	if err != nil {
		return nil, err
	}

	pages, err := pagerange.Resolve(req.PageRange, total, s.logger.WithTask(req.TaskID))
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.PageRange) == "" {
		s.logger.Info().Str("task_id", req.TaskID).Int("pages", total).Msg("Rendering all pages")
	} else {
		s.logger.Info().Str("task_id", req.TaskID).Ints("pages", pages).Msg("Rendering selected pages")
	}

	return s.render(ctx, req.TaskID, req.Filename, pages)
}

// Cleanup removes the rendered images of a task.
func (s *PDFSplitter) Cleanup(taskID string) {
	cleanupPages(s.opts.WorkDir, taskID, s.logger)
}

func (s *PDFSplitter) pageCount(ctx context.Context, file string) (int, error) {
	policy := s.policy(file, "count pages")
	return retry.DoValue(ctx, policy, func(ctx context.Context) (int, error) {
		doc, err := s.renderer.Open(file)
		if err != nil {
			return 0, classifyDocumentError(filepath.Base(file), err)
		}
		defer doc.Close()

		n := doc.NumPage()
		if n <= 0 {
			return 0, &domain.NonRetryableDocumentError{File: filepath.Base(file), Defect: domain.DefectCorrupted}
		}
		return n, nil
	})
}

// render writes the given 1-based source pages as page_0001.jpg.. in one document pass.
func (s *PDFSplitter) render(ctx context.Context, taskID, file string, pages []int) ([]domain.PageArtifact, error) {
	outDir := PagesDir(s.opts.WorkDir, taskID)
	policy := s.policy(file, "render pages")

	return retry.DoValue(ctx, policy, func(ctx context.Context) ([]domain.PageArtifact, error) {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, domain.TransientIOError("create pages directory", err)
		}

		doc, err := s.renderer.Open(file)
		if err != nil {
			return nil, classifyDocumentError(filepath.Base(file), err)
		}
		defer doc.Close()

		out := make([]domain.PageArtifact, 0, len(pages))
		for i, source := range pages {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			img, err := doc.Render(source-1, s.opts.DPI)
			if err != nil {
				return nil, classifyDocumentError(filepath.Base(file),
					fmt.Errorf("render page %d: %w", source, err))
			}

			seq := i + 1
			path := filepath.Join(outDir, pageFileName(seq))
			if err := writeJPEG(path, img, s.opts.JPEGQuality); err != nil {
				return nil, err
			}
			out = append(out, domain.PageArtifact{Page: seq, PageSource: source, ImagePath: path})
		}
		return out, nil
	})
}

func (s *PDFSplitter) policy(file, op string) retry.Policy {
	p := s.opts.Retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warn().
			Str("file", filepath.Base(file)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msgf("Failed to %s, retrying", op)
	}
	return p
}

func validateRequest(req domain.SplitRequest) error {
	if strings.TrimSpace(req.TaskID) == "" {
		return domain.ValidationError("task id is required", nil)
	}
	if strings.TrimSpace(req.Filename) == "" {
		return domain.ValidationError("source filename is required", nil)
	}
	return nil
}

func pageFileName(seq int) string {
	return fmt.Sprintf("page_%04d.jpg", seq)
}

// writeJPEG flattens transparency onto white and encodes img at the given quality.
func writeJPEG(path string, img image.Image, quality int) error {
	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)

	f, err := os.Create(path)
	if err != nil {
		return domain.TransientIOError("create page image", err)
	}
	if err := jpeg.Encode(f, flat, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return domain.ConversionError("encode page image", err)
	}
	if err := f.Close(); err != nil {
		return domain.TransientIOError("write page image", err)
	}
	return nil
}

func cleanupPages(workDir, taskID string, logger *observability.Logger) {
	if taskID == "" {
		return
	}
	dir := PagesDir(workDir, taskID)
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Str("task_id", taskID).Str("dir", dir).Err(err).Msg("Failed to remove page images")
	}
}
