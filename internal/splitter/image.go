package splitter

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/retry"
)

// ImageSplitter handles single-image sources: one input page, one output page.
type ImageSplitter struct {
	opts   Options
	logger *observability.Logger
}

func NewImageSplitter(opts Options, logger *observability.Logger) *ImageSplitter {
	if logger == nil {
		logger = observability.Nop()
	}
	return &ImageSplitter{opts: opts.withDefaults(), logger: logger.WithComponent("image_splitter")}
}

// Split re-encodes the image as the task's only page. Page ranges do not apply.
func (s *ImageSplitter) Split(ctx context.Context, req domain.SplitRequest) ([]domain.PageArtifact, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.PageRange != "" {
		s.logger.Debug().Str("task_id", req.TaskID).Str("page_range", req.PageRange).
			Msg("Ignoring page range for image source")
	}

	name := filepath.Base(req.Filename)
	outDir := PagesDir(s.opts.WorkDir, req.TaskID)
	policy := s.opts.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warn().Str("file", name).Int("attempt", attempt).Dur("delay", delay).Err(err).
			Msg("Failed to convert image, retrying")
	}

	return retry.DoValue(ctx, policy, func(ctx context.Context) ([]domain.PageArtifact, error) {
		f, err := os.Open(req.Filename)
		if err != nil {
			return nil, classifyDocumentError(name, err)
		}
		img, format, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, &domain.NonRetryableDocumentError{File: name, Defect: domain.DefectCorrupted,
				Err: fmt.Errorf("decode image: %w", err)}
		}

		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, domain.TransientIOError("create pages directory", err)
		}
		path := filepath.Join(outDir, pageFileName(1))
		if err := writeJPEG(path, img, s.opts.JPEGQuality); err != nil {
			return nil, err
		}

		s.logger.Debug().Str("task_id", req.TaskID).Str("format", format).Msg("Converted image page")
		return []domain.PageArtifact{{Page: 1, PageSource: 1, ImagePath: path}}, nil
	})
}

func (s *ImageSplitter) Cleanup(taskID string) {
	cleanupPages(s.opts.WorkDir, taskID, s.logger)
}
