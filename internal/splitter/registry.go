package splitter

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/retry"
)

// Registry dispatches to the splitter registered for a document type.
type Registry struct {
	splitters map[domain.DocumentType]domain.Splitter
}

func NewRegistry() *Registry {
	return &Registry{splitters: make(map[domain.DocumentType]domain.Splitter)}
}

// NewDefaultRegistry wires the PDF, image and office splitters from pipeline settings.
func NewDefaultRegistry(workDir string, cfg config.PipelineConfig, logger *observability.Logger) *Registry {
	opts := Options{
		WorkDir:     workDir,
		DPI:         cfg.RenderDPI,
		JPEGQuality: cfg.JPEGQuality,
		Retry: retry.Policy{
			MaxAttempts: cfg.SplitMaxRetries,
			BaseDelay:   cfg.SplitRetryBaseDelay,
			MaxDelay:    cfg.SplitRetryMaxDelay,
		},
	}
	pdf := NewPDFSplitter(FitzRenderer{}, opts, logger)

	r := NewRegistry()
	r.Register(domain.DocumentPDF, pdf)
	r.Register(domain.DocumentImage, NewImageSplitter(opts, logger))
	r.Register(domain.DocumentOffice, NewOfficeSplitter(pdf, OfficeOptions{
		Binary:  cfg.OfficeBinary,
		Timeout: cfg.OfficeTimeout,
	}, logger))
	return r
}

func (r *Registry) Register(docType domain.DocumentType, s domain.Splitter) {
	r.splitters[docType] = s
}

// Split picks a splitter by the request's document type, falling back to the file extension.
func (r *Registry) Split(ctx context.Context, req domain.SplitRequest) ([]domain.PageArtifact, error) {
	s, err := r.lookup(req)
	if err != nil {
		return nil, err
	}
	return s.Split(ctx, req)
}

// Cleanup asks every registered splitter to remove the task's files.
func (r *Registry) Cleanup(taskID string) {
	for _, s := range r.splitters {
		s.Cleanup(taskID)
	}
}

func (r *Registry) lookup(req domain.SplitRequest) (domain.Splitter, error) {
	docType := req.DocumentType
	if docType == "" {
		detected, ok := domain.DetectDocumentType(req.Filename)
		if !ok {
			return nil, domain.ValidationError(
				fmt.Sprintf("unsupported document type for %s", filepath.Base(req.Filename)), nil)
		}
		docType = detected
	}
	s, ok := r.splitters[docType]
	if !ok {
		return nil, domain.ValidationError(fmt.Sprintf("no splitter registered for %s documents", docType), nil)
	}
	return s, nil
}
