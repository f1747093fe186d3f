package splitter

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/pagerange"
	"github.com/spherical-ai/docpipe/internal/retry"
)

const spreadsheetExportFilter = `pdf:calc_pdf_Export:{"SinglePageSheets":{"type":"boolean","value":"true"}}`

// CommandRunner runs an external program and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// OfficeOptions configure the headless office converter.
type OfficeOptions struct {
	Binary  string
	Timeout time.Duration
	Runner  CommandRunner
}

// OfficeSplitter converts office documents to PDF and renders them with the PDF splitter.
// Spreadsheets export one page per sheet and the page range selects sheets.
type OfficeSplitter struct {
	pdf    *PDFSplitter
	opts   OfficeOptions
	logger *observability.Logger
}

func NewOfficeSplitter(pdf *PDFSplitter, opts OfficeOptions, logger *observability.Logger) *OfficeSplitter {
	if opts.Binary == "" {
		opts.Binary = "soffice"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &OfficeSplitter{pdf: pdf, opts: opts, logger: logger.WithComponent("office_splitter")}
}

func (s *OfficeSplitter) Split(ctx context.Context, req domain.SplitRequest) ([]domain.PageArtifact, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.Filename); err != nil {
		return nil, classifyDocumentError(filepath.Base(req.Filename), err)
	}

	spreadsheet := domain.IsSpreadsheet(req.Filename)
	pdfPath, err := s.convert(ctx, req.TaskID, req.Filename, spreadsheet)
	if err != nil {
		return nil, err
	}

	total, err := s.pdf.pageCount(ctx, pdfPath)
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithTask(req.TaskID)
	var pages []int
	if spreadsheet {
		names := sheetNames(req.Filename)
		if len(names) != total {
			names = genericSheetNames(total)
		}
		selected, err := pagerange.SelectNames(req.PageRange, names, logger)
		if err != nil {
			return nil, err
		}
		selectedNames := make([]string, 0, len(selected))
		for _, sel := range selected {
			pages = append(pages, sel.Index)
			selectedNames = append(selectedNames, sel.Name)
		}
		logger.Info().Strs("sheets", selectedNames).Msg("Rendering selected sheets")
	} else {
		pages, err = pagerange.Resolve(req.PageRange, total, logger)
		if err != nil {
			return nil, err
		}
	}

	return s.pdf.render(ctx, req.TaskID, pdfPath, pages)
}

// Cleanup removes rendered pages and the intermediate PDF.
func (s *OfficeSplitter) Cleanup(taskID string) {
	s.pdf.Cleanup(taskID)
	if taskID == "" {
		return
	}
	dir := filepath.Join(s.pdf.opts.WorkDir, taskID, "source")
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn().Str("task_id", taskID).Err(err).Msg("Failed to remove converted source")
	}
}

func (s *OfficeSplitter) convert(ctx context.Context, taskID, file string, spreadsheet bool) (string, error) {
	outDir := filepath.Join(s.pdf.opts.WorkDir, taskID, "source")
	target := "pdf"
	if spreadsheet {
		target = spreadsheetExportFilter
	}
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	pdfPath := filepath.Join(outDir, base+".pdf")

	policy := s.pdf.policy(file, "convert office document")
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return domain.TransientIOError("create source directory", err)
		}

		runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()

		out, err := s.opts.Runner(runCtx, s.opts.Binary,
			"--headless", "--norestore", "--convert-to", target, "--outdir", outDir, file)
		if err != nil {
			return classifyDocumentError(filepath.Base(file),
				fmt.Errorf("%s: %w: %s", s.opts.Binary, err, strings.TrimSpace(string(out))))
		}
		if _, err := os.Stat(pdfPath); err != nil {
			return domain.TransientIOError(fmt.Sprintf("converter produced no PDF: %s", strings.TrimSpace(string(out))), err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return pdfPath, nil
}

type xlsxWorkbook struct {
	Sheets []struct {
		Name string `xml:"name,attr"`
	} `xml:"sheets>sheet"`
}

// sheetNames reads sheet names from .xlsx and .ods workbooks; other formats return nil.
func sheetNames(file string) []string {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil
	}
	defer zr.Close()

	switch strings.ToLower(filepath.Ext(file)) {
	case ".xlsx":
		data, err := readZipEntry(&zr.Reader, "xl/workbook.xml")
		if err != nil {
			return nil
		}
		var wb xlsxWorkbook
		if err := xml.Unmarshal(data, &wb); err != nil {
			return nil
		}
		names := make([]string, 0, len(wb.Sheets))
		for _, sh := range wb.Sheets {
			names = append(names, sh.Name)
		}
		return names
	case ".ods":
		data, err := readZipEntry(&zr.Reader, "content.xml")
		if err != nil {
			return nil
		}
		return odsTableNames(data)
	}
	return nil
}

func odsTableNames(data []byte) []string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var names []string
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "table" {
				if depth == 0 {
					for _, a := range t.Attr {
						if a.Name.Local == "name" {
							names = append(names, a.Value)
						}
					}
				}
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == "table" {
				depth--
			}
		}
	}
	return names
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, os.ErrNotExist
}

func genericSheetNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("Sheet %d", i+1)
	}
	return names
}
