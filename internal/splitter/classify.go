package splitter

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spherical-ai/docpipe/internal/domain"
)

var (
	passwordSignals = []string{"password", "encrypt", "needs password", "authentication required"}
	corruptSignals  = []string{"corrupt", "damaged", "invalid format", "not a pdf", "malformed",
		"cannot open document", "unknown format", "unexpected eof", "no objects found", "format error"}
	notFoundSignals = []string{"no such file", "not found", "does not exist"}
)

// classifyDocumentError turns failures that will never succeed on retry into
// NonRetryableDocumentError. Anything else is returned unchanged so the retry policy can run.
func classifyDocumentError(file string, err error) error {
	if err == nil {
		return nil
	}
	var docErr *domain.NonRetryableDocumentError
	if errors.As(err, &docErr) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return &domain.NonRetryableDocumentError{File: file, Defect: domain.DefectNotFound, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, passwordSignals):
		return &domain.NonRetryableDocumentError{File: file, Defect: domain.DefectPasswordProtected, Err: err}
	case containsAny(msg, corruptSignals):
		return &domain.NonRetryableDocumentError{File: file, Defect: domain.DefectCorrupted, Err: err}
	case containsAny(msg, notFoundSignals):
		return &domain.NonRetryableDocumentError{File: file, Defect: domain.DefectNotFound, Err: err}
	}
	return err
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
