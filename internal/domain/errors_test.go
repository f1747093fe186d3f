package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection reset"), true},
		{"transient io", TransientIOError("read page", errors.New("EOF")), true},
		{"validation", ValidationError("task id is required", nil), false},
		{"wrapped validation", fmt.Errorf("split: %w", ValidationError("filename is required", nil)), false},
		{"password protected", &NonRetryableDocumentError{File: "a.pdf", Defect: DefectPasswordProtected}, false},
		{"format", &FormatError{Expression: "1-", Token: "1-"}, false},
		{"range order", &RangeOrderError{Expression: "5-1", Start: 5, End: 1}, false},
		{"empty result", &EmptyResultError{Expression: "50-60", Total: 5}, false},
		{"provider", &ProviderError{Provider: "openai", Message: "overloaded", StatusCode: 529}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNonRetryableDocumentErrorMessages(t *testing.T) {
	tests := []struct {
		defect DocumentDefect
		want   string
	}{
		{DefectPasswordProtected, "report.pdf is password-protected"},
		{DefectCorrupted, "report.pdf appears to be corrupted"},
		{DefectNotFound, "report.pdf could not be found"},
		{DefectGeneric, "report.pdf could not be processed"},
	}

	for _, tt := range tests {
		t.Run(string(tt.defect), func(t *testing.T) {
			err := &NonRetryableDocumentError{File: "report.pdf", Defect: tt.defect}
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := IOError("write output", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsType(err, ErrorTypeIO))
	assert.False(t, IsType(err, ErrorTypeValidation))
	assert.Equal(t, "[io] write output: disk full", err.Error())
}

func TestDetectDocumentType(t *testing.T) {
	tests := []struct {
		filename string
		want     DocumentType
		ok       bool
	}{
		{"brochure.pdf", DocumentPDF, true},
		{"scan.PNG", DocumentImage, true},
		{"photo.webp", DocumentImage, true},
		{"deck.pptx", DocumentOffice, true},
		{"budget.xlsx", DocumentOffice, true},
		{"notes.txt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := DetectDocumentType(tt.filename)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskPartialFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskMerging.Terminal())

	assert.True(t, DetailFailed.Terminal())
	assert.False(t, DetailRetrying.Terminal())
}
