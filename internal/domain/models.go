package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// DocumentType selects the splitter variant for a task.
type DocumentType string

const (
	DocumentPDF    DocumentType = "pdf"
	DocumentImage  DocumentType = "image"
	DocumentOffice DocumentType = "office"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

var officeExtensions = map[string]bool{
	".doc": true, ".docx": true, ".odt": true, ".rtf": true,
	".ppt": true, ".pptx": true, ".odp": true,
	".xls": true, ".xlsx": true, ".ods": true,
}

// DetectDocumentType guesses the document type from a filename extension.
func DetectDocumentType(filename string) (DocumentType, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".pdf":
		return DocumentPDF, true
	case imageExtensions[ext]:
		return DocumentImage, true
	case officeExtensions[ext]:
		return DocumentOffice, true
	}
	return "", false
}

// IsSpreadsheet reports whether the file is a workbook whose sheets are selected by name.
func IsSpreadsheet(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xls", ".xlsx", ".ods":
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskCreated       TaskStatus = "created"
	TaskPendingSplit  TaskStatus = "pending_split"
	TaskSplitting     TaskStatus = "splitting"
	TaskProcessing    TaskStatus = "processing"
	TaskReadyToMerge  TaskStatus = "ready_to_merge"
	TaskMerging       TaskStatus = "merging"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
	TaskPartialFailed TaskStatus = "partial_failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskPartialFailed:
		return true
	}
	return false
}

// AllTaskStatuses lists every task status in pipeline order.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskCreated, TaskPendingSplit, TaskSplitting, TaskProcessing, TaskReadyToMerge,
		TaskMerging, TaskCompleted, TaskFailed, TaskCancelled, TaskPartialFailed,
	}
}

// DetailStatus is the lifecycle state of one page.
type DetailStatus string

const (
	DetailPending    DetailStatus = "pending"
	DetailProcessing DetailStatus = "processing"
	DetailCompleted  DetailStatus = "completed"
	DetailFailed     DetailStatus = "failed"
	DetailRetrying   DetailStatus = "retrying"
)

// Terminal reports whether the page needs no more conversion attempts.
func (s DetailStatus) Terminal() bool {
	return s == DetailCompleted || s == DetailFailed
}

// PageArtifact is one rendered page produced by a splitter.
type PageArtifact struct {
	Page       int    // sequential position 1..K
	PageSource int    // page number in the source document
	ImagePath  string
}

// SplitRequest carries what a splitter needs from a task.
type SplitRequest struct {
	TaskID       string
	Filename     string
	DocumentType DocumentType
	PageRange    string
}

// Event is published on task and page transitions.
type Event struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	Page      int       `json:"page,omitempty"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventTaskStatus   = "task.status"
	EventTaskProgress = "task.progress"
	EventPageStatus   = "page.status"
)
