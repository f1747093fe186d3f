package storage

import (
	"time"

	"github.com/spherical-ai/docpipe/internal/domain"
)

// Task is one document conversion job.
type Task struct {
	ID             string              `json:"id"`
	Filename       string              `json:"filename"`
	DocumentType   domain.DocumentType `json:"document_type"`
	PageRange      string              `json:"page_range"`
	TotalPages     int                 `json:"total_pages"`
	ProviderID     string              `json:"provider_id"`
	ModelID        string              `json:"model_id"`
	ModelName      string              `json:"model_name"`
	Progress       float64             `json:"progress"`
	Status         domain.TaskStatus   `json:"status"`
	WorkerID       string              `json:"worker_id,omitempty"`
	CompletedCount int                 `json:"completed_count"`
	FailedCount    int                 `json:"failed_count"`
	MergedPath     string              `json:"merged_path,omitempty"`
	OutputURL      string              `json:"output_url,omitempty"`
	Error          string              `json:"error,omitempty"`
	RecoveryCount  int                 `json:"recovery_count"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// TaskDetail is one page of a task.
type TaskDetail struct {
	ID            int64               `json:"id"`
	TaskID        string              `json:"task_id"`
	Page          int                 `json:"page"`
	PageSource    int                 `json:"page_source"`
	ImagePath     string              `json:"image_path"`
	Status        domain.DetailStatus `json:"status"`
	WorkerID      string              `json:"worker_id,omitempty"`
	ProviderID    string              `json:"provider_id"`
	ModelID       string              `json:"model_id"`
	Content       string              `json:"content,omitempty"`
	Error         string              `json:"error,omitempty"`
	RetryCount    int                 `json:"retry_count"`
	RecoveryCount int                 `json:"recovery_count"`
	InputTokens   int64               `json:"input_tokens"`
	OutputTokens  int64               `json:"output_tokens"`
	DurationMS    int64               `json:"duration_ms"`
	NextAttemptAt time.Time           `json:"-"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// TaskFields lists the task columns an update writes; nil pointers are left untouched.
type TaskFields struct {
	Status         *domain.TaskStatus
	TotalPages     *int
	Progress       *float64
	CompletedCount *int
	FailedCount    *int
	MergedPath     *string
	OutputURL      *string
	Error          *string
	ReleaseClaim   bool
	MarkCompleted  bool
}

// DetailFields lists the page columns an update writes; nil pointers are left untouched.
type DetailFields struct {
	Status        *domain.DetailStatus
	Content       *string
	Error         *string
	ProviderID    *string
	ModelID       *string
	InputTokens   *int64
	OutputTokens  *int64
	DurationMS    *int64
	NextAttemptAt *time.Time
	IncrementTry  bool
	ReleaseClaim  bool
	MarkStarted   bool
	MarkCompleted bool
}

// DetailCounts summarises the pages of one task by status.
type DetailCounts struct {
	Total      int
	Pending    int
	Processing int
	Retrying   int
	Completed  int
	Failed     int
}

// Terminal is the number of pages that need no more work.
func (c DetailCounts) Terminal() int {
	return c.Completed + c.Failed
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status domain.TaskStatus
	Limit  int
}

// Ptr returns a pointer to v, for building field sets.
func Ptr[T any](v T) *T {
	return &v
}
