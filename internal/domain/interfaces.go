package domain

import "context"

// Splitter turns a source document into ordered page images
type Splitter interface {
	// Split renders the selected pages of the request's document
	Split(ctx context.Context, req SplitRequest) ([]PageArtifact, error)

	// Cleanup removes the rendered images of a task; failures are logged, never returned
	Cleanup(taskID string)
}

// Publisher broadcasts pipeline events to outside listeners
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// ArtifactStore keeps merged documents outside the work directory
type ArtifactStore interface {
	// Put stores the file at localPath under key and returns its location
	Put(ctx context.Context, key, localPath string) (string, error)
	Delete(ctx context.Context, key string) error
}
