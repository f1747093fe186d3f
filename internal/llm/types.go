// Package llm exposes one completion contract over the supported model providers.
package llm

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind identifies the payload of a message part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// Part is one piece of message content.
type Part struct {
	Kind PartKind

	Text string

	// Image payload: either raw bytes with a MIME type or a URL.
	Data     []byte
	MIMEType string
	URL      string

	// Tool payload.
	ToolName   string
	ToolCallID string
	Arguments  string
}

// Message is a provider-agnostic chat turn.
type Message struct {
	Role  Role
	Parts []Part
}

// ResponseFormat hints the shape of the completion.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// Options tune a single completion.
type Options struct {
	Temperature    float64
	MaxTokens      int
	ResponseFormat ResponseFormat

	// OnUpdate receives streamed deltas; nil disables streaming.
	OnUpdate func(delta string)
}

// Request is a completion call.
type Request struct {
	Model    string
	Messages []Message
	Options  Options
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the aggregate result of a completion.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
}

// Client is implemented by every provider adapter.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() string
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ImagePart builds an inline image part.
func ImagePart(data []byte, mimeType string) Part {
	return Part{Kind: PartImage, Data: data, MIMEType: mimeType}
}

// ImageFile reads an image from disk into an inline part.
func ImageFile(path string) (Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Part{}, fmt.Errorf("read image %s: %w", filepath.Base(path), err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return ImagePart(data, mimeType), nil
}

// SystemMessage and UserMessage are shorthands for common turns.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart(text)}}
}

func UserMessage(parts ...Part) Message {
	return Message{Role: RoleUser, Parts: parts}
}
