package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// DefaultSystemPrompt instructs the model to transcribe one page image to Markdown.
const DefaultSystemPrompt = `You are a document conversion expert. You receive one rendered page of a document as an image.
Transcribe the page into clean Markdown.

CONTENT RULES:
- Keep all text in reading order, including headings, paragraphs, lists and captions
- Reproduce tables as Markdown tables with one header row; keep the column count consistent in every row
- For merged cells, repeat the value in each cell it spans
- Describe charts and photos in one short italic sentence, e.g. *Bar chart of quarterly revenue*
- Skip running headers, footers and page numbers that repeat on every page

FORMATTING RULES:
- Use # for the page's main title only if it has one, ## and ### for sections below it
- Always add a blank line before and after headers, tables and lists
- Output plain numbers and units without LaTeX or math mode (no $ signs)
- Do not wrap the output in code fences

IMPORTANT:
- Output ONLY the Markdown for this page, with no commentary about the conversion
- If the page has no readable content, output nothing (empty response)`

// pageRequest builds the completion request for one page.
func pageRequest(d *storage.TaskDetail, filename, systemPrompt string, temperature float64, maxTokens int) (llm.Request, error) {
	image, err := llm.ImageFile(d.ImagePath)
	if err != nil {
		return llm.Request{}, err
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	intro := fmt.Sprintf("Page %d of %s.", d.PageSource, filepath.Base(filename))
	return llm.Request{
		Model: d.ModelID,
		Messages: []llm.Message{
			llm.SystemMessage(systemPrompt),
			llm.UserMessage(llm.TextPart(intro), image),
		},
		Options: llm.Options{
			Temperature:    temperature,
			MaxTokens:      maxTokens,
			ResponseFormat: llm.FormatText,
		},
	}, nil
}
