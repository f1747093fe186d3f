package splitter

import (
	"image"

	"github.com/gen2brain/go-fitz"
)

// Renderer opens documents for rasterization.
type Renderer interface {
	Open(path string) (Document, error)
}

// Document is an opened, page-addressable document.
type Document interface {
	NumPage() int
	// Render rasterizes the zero-based page at the given resolution.
	Render(page int, dpi float64) (image.Image, error)
	Close() error
}

// FitzRenderer renders PDFs with MuPDF through go-fitz.
type FitzRenderer struct{}

func (FitzRenderer) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return &fitzDocument{doc: doc}, nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) NumPage() int {
	return d.doc.NumPage()
}

func (d *fitzDocument) Render(page int, dpi float64) (image.Image, error) {
	return d.doc.ImageDPI(page, dpi)
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
