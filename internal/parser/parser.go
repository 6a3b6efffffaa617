// Package parser turns raw uploaded bytes into an ordered sequence of pages.
package parser

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Page is one page of extracted text. Numbers are 1-based.
type Page struct {
	Number int
	Text   string
}

// Parse dispatches on the MIME type and a content sniff of the leading bytes.
// PDFs are extracted page by page; everything else becomes a single page of
// best-effort UTF-8 text. Text is sanitized of NUL bytes, which Postgres
// rejects inside TEXT columns.
func Parse(content []byte, contentType string) ([]Page, error) {
	if isPDF(content, contentType) {
		return parsePDF(content)
	}
	return []Page{{Number: 1, Text: sanitize(decodeUTF8(content))}}, nil
}

func isPDF(content []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "pdf") {
		return true
	}
	return bytes.HasPrefix(content, []byte("%PDF"))
}

func parsePDF(content []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := make([]Page, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		p := reader.Page(i)
		text := ""
		if !p.V.IsNull() {
			// Pages with no extractable text yield an empty string rather
			// than failing the whole document.
			if extracted, err := p.GetPlainText(nil); err == nil {
				text = extracted
			}
		}
		pages = append(pages, Page{Number: i, Text: sanitize(text)})
	}

	return pages, nil
}

// decodeUTF8 interprets raw bytes as UTF-8, replacing invalid sequences with
// the Unicode replacement character.
func decodeUTF8(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	return strings.ToValidUTF8(string(content), string(utf8.RuneError))
}

func sanitize(text string) string {
	return strings.ReplaceAll(text, "\x00", "")
}
