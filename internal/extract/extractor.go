// Package extract turns uploaded files into raw text. Only plain-text
// formats are handled natively; binary document formats (PDF, DOCX) are
// expected to be converted before upload and yield ErrNoText here.
package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrNoText is returned when no text could be extracted from a file
var ErrNoText = errors.New("no text could be extracted")

// Extractor turns a file into raw text
type Extractor interface {
	// ExtractText returns the text content of the file at path, or
	// ErrNoText if the file is unreadable, empty, or unsupported.
	ExtractText(path string) (string, error)
}

// FileExtractor extracts text based on the file extension
type FileExtractor struct{}

// NewFileExtractor creates the default extractor
func NewFileExtractor() *FileExtractor {
	return &FileExtractor{}
}

var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".text":     true,
}

// ExtractText reads plain-text files; anything else is unsupported
func (e *FileExtractor) ExtractText(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !textExtensions[ext] {
		return "", ErrNoText
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ErrNoText
	}
	text := strings.TrimSpace(string(data))
	if text == "" || !utf8.ValidString(text) {
		return "", ErrNoText
	}
	return text, nil
}
