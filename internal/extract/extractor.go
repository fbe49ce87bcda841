// Package extract turns files of various formats into plain text for chunking.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrBinary marks content that looks like a binary file.
	ErrBinary = errors.New("binary content")
	// ErrEncoding marks text that is not valid UTF-8.
	ErrEncoding = errors.New("invalid UTF-8")
	// ErrTooLarge marks files above the configured size limit.
	ErrTooLarge = errors.New("file too large")
)

// Func extracts text from raw file content.
type Func func(content []byte) (string, error)

// Extractor extracts plain text from document files by extension.
type Extractor struct {
	funcs    map[string]Func
	maxBytes int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxBytes rejects files larger than n bytes. Zero disables the limit.
func WithMaxBytes(n int64) Option {
	return func(e *Extractor) { e.maxBytes = n }
}

// WithFormat registers f for the given extensions, replacing any built-in.
func WithFormat(f Func, exts ...string) Option {
	return func(e *Extractor) {
		for _, ext := range exts {
			e.funcs[strings.ToLower(ext)] = f
		}
	}
}

// NewExtractor returns an Extractor with the built-in formats registered.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{funcs: map[string]Func{
		".pdf":  extractPDF,
		".xlsx": extractExcel,
		".docx": docx.extract,
		".pptx": pptx.extract,
		".odt":  odt.extract,
		".odp":  odp.extract,
		".ods":  ods.extract,
	}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supported reports whether ext has a dedicated extractor. Other extensions are read as plain text.
func (e *Extractor) Supported(ext string) bool {
	_, ok := e.funcs[strings.ToLower(ext)]
	return ok
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(path string) (string, error) {
	if e.maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat file: %w", err)
		}
		if info.Size() > e.maxBytes {
			return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content based on ext, which includes the leading dot.
// Unknown extensions are treated as plain text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	if f, ok := e.funcs[strings.ToLower(ext)]; ok {
		return f(content)
	}
	return extractPlain(content)
}

// sniffLen matches the window git uses to classify binary files.
const sniffLen = 8000

// extractPlain validates content as UTF-8 text.
func extractPlain(content []byte) (string, error) {
	head := content[:min(len(content), sniffLen)]
	if bytes.IndexByte(head, 0) >= 0 {
		return "", ErrBinary
	}
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(content) {
		return "", ErrEncoding
	}
	return string(content), nil
}
