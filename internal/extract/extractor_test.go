package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func zipOf(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range parts {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractBytes_plain(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		ext     string
		want    string
		wantErr error
	}{
		{"txt", []byte("Hello world\nLine 2"), ".txt", "Hello world\nLine 2", nil},
		{"utf8", []byte("caf\xc3\xa9"), ".md", "café", nil},
		{"bom stripped", []byte("\xef\xbb\xbfhello"), ".md", "hello", nil},
		{"unknown extension", []byte("raw content"), ".xyz", "raw content", nil},
		{"invalid utf8", []byte("hello\x80world"), ".rst", "", ErrEncoding},
		{"binary", []byte("ELF\x00\x01\x02"), ".bin", "", ErrBinary},
	}
	e := NewExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ExtractBytes(tt.content, tt.ext)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractBytes_office(t *testing.T) {
	tests := []struct {
		name  string
		ext   string
		parts map[string]string
		want  string
	}{
		{
			"docx paragraphs",
			".docx",
			map[string]string{"word/document.xml": `<w:document><w:body><w:p w:rsidR="1"><w:r><w:t>First</w:t></w:r><w:r><w:t xml:space="preserve">line</w:t></w:r></w:p><w:p><w:r><w:t>Second &amp; last</w:t></w:r></w:p></w:body></w:document>`},
			"First line\nSecond & last",
		},
		{
			"docx alternate part name",
			".docx",
			map[string]string{"word/document2.xml": `<w:p><w:r><w:t>Content from document2</w:t></w:r></w:p>`},
			"Content from document2",
		},
		{
			"pptx slides in numeric order",
			".pptx",
			map[string]string{
				"ppt/slides/slide10.xml": `<a:p><a:r><a:t>Tenth</a:t></a:r></a:p>`,
				"ppt/slides/slide2.xml":  `<a:p><a:r><a:t>Second</a:t></a:r></a:p>`,
				"ppt/slides/slide1.xml":  `<a:p><a:r><a:t>First</a:t></a:r></a:p>`,
			},
			"First\nSecond\nTenth",
		},
		{
			"odp headings in document order",
			".odp",
			map[string]string{"content.xml": `<draw:page><text:h>Slide title</text:h><text:p>Body text</text:p></draw:page>`},
			"Slide title\nBody text",
		},
		{
			"ods cells per row",
			".ods",
			map[string]string{"content.xml": `<table:table><table:table-row><table:table-cell><text:p>Cell A</text:p></table:table-cell><table:table-cell><text:p>Cell B</text:p></table:table-cell></table:table-row><table:table-row><table:table-cell><text:p>Cell C</text:p></table:table-cell></table:table-row></table:table>`},
			"Cell A Cell B\nCell C",
		},
		{
			"odt",
			".odt",
			map[string]string{"content.xml": `<office:text><text:p>Searchable odt content</text:p></office:text>`},
			"Searchable odt content",
		},
	}
	e := NewExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ExtractBytes(zipOf(t, tt.parts), tt.ext)
			if err != nil {
				t.Fatalf("ExtractBytes: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractBytes_officeErrors(t *testing.T) {
	e := NewExtractor()
	if _, err := e.ExtractBytes([]byte("not a zip"), ".pptx"); err == nil {
		t.Error("expected error for invalid pptx")
	}
	if _, err := e.ExtractBytes(zipOf(t, map[string]string{"other.xml": ""}), ".odp"); err == nil {
		t.Error("expected error when content.xml missing")
	}
}

func TestExtractBytes_excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	_ = f.SetCellValue("Sheet1", "A1", "Title")
	_ = f.SetCellValue("Sheet1", "A2", "Value 1")
	_ = f.SetCellValue("Sheet1", "B2", "Value 2")
	_ = f.SetCellValue("Sheet1", "A4", "a|b")
	_, _ = f.NewSheet("Empty")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewExtractor().ExtractBytes(buf.Bytes(), ".xlsx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	want := "# Sheet1\n\n| Title |\n| --- |\n| Value 1 | Value 2 |\n| a\\|b |"
	if got != want {
		t.Errorf("got %q", got)
	}
}

func TestExtract_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\n\nFile content"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := NewExtractor().Extract(path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "# Notes\n\nFile content" {
		t.Errorf("got %q", got)
	}

	if _, err := NewExtractor().Extract(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestExtract_maxBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), 100), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := NewExtractor(WithMaxBytes(10)).Extract(path)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error = %v, want ErrTooLarge", err)
	}
}

func TestWithFormat(t *testing.T) {
	e := NewExtractor(WithFormat(func([]byte) (string, error) { return "custom", nil }, ".CSV"))
	if !e.Supported(".csv") {
		t.Fatal(".csv should be supported")
	}
	got, err := e.ExtractBytes([]byte("a,b"), ".csv")
	if err != nil || got != "custom" {
		t.Errorf("got %q, %v", got, err)
	}
}
