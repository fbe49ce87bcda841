package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var errNoText = errors.New("no extractable text")

// extractPDF returns the text of every readable page, each under a "Page N"
// heading. Pages that fail to decode are skipped; the file fails only when no
// page yields text. The pdf reader panics on some malformed files.
func extractPDF(content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse PDF: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}

	var (
		pages   []string
		pageErr error
	)
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, err := page.GetPlainText(nil)
		if err != nil {
			pageErr = fmt.Errorf("page %d: %w", i, err)
			continue
		}
		if t = strings.TrimSpace(t); t != "" {
			pages = append(pages, fmt.Sprintf("## Page %d\n\n%s", i, t))
		}
	}
	if len(pages) == 0 {
		if pageErr != nil {
			return "", fmt.Errorf("extract PDF: %w", pageErr)
		}
		return "", fmt.Errorf("extract PDF: %w", errNoText)
	}
	return strings.Join(pages, "\n\n"), nil
}
