package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractExcel renders each non-empty sheet as a Markdown section holding one
// table, so the chunker keeps the sheet name as header context and never splits
// a row. The first row is treated as the table header.
func extractExcel(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sections []string
	for _, sheet := range f.GetSheetList() {
		table, err := sheetTable(f, sheet)
		if err != nil {
			return "", err
		}
		if table != "" {
			sections = append(sections, "# "+sheet+"\n\n"+table)
		}
	}
	return strings.Join(sections, "\n\n"), nil
}

func sheetTable(f *excelize.File, sheet string) (string, error) {
	rows, err := f.Rows(sheet)
	if err != nil {
		return "", fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	var (
		b     strings.Builder
		width int
	)
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if blankRow(cols) {
			continue
		}
		if width == 0 {
			width = len(cols)
			writeRow(&b, cols, width)
			b.WriteString("|" + strings.Repeat(" --- |", width) + "\n")
			continue
		}
		writeRow(&b, cols, width)
	}
	return strings.TrimSuffix(b.String(), "\n"), rows.Error()
}

func writeRow(b *strings.Builder, cols []string, width int) {
	b.WriteByte('|')
	for i := 0; i < width || i < len(cols); i++ {
		cell := ""
		if i < len(cols) {
			cell = strings.ReplaceAll(strings.TrimSpace(cols[i]), "|", `\|`)
			cell = strings.ReplaceAll(cell, "\n", " ")
		}
		b.WriteString(" " + cell + " |")
	}
	b.WriteByte('\n')
}

func blankRow(cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
