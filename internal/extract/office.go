package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// zipFormat describes a zipped XML document: which parts hold text and which elements carry it.
type zipFormat struct {
	name  string
	parts func(name string) bool
	text  *regexp.Regexp
	// breaks match elements that end a paragraph or row.
	breaks *regexp.Regexp
}

var (
	docx = zipFormat{
		name:   "DOCX",
		parts:  func(n string) bool { return docxRe.MatchString(n) },
		text:   regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`),
		breaks: regexp.MustCompile(`</w:p>|<w:br[^>]*/>|<w:tab/>`),
	}
	pptx = zipFormat{
		name:   "PPTX",
		parts:  slidePart,
		text:   regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`),
		breaks: regexp.MustCompile(`</a:p>`),
	}
	odfText   = regexp.MustCompile(`<text:(?:p|h|span)(?:\s[^>]*)?>([^<]*)`)
	odfBreaks = regexp.MustCompile(`</text:p>|</text:h>|<text:line-break/>`)
	odt       = zipFormat{name: "ODT", parts: contentPart, text: odfText, breaks: odfBreaks}
	odp       = zipFormat{name: "ODP", parts: contentPart, text: odfText, breaks: odfBreaks}
	ods       = zipFormat{name: "ODS", parts: contentPart, text: odfText, breaks: regexp.MustCompile(`</table:table-row>`)}
)

func contentPart(n string) bool { return n == "content.xml" }

var docxRe = regexp.MustCompile(`^word/document\d*\.xml$`)

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func slidePart(n string) bool { return slideRe.MatchString(n) }

// extract pulls text from every matching part, in part order, one paragraph per line.
func (f zipFormat) extract(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract %s: not a zip: %w", f.name, err)
	}

	var files []*zip.File
	for _, zf := range zr.File {
		if f.parts(zf.Name) {
			files = append(files, zf)
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("extract %s: no content parts", f.name)
	}
	sort.SliceStable(files, func(i, j int) bool { return partOrder(files[i].Name) < partOrder(files[j].Name) })

	var b strings.Builder
	for _, zf := range files {
		xml, err := readPart(zf)
		if err != nil {
			return "", fmt.Errorf("extract %s: %w", f.name, err)
		}
		f.appendText(&b, xml)
	}
	return strings.TrimSpace(b.String()), nil
}

// appendText walks text runs and paragraph breaks in document order.
func (f zipFormat) appendText(b *strings.Builder, xml string) {
	texts := f.text.FindAllStringSubmatchIndex(xml, -1)
	breaks := f.breaks.FindAllStringIndex(xml, -1)
	ti, bi := 0, 0
	line := false
	for ti < len(texts) || bi < len(breaks) {
		if bi < len(breaks) && (ti >= len(texts) || breaks[bi][0] < texts[ti][0]) {
			if line {
				b.WriteByte('\n')
				line = false
			}
			bi++
			continue
		}
		m := texts[ti]
		ti++
		s := html.UnescapeString(xml[m[2]:m[3]])
		if s == "" {
			continue
		}
		if line {
			b.WriteByte(' ')
		}
		b.WriteString(strings.TrimSpace(s))
		line = true
	}
	if line {
		b.WriteByte('\n')
	}
}

// partOrder sorts slide parts numerically so slide10 follows slide9.
func partOrder(name string) int {
	if m := slideRe.FindStringSubmatch(name); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func readPart(zf *zip.File) (string, error) {
	rc, err := zf.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", zf.Name, err)
	}
	return string(data), nil
}
