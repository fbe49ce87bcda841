package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/hyperjump/shirabe/internal/indexer"
)

// Progress draws an indexing progress bar from pipeline callbacks.
type Progress struct {
	w     io.Writer
	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	total int
}

// NewProgress returns a progress renderer writing to w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

// Update is an indexer.ProgressFunc.
func (p *Progress) Update(pr indexer.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr.Total == 0 {
		return
	}
	if p.bar == nil || p.total != pr.Total {
		p.total = pr.Total
		p.bar = progressbar.NewOptions(pr.Total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.w) }),
		)
	}
	p.bar.Describe(fmt.Sprintf("[cyan]Indexing[reset] (read %d)", pr.Staged))
	_ = p.bar.Set(pr.Committed)
}

// Finish completes the bar if one was drawn.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil && !p.bar.IsFinished() {
		_ = p.bar.Finish()
	}
}
