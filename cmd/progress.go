package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"goldrenard/session"
)

// progressTracker draws one bar per active transfer.
type progressTracker struct {
	out io.Writer

	mu   sync.Mutex
	bars map[uuid.UUID]*progressbar.ProgressBar
}

func newProgressTracker(out io.Writer) *progressTracker {
	return &progressTracker{
		out:  out,
		bars: make(map[uuid.UUID]*progressbar.ProgressBar),
	}
}

func (p *progressTracker) update(progress session.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[progress.ID]
	if !ok {
		bar = progressbar.NewOptions(int(progress.PacketsCount),
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", progress.Direction, progress.Name)),
			progressbar.OptionSetItsString("packets"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
		)
		p.bars[progress.ID] = bar
	}
	_ = bar.Set(int(progress.PacketNumber))
}

func (p *progressTracker) finish(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bar, ok := p.bars[id]; ok {
		_ = bar.Finish()
		delete(p.bars, id)
	}
}

func (p *progressTracker) abort(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bar, ok := p.bars[id]; ok {
		_ = bar.Exit()
		fmt.Fprintln(p.out)
		delete(p.bars, id)
	}
}
