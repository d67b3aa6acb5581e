package history

import (
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// DefaultBatchSize is the page size requested when none is configured.
const DefaultBatchSize = 20

// Metadata is the pagination knowledge accumulated for the current session. The
// totals only ever grow within a session.
type Metadata struct {
	TotalMessages int  `json:"total_messages"`
	TotalPages    int  `json:"total_pages"`
	BatchSize     int  `json:"batch_size"`
	Known         bool `json:"known"`
}

// Paginator decides which history page to request next. The backing store
// numbers pages oldest-first, so the most recent batch lives on the highest page
// and each further "load more" walks one page down.
//
// Paginator performs no I/O and is not safe for concurrent use; the engine owns it
// under its lock and runs the fetches it asks for.
type Paginator struct {
	meta      Metadata
	busy      bool
	exhausted bool
}

func NewPaginator(batchSize int) *Paginator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Paginator{meta: Metadata{BatchSize: batchSize}}
}

func (p *Paginator) Metadata() Metadata { return p.meta }

func (p *Paginator) Busy() bool { return p.busy }

// HasMore reports whether another load-more could still yield history.
func (p *Paginator) HasMore() bool { return !p.exhausted }

// Reset forgets everything learned for the previous session.
func (p *Paginator) Reset() {
	p.meta = Metadata{BatchSize: p.meta.BatchSize}
	p.busy = false
	p.exhausted = false
}

// TargetPage computes the page holding the next-older batch given how many
// messages are already loaded. An empty timeline targets the last page.
func TargetPage(pages, loaded, batchSize int) int {
	if loaded <= 0 {
		return pages
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return pages - (loaded+batchSize-1)/batchSize
}

// Begin starts a load-more. It returns false while another load is outstanding or
// once history is exhausted; a target below page 1 marks history exhausted.
func (p *Paginator) Begin(loaded int) (PageRequest, bool) {
	if p.busy || p.exhausted {
		return PageRequest{}, false
	}
	req, ok := p.plan(loaded)
	if !ok {
		p.exhausted = true
		return PageRequest{}, false
	}
	p.busy = true
	return req, true
}

// Receive applies a fetched page. It returns the messages to prepend in
// chronological order, or a follow-up request when the page was only a probe for
// the page count. The load stays busy until Settle or Fail.
func (p *Paginator) Receive(req PageRequest, page Page, loaded int) ([]timeline.Message, *PageRequest) {
	p.observe(page.Pagination)
	if !req.Probe {
		return Chronological(page.Messages), nil
	}
	next, ok := p.plan(loaded)
	if !ok {
		return nil, nil
	}
	if next.Page == req.Page {
		return Chronological(page.Messages), nil
	}
	return nil, &next
}

// Settle ends a load once its messages were prepended, and eagerly marks history
// exhausted when no further page target exists.
func (p *Paginator) Settle(loaded int) {
	p.busy = false
	if _, ok := p.plan(loaded); !ok {
		p.exhausted = true
	}
}

// Fail ends a load without progress; the user may retry.
func (p *Paginator) Fail() {
	p.busy = false
}

func (p *Paginator) plan(loaded int) (PageRequest, bool) {
	if !p.meta.Known {
		return PageRequest{Page: 1, Limit: p.meta.BatchSize, Probe: true}, true
	}
	target := TargetPage(p.meta.TotalPages, loaded, p.meta.BatchSize)
	if target < 1 {
		return PageRequest{}, false
	}
	return PageRequest{Page: target, Limit: p.meta.BatchSize}, true
}

func (p *Paginator) observe(pg Pagination) {
	p.meta.Known = true
	if pg.Total > p.meta.TotalMessages {
		p.meta.TotalMessages = pg.Total
	}
	if pg.Pages > p.meta.TotalPages {
		p.meta.TotalPages = pg.Pages
	}
}

// Chronological reverses a newest-first page into oldest-first order.
func Chronological(msgs []timeline.Message) []timeline.Message {
	out := make([]timeline.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
