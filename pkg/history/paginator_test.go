package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// newestFirst builds a page of n messages numbered from first (oldest) upwards,
// delivered newest-first like the REST collaborator does.
func newestFirst(first, n int) []timeline.Message {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]timeline.Message, 0, n)
	for i := first + n - 1; i >= first; i-- {
		out = append(out, timeline.Message{
			ID:        fmt.Sprintf("h%d", i),
			Content:   fmt.Sprintf("history %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Sender:    timeline.SenderAgent,
		})
	}
	return out
}

func TestTargetPage(t *testing.T) {
	require.Equal(t, 3, TargetPage(3, 0, 4))
	require.Equal(t, 2, TargetPage(3, 4, 4))
	require.Equal(t, 2, TargetPage(3, 2, 4))
	require.Equal(t, 1, TargetPage(3, 8, 4))
	require.Equal(t, 0, TargetPage(3, 12, 4))
	require.Equal(t, 0, TargetPage(0, 0, 4))
}

func TestPaginatorFirstLoadTargetsLastPage(t *testing.T) {
	p := NewPaginator(4)
	tl := timeline.New()

	req, ok := p.Begin(tl.LoadedCount())
	require.True(t, ok)
	require.True(t, req.Probe)
	require.Equal(t, 1, req.Page)
	require.Equal(t, 4, req.Limit)

	msgs, follow := p.Receive(req, Page{Messages: newestFirst(1, 4), Pagination: Pagination{Total: 12, Pages: 3}}, tl.LoadedCount())
	require.Nil(t, msgs)
	require.NotNil(t, follow)
	require.Equal(t, 3, follow.Page)
	require.True(t, p.Busy())

	msgs, follow = p.Receive(*follow, Page{Messages: newestFirst(9, 4), Pagination: Pagination{Total: 12, Pages: 3}}, tl.LoadedCount())
	require.Nil(t, follow)
	require.Len(t, msgs, 4)
	require.Equal(t, "h9", msgs[0].ID, "page is reversed into chronological order")
	require.Equal(t, "h12", msgs[3].ID)

	_, err := tl.Prepend(msgs)
	require.NoError(t, err)
	p.Settle(tl.LoadedCount())
	require.Equal(t, 4, tl.LoadedCount())
	require.False(t, p.Busy())
	require.True(t, p.HasMore())
	require.Equal(t, Metadata{TotalMessages: 12, TotalPages: 3, BatchSize: 4, Known: true}, p.Metadata())
}

func TestPaginatorWalksDownAndExhausts(t *testing.T) {
	p := NewPaginator(4)
	tl := timeline.New()
	pg := Pagination{Total: 12, Pages: 3}

	load := func(expectPage int, first int) {
		req, ok := p.Begin(tl.LoadedCount())
		require.True(t, ok)
		if req.Probe {
			_, follow := p.Receive(req, Page{Messages: newestFirst(1, 4), Pagination: pg}, tl.LoadedCount())
			require.NotNil(t, follow)
			req = *follow
		}
		require.Equal(t, expectPage, req.Page)
		msgs, follow := p.Receive(req, Page{Messages: newestFirst(first, 4), Pagination: pg}, tl.LoadedCount())
		require.Nil(t, follow)
		_, err := tl.Prepend(msgs)
		require.NoError(t, err)
		p.Settle(tl.LoadedCount())
	}

	load(3, 9)
	load(2, 5)
	require.True(t, p.HasMore())
	load(1, 1)
	require.False(t, p.HasMore(), "target page 0 marks history exhausted")

	_, ok := p.Begin(tl.LoadedCount())
	require.False(t, ok, "further load-more calls are no-ops")

	snap := tl.Snapshot()
	require.Len(t, snap, 12)
	for i, m := range snap {
		require.Equal(t, fmt.Sprintf("h%d", i+1), m.ID, "no gaps and no duplicates")
	}
}

func TestPaginatorProbeReusedForSinglePage(t *testing.T) {
	p := NewPaginator(20)
	req, ok := p.Begin(0)
	require.True(t, ok)
	msgs, follow := p.Receive(req, Page{Messages: newestFirst(1, 3), Pagination: Pagination{Total: 3, Pages: 1}}, 0)
	require.Nil(t, follow)
	require.Len(t, msgs, 3)
	p.Settle(3)
	require.False(t, p.HasMore())
}

func TestPaginatorEmptyHistory(t *testing.T) {
	p := NewPaginator(20)
	req, ok := p.Begin(0)
	require.True(t, ok)
	msgs, follow := p.Receive(req, Page{Pagination: Pagination{Total: 0, Pages: 0}}, 0)
	require.Nil(t, msgs)
	require.Nil(t, follow)
	p.Settle(0)
	require.False(t, p.HasMore())
	require.False(t, p.Busy())
}

func TestPaginatorBusySuppressesConcurrentLoads(t *testing.T) {
	p := NewPaginator(4)
	_, ok := p.Begin(0)
	require.True(t, ok)
	_, ok = p.Begin(0)
	require.False(t, ok)

	p.Fail()
	require.True(t, p.HasMore(), "a failed load stays retryable")
	_, ok = p.Begin(0)
	require.True(t, ok)
}

func TestPaginatorMetadataMonotonic(t *testing.T) {
	p := NewPaginator(4)
	req, _ := p.Begin(0)
	p.Receive(req, Page{Pagination: Pagination{Total: 12, Pages: 3}}, 0)
	p.Fail()
	req, _ = p.Begin(0)
	p.Receive(req, Page{Pagination: Pagination{Total: 10, Pages: 2}}, 0)
	require.Equal(t, 12, p.Metadata().TotalMessages)
	require.Equal(t, 3, p.Metadata().TotalPages)

	p.Reset()
	require.False(t, p.Metadata().Known)
	require.Equal(t, 4, p.Metadata().BatchSize)
}
