// Package timeline holds the ordered, deduplicated message log shared by the
// streaming assembler and the history paginator.
package timeline

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrEmptyID        = errors.New("timeline: message id is empty")
	ErrPartialMessage = errors.New("timeline: partial messages cannot be stored")
)

// entry pairs a message with its placement key. Appends take increasing keys,
// prepended batches take keys below the current head, so equal timestamps keep
// the order in which messages were placed.
type entry struct {
	msg Message
	pos int64
}

// Timeline is safe for concurrent use. Every operation runs under one lock, so a
// reader never observes a half-applied batch.
type Timeline struct {
	mu      sync.RWMutex
	entries []entry
	ids     map[string]struct{}
	head    int64
	tail    int64
	loaded  int
	version uint64
}

func New() *Timeline {
	return &Timeline{ids: map[string]struct{}{}}
}

// Append places a finalized or self-sent message at its tail position.
func (t *Timeline) Append(msg Message) (Mutation, error) {
	if err := validate(msg); err != nil {
		return Mutation{Kind: MutationNone}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[msg.ID]; ok {
		return Mutation{Kind: MutationNone}, nil
	}
	t.tail++
	e := entry{msg: msg, pos: t.tail}
	idx := sort.Search(len(t.entries), func(i int) bool {
		return less(e, t.entries[i])
	})
	t.entries = append(t.entries, entry{})
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = e
	t.ids[msg.ID] = struct{}{}
	t.loaded++
	t.version++
	return Mutation{Kind: MutationAppend, Added: 1}, nil
}

// Prepend inserts a chronological history batch at the head. Messages already
// present (by id) are skipped, which makes repeated page fetches idempotent.
func (t *Timeline) Prepend(msgs []Message) (Mutation, error) {
	for _, m := range msgs {
		if err := validate(m); err != nil {
			return Mutation{Kind: MutationNone}, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make([]Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := t.ids[m.ID]; ok {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return Mutation{Kind: MutationNone}, nil
	}

	batch := make([]entry, len(fresh))
	base := t.head - int64(len(fresh))
	for i, m := range fresh {
		batch[i] = entry{msg: m, pos: base + int64(i)}
	}
	t.head = base
	sort.SliceStable(batch, func(i, j int) bool { return less(batch[i], batch[j]) })

	t.entries = merge(batch, t.entries)
	for _, m := range fresh {
		t.ids[m.ID] = struct{}{}
	}
	t.loaded += len(fresh)
	t.version++
	return Mutation{Kind: MutationPrepend, Added: len(fresh)}, nil
}

// Reset empties the Timeline so it can be rebuilt for another session.
func (t *Timeline) Reset() Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.ids = map[string]struct{}{}
	t.head = 0
	t.tail = 0
	t.loaded = 0
	t.version++
	return Mutation{Kind: MutationReset}
}

// Snapshot returns a copy of the ordered messages.
func (t *Timeline) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// LoadedCount is the number of messages placed since the last Reset.
func (t *Timeline) LoadedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded
}

func (t *Timeline) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Version increases with every membership change.
func (t *Timeline) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func validate(m Message) error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrEmptyID
	}
	if m.IsPartial {
		return ErrPartialMessage
	}
	return nil
}

func less(a, b entry) bool {
	if a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.pos < b.pos
	}
	return a.msg.CreatedAt.Before(b.msg.CreatedAt)
}

func merge(a, b []entry) []entry {
	out := make([]entry, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if less(b[j], a[i]) {
			out = append(out, b[j])
			j++
			continue
		}
		out = append(out, a[i])
		i++
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
