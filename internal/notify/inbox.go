package notify

import (
	"context"
	"sync"
)

// Inbox buffers notices per session until the browser drains them.
// Each session keeps at most limit notices; older ones are dropped.
type Inbox struct {
	mu      sync.Mutex
	limit   int
	pending map[string][]Notice
}

func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 20
	}
	return &Inbox{limit: limit, pending: make(map[string][]Notice)}
}

func (b *Inbox) Notify(_ context.Context, n Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := append(b.pending[n.Session], n)
	if len(q) > b.limit {
		q = q[len(q)-b.limit:]
	}
	b.pending[n.Session] = q
	return nil
}

// Drain returns and clears the notices queued for session.
func (b *Inbox) Drain(session string) []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.pending[session]
	delete(b.pending, session)
	if q == nil {
		return []Notice{}
	}
	return q
}
