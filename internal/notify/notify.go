// Package notify delivers transient, toast-style notices to a browser session.
package notify

import (
	"context"
	"sync"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a single ephemeral message for a session.
type Notice struct {
	Session string `json:"session_id"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier delivers notices. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Recorder keeps notices in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Count returns how many notices of level were recorded.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.notices {
		if x.Level == level {
			n++
		}
	}
	return n
}

// Fanout sends each notice to every notifier, returning the first error.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notice) error {
	var first error
	for _, x := range f {
		if err := x.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
