package mirror

import (
	"log/slog"
	"sync"
)

// Progress receives one-way notifications from a run. Implementations
// must never block the caller.
type Progress interface {
	// Update reports a finished action. err is nil on success.
	Update(path string, percent int, err error)
	// Done reports the terminal state of a run.
	Done(ok bool, message string)
}

// Event is one notification delivered by ChannelProgress.
type Event struct {
	Path    string
	Percent int
	Err     error
	Done    bool
	OK      bool
	Message string
}

// ChannelProgress delivers events on a buffered channel. Events are
// dropped when the buffer is full; a terminal event evicts the oldest
// queued event so it is not lost behind stale updates.
type ChannelProgress struct {
	ch chan Event
}

// NewChannelProgress creates a channel reporter with the given buffer.
func NewChannelProgress(buffer int) *ChannelProgress {
	return &ChannelProgress{ch: make(chan Event, max(buffer, 1))}
}

// Events returns the receive side.
func (c *ChannelProgress) Events() <-chan Event {
	return c.ch
}

func (c *ChannelProgress) Update(path string, percent int, err error) {
	select {
	case c.ch <- Event{Path: path, Percent: percent, Err: err}:
	default:
	}
}

func (c *ChannelProgress) Done(ok bool, message string) {
	ev := Event{Percent: 100, Done: true, OK: ok, Message: message}

	select {
	case c.ch <- ev:
		return
	default:
	}

	select {
	case <-c.ch:
	default:
	}

	select {
	case c.ch <- ev:
	default:
	}
}

// LogProgress writes progress to a logger.
type LogProgress struct {
	Logger *slog.Logger
}

func (l LogProgress) Update(path string, percent int, err error) {
	if err != nil {
		l.Logger.Warn("action failed", slog.String("path", path), slog.Int("percent", percent), slog.String("error", err.Error()))
		return
	}

	l.Logger.Debug("progress", slog.String("path", path), slog.Int("percent", percent))
}

func (l LogProgress) Done(ok bool, message string) {
	if ok {
		l.Logger.Info("mirror finished", slog.String("result", message))
		return
	}

	l.Logger.Error("mirror failed", slog.String("result", message))
}

type nopProgress struct{}

func (nopProgress) Update(string, int, error) {}
func (nopProgress) Done(bool, string)         {}

// tracker turns completed actions into a monotonic percentage.
type tracker struct {
	mu       sync.Mutex
	total    int
	done     int
	progress Progress
}

func newTracker(total int, p Progress) *tracker {
	return &tracker{total: total, progress: p}
}

func (t *tracker) step(path string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done++

	percent := 100
	if t.total > 0 {
		percent = t.done * 100 / t.total
	}

	t.progress.Update(path, percent, err)
}
