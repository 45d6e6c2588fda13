// Package notify holds transient user-facing notifications. Each notification
// expires on its own timer after a fixed dwell time unless it is dismissed
// first.
package notify

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/waveportal/service/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultDwell is how long a notification stays visible.
const DefaultDwell = 3 * time.Second

// Kind selects the severity and rendering of a notification.
type Kind string

const (
	Success Kind = "success"
	Error   Kind = "error"
	Info    Kind = "info"
	Warning Kind = "warning"
)

// Hint tells the render surface how to draw a notification.
type Hint struct {
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

// HintFor returns the icon and background color for a kind.
func HintFor(kind Kind) Hint {
	switch kind {
	case Success:
		return Hint{Icon: "check", Color: "#5cb85c"}
	case Error:
		return Hint{Icon: "error", Color: "#d9534f"}
	case Warning:
		return Hint{Icon: "warning", Color: "#f0ad4e"}
	default:
		return Hint{Icon: "info", Color: "#5bc0de"}
	}
}

// Notification is a single message in the queue. It is never edited after
// creation.
type Notification struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Hint        Hint      `json:"hint"`
	CreatedAt   time.Time `json:"created_at"`
}

type entry struct {
	n     Notification
	timer clockwork.Timer
}

// Queue is an insertion-ordered set of active notifications.
type Queue struct {
	mu        sync.Mutex
	items     []*entry
	seq       int64
	closed    bool
	listeners []func()

	clock   clockwork.Clock
	dwell   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for timestamps and expiry timers.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithDwell sets the auto-expiry duration. Non-positive values keep the default.
func WithDwell(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.dwell = d
		}
	}
}

// WithMetrics records push and removal counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		clock:  clockwork.NewRealClock(),
		dwell:  DefaultDwell,
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Dwell returns the configured expiry duration.
func (q *Queue) Dwell() time.Duration {
	return q.dwell
}

// Push appends a notification to the tail and arms its expiry timer.
// After Close the notification is returned but not retained.
func (q *Queue) Push(kind Kind, title, description string) Notification {
	q.mu.Lock()
	q.seq++
	n := Notification{
		ID:          uuid.New().String(),
		Seq:         q.seq,
		Kind:        kind,
		Title:       title,
		Description: description,
		Hint:        HintFor(kind),
		CreatedAt:   q.clock.Now(),
	}
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("notification dropped, queue closed", "kind", kind, "title", title)
		return n
	}

	e := &entry{n: n}
	id := n.ID
	e.timer = q.clock.AfterFunc(q.dwell, func() {
		q.remove(id, "expired")
	})
	q.items = append(q.items, e)
	q.mu.Unlock()

	q.metrics.RecordNotificationPushed(string(kind))
	q.logger.Debug("notification pushed", "id", id, "kind", kind, "title", title)
	q.notify()
	return n
}

// Dismiss removes a notification by id and cancels its timer. It reports
// whether the notification was still present.
func (q *Queue) Dismiss(id string) bool {
	return q.remove(id, "dismissed")
}

func (q *Queue) remove(id, reason string) bool {
	q.mu.Lock()
	idx := -1
	for i, e := range q.items {
		if e.n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	e := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.mu.Unlock()

	e.timer.Stop()
	q.metrics.RecordNotificationRemoved(reason)
	q.logger.Debug("notification removed", "id", id, "reason", reason)
	q.notify()
	return true
}

// List returns the active notifications, oldest first.
func (q *Queue) List() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Notification, len(q.items))
	for i, e := range q.items {
		out[i] = e.n
	}
	return out
}

// Len returns the number of active notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OnChange registers fn to be called after every push or removal.
// Listeners run outside the queue lock.
func (q *Queue) OnChange(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Close cancels all timers and empties the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()

	for _, e := range items {
		e.timer.Stop()
	}
}

func (q *Queue) notify() {
	q.mu.Lock()
	listeners := make([]func(), len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
