// Package dispatch provides a bounded FIFO action queue that flushes one item
// per timer tick and stops its own loop when it runs dry.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/crowdpad/internal/domain"
)

const (
	DefaultFlushInterval = 200 * time.Millisecond
	DefaultMaxItems      = 100

	// UseFlushInterval as an item Delay waits the queue's flush interval.
	UseFlushInterval time.Duration = -1
)

// Item is one queued actuator signal.
type Item struct {
	Channel   domain.Channel
	Direction domain.Direction
	// Delay is the wait after the previous flush before this item flushes.
	// Zero flushes right after the previous item.
	Delay   time.Duration
	OnFlush func(ctx context.Context) error
}

// Result reports what Enqueue did with a batch.
type Result int

const (
	Queued Result = iota
	// Overflowed means pending items were cleared to make room for the batch.
	Overflowed
	// Stopped means the queue is stopped and the batch was dropped.
	Stopped
)

func (r Result) String() string {
	switch r {
	case Queued:
		return "queued"
	case Overflowed:
		return "overflowed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Config struct {
	MaxItems      int
	FlushInterval time.Duration
	// Salvage, when set, is handed the items discarded by an overflow and may
	// return a subset to keep ahead of the new items. Their callbacks still fire.
	Salvage func(discarded []Item) []Item
}

// Queue is safe for concurrent use. At most one flush loop runs at a time.
type Queue struct {
	name     string
	clock    clockwork.Clock
	interval time.Duration
	maxItems int
	salvage  func([]Item) []Item

	mu      sync.Mutex
	items   []Item
	active  bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(name string, clock clockwork.Clock, cfg Config) *Queue {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:     name,
		clock:    clock,
		interval: cfg.FlushInterval,
		maxItems: cfg.MaxItems,
		salvage:  cfg.Salvage,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends items to the tail as one adjacent batch. When the batch
// does not fit, pending items are cleared first and the cleared items never
// flush unless salvaged. A batch larger than the capacity is still queued
// whole. Enqueue does not start the loop, see Run.
func (q *Queue) Enqueue(items ...Item) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return Stopped
	}

	if len(q.items)+len(items) <= q.maxItems {
		q.items = append(q.items, items...)
		return Queued
	}

	discarded := q.items
	q.items = nil
	if q.salvage != nil {
		kept := q.salvage(discarded)
		if room := max(q.maxItems-len(items), 0); len(kept) > room {
			kept = kept[:room]
		}
		q.items = append(q.items, kept...)
	}
	kept := len(q.items)
	q.items = append(q.items, items...)

	slog.Warn("Dispatch queue overflow, pending items cleared", "queue", q.name, "discarded", len(discarded), "kept", kept)
	return Overflowed
}

// Run starts the flush loop unless it is already running. The head item is
// flushed immediately.
func (q *Queue) Run() {
	q.mu.Lock()
	if q.active || q.stopped {
		q.mu.Unlock()
		return
	}
	q.active = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.loop()
}

func (q *Queue) loop() {
	defer q.wg.Done()

	if !q.flushNext() {
		return
	}

	for {
		if delay := q.nextDelay(); delay > 0 {
			timer := q.clock.NewTimer(delay)
			select {
			case <-q.ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		} else if q.ctx.Err() != nil {
			return
		}

		if !q.flushNext() {
			return
		}
	}
}

func (q *Queue) nextDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].Delay < 0 {
		return q.interval
	}
	return q.items[0].Delay
}

// flushNext pops and flushes the head. When the queue is empty it marks the
// loop inactive and returns false.
func (q *Queue) flushNext() bool {
	q.mu.Lock()
	if q.stopped || len(q.items) == 0 {
		q.active = false
		q.mu.Unlock()
		return false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	q.mu.Unlock()

	if err := q.flush(item); err != nil {
		slog.Error("Dispatch flush failed", "queue", q.name, "channel", int(item.Channel), "direction", string(item.Direction), "error", err)
	}
	return true
}

func (q *Queue) flush(item Item) (err error) {
	if item.OnFlush == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush callback panicked: %v", r)
		}
	}()
	return item.OnFlush(q.ctx)
}

// Stop discards pending items, cancels the loop and waits for it to exit.
// Later Enqueue and Run calls are no-ops. Stop must not be called from a
// flush callback.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Active reports whether a flush loop is scheduled.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}
