package engine

import (
	"container/heap"
	"sync"
	"time"
)

// Watchdog is a single timer service tracking per-execution deadlines in a
// min-heap. One goroutine sleeps until the earliest deadline and invokes the
// expiry callback for each due execution. Expiry attempts are idempotent with
// respect to terminal sessions, so racing a natural completion is safe.
type Watchdog struct {
	expire func(id string)

	mu      sync.Mutex
	entries map[string]*deadlineEntry
	heap    deadlineHeap
	wake    chan struct{}
	stop    chan struct{}

	stopOnce sync.Once
}

type deadlineEntry struct {
	id      string
	at      time.Time
	index   int
	removed bool
}

// NewWatchdog starts the timer goroutine. The expire callback runs on the
// watchdog goroutine and must not block for long.
func NewWatchdog(expire func(id string)) *Watchdog {
	w := &Watchdog{
		expire:  expire,
		entries: make(map[string]*deadlineEntry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Arm tracks the deadline for id. Re-arming an id replaces its deadline.
func (w *Watchdog) Arm(id string, at time.Time) {
	w.mu.Lock()
	if e, ok := w.entries[id]; ok {
		e.at = at
		heap.Fix(&w.heap, e.index)
	} else {
		e := &deadlineEntry{id: id, at: at}
		w.entries[id] = e
		heap.Push(&w.heap, e)
	}
	w.mu.Unlock()
	w.kick()
}

// Disarm stops tracking id. Safe to call for ids that were never armed or
// have already expired.
func (w *Watchdog) Disarm(id string) {
	w.mu.Lock()
	if e, ok := w.entries[id]; ok {
		delete(w.entries, id)
		e.removed = true
		heap.Remove(&w.heap, e.index)
	}
	w.mu.Unlock()
	w.kick()
}

// Close stops the timer goroutine. No expiries fire after Close returns.
func (w *Watchdog) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watchdog) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watchdog) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var due []string

		w.mu.Lock()
		now := time.Now()
		for w.heap.Len() > 0 && !w.heap[0].at.After(now) {
			e := heap.Pop(&w.heap).(*deadlineEntry)
			if e.removed {
				continue
			}
			delete(w.entries, e.id)
			due = append(due, e.id)
		}
		var next time.Duration
		if w.heap.Len() > 0 {
			next = time.Until(w.heap[0].at)
			if next < 0 {
				next = 0
			}
		} else {
			next = time.Hour
		}
		w.mu.Unlock()

		for _, id := range due {
			w.expire(id)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-timer.C:
		case <-w.wake:
		case <-w.stop:
			return
		}
	}
}

// deadlineHeap orders entries by deadline, earliest first.
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)         { e := x.(*deadlineEntry); e.index = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
