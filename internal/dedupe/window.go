// ABOUTME: Thread-safe TTL window remembering recently accepted client message ids.
// ABOUTME: Lets a retried send get back the receipt of the original instead of posting twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// windowEntry stores the receipt and list element for a remembered send.
type windowEntry struct {
	receipt  string
	acceptAt time.Time
	element  *list.Element
}

// Window remembers accepted sends keyed by sender and client message id.
// It is bounded both by TTL and size; the oldest entry is evicted first.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*windowEntry
	order   *list.List // keys in acceptance order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a window with the given TTL and maximum size.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = 10000
	}
	w := &Window{
		seen:    make(map[string]*windowEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.cleanup()
	return w
}

// Key builds the window key for a sender's client message id.
func Key(senderID, clientMessageID string) string {
	return senderID + "\x00" + clientMessageID
}

// Remember atomically looks up key and, if it is new or expired, records
// receipt for it. It returns the receipt stored for key and whether the call
// was a duplicate.
func (w *Window) Remember(key, receipt string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if entry, ok := w.seen[key]; ok {
		if now.Sub(entry.acceptAt) < w.ttl {
			return entry.receipt, true
		}
		w.order.Remove(entry.element)
		delete(w.seen, key)
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}

	elem := w.order.PushBack(key)
	w.seen[key] = &windowEntry{
		receipt:  receipt,
		acceptAt: now,
		element:  elem,
	}
	return receipt, false
}

// Forget drops key so a later send with the same id is accepted again.
// Used when the send was rejected after Remember.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.seen[key]; ok {
		w.order.Remove(entry.element)
		delete(w.seen, key)
	}
}

// Len returns the number of remembered sends, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}

func (w *Window) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops expired entries. Entries are in acceptance order, so it stops
// at the first live one.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		key, _ := front.Value.(string)
		entry := w.seen[key]
		if entry != nil && now.Sub(entry.acceptAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, key)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
