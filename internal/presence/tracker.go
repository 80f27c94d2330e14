// ABOUTME: Presence tracker holding the live set of connected users
// ABOUTME: Emits {userId, online} changes to the broker's presence topic

package presence

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/parley/internal/broker"
)

// Mode selects when presence events are emitted.
type Mode string

const (
	// ModeEdge counts connections per user and emits only on 0<->1 transitions.
	ModeEdge Mode = "edge"
	// ModeEvery keeps set semantics and emits on every connect/disconnect call.
	ModeEvery Mode = "every"
)

// ParseMode validates a configured mode. Empty means ModeEdge.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeEdge:
		return ModeEdge, nil
	case ModeEvery:
		return ModeEvery, nil
	default:
		return "", fmt.Errorf("unknown presence mode %q (want %q or %q)", s, ModeEdge, ModeEvery)
	}
}

// Change is the payload published on every presence event.
type Change struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Publisher receives presence events. *broker.Broker satisfies it.
type Publisher interface {
	Publish(topic string, event *broker.Event)
}

// Tracker is safe for concurrent use without caller locking.
type Tracker struct {
	mu          sync.RWMutex
	connections map[string]int // userID -> live connection count
	since       map[string]time.Time
	mode        Mode
	publisher   Publisher
	closed      bool
	logger      *slog.Logger
}

// NewTracker creates a tracker. publisher may be nil; pass nil logger for default.
func NewTracker(mode Mode, publisher Publisher, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeEdge
	}
	return &Tracker{
		connections: make(map[string]int),
		since:       make(map[string]time.Time),
		mode:        mode,
		publisher:   publisher,
		logger:      logger.With("component", "presence", "mode", string(mode)),
	}
}

// Connect records an opened realtime connection for userID.
func (t *Tracker) Connect(userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	count := t.connections[userID]
	switch t.mode {
	case ModeEvery:
		t.connections[userID] = 1
	default:
		t.connections[userID] = count + 1
	}
	if count == 0 {
		t.since[userID] = time.Now().UTC()
	}
	// Publish under the lock so event order matches state order
	if t.mode == ModeEvery || count == 0 {
		t.publish(userID, true)
	}
	t.mu.Unlock()

	t.logger.Debug("connect", "user_id", userID, "connections", count+1)
}

// Disconnect records a closed realtime connection for userID. Disconnecting an
// offline user changes nothing.
func (t *Tracker) Disconnect(userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	count := t.connections[userID]
	remaining := 0
	if t.mode == ModeEdge && count > 1 {
		remaining = count - 1
	}
	if remaining == 0 {
		delete(t.connections, userID)
		delete(t.since, userID)
	} else {
		t.connections[userID] = remaining
	}
	if t.mode == ModeEvery || (count > 0 && remaining == 0) {
		t.publish(userID, false)
	}
	t.mu.Unlock()

	t.logger.Debug("disconnect", "user_id", userID, "connections", remaining)
}

// IsOnline reports whether userID has at least one live connection.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connections[userID] > 0
}

// OnlineSince returns when userID's current online period began.
func (t *Tracker) OnlineSince(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.since[userID]
	return ts, ok
}

// Snapshot returns the online user ids, sorted.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	users := make([]string, 0, len(t.connections))
	for id := range t.connections {
		users = append(users, id)
	}
	t.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Mode returns the emission mode.
func (t *Tracker) Mode() Mode {
	return t.mode
}

// Close drops all state. Later calls to Connect and Disconnect are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.connections = make(map[string]int)
	t.since = make(map[string]time.Time)
	t.logger.Debug("presence tracker closed")
}

func (t *Tracker) publish(userID string, online bool) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(broker.PresenceTopic, broker.NewEvent(broker.EventPresence, Change{
		UserID: userID,
		Online: online,
	}))
}
