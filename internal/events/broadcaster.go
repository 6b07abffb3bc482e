// Package events fans out upload and lifecycle notifications to live
// subscribers such as the WebSocket feed.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	ChunkStored    = "chunk.stored"
	FileCompleted  = "file.completed"
	FileTrashed    = "file.trashed"
	FileRestored   = "file.restored"
	FilePurged     = "file.purged"
	FolderTrashed  = "folder.trashed"
	FolderRestored = "folder.restored"
	FileShared     = "file.shared"
	FileUnshared   = "file.unshared"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Event describes one change to a user's files.
type Event struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	FileID    string `json:"file_id,omitempty"`
	FolderID  string `json:"folder_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Chunk     int    `json:"chunk,omitempty"`
	Uploaded  int    `json:"uploaded,omitempty"`
	Total     int    `json:"total,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Warnings  int    `json:"warnings,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription receives the events of one user.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	userID string
}

// Broadcaster manages subscribers and publishes events. A nil *Broadcaster
// discards everything.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	dropped     uint64
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in userID's events. An empty userID receives
// every event. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(userID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, userID: userID}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.ch)
}

// Publish sends an event to matching subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.userID != "" && sub.userID != event.UserID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
		}
	}
}

// Close ends every subscription so their readers return. Later subscribers
// are still accepted.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were discarded for slow consumers.
func (b *Broadcaster) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
