package intake

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// TranscriptReader is the read-only view of a transcript handed to renderers.
type TranscriptReader interface {
	All() iter.Seq[Message]
	Snapshot() []Message
	Len() int
	Subscribe() (<-chan Message, func())
}

// Transcript is an append-only ordered log of messages.
//
// Appends are published to subscribers. A subscriber that falls more than
// subscriberBuffer messages behind has its channel closed and must resync
// through All.
type Transcript struct {
	mu      sync.RWMutex
	entries []Message
	subs    map[int]chan Message
	nextSub int

	now   func() time.Time
	newID func() string
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		subs:  make(map[int]chan Message),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Append assigns an id and timestamp to entry and inserts it at the tail.
func (t *Transcript) Append(entry Message) Message {
	if len(entry.Options) > 0 {
		entry.Options = append([]string(nil), entry.Options...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry.ID = t.newID()
	entry.CreatedAt = t.now()
	t.entries = append(t.entries, entry)

	for id, ch := range t.subs {
		select {
		case ch <- entry:
		default:
			close(ch)
			delete(t.subs, id)
		}
	}
	return entry
}

// All returns a lazy view over the entries present when iteration starts.
// The sequence can be ranged over any number of times.
func (t *Transcript) All() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		t.mu.RLock()
		entries := t.entries[:len(t.entries):len(t.entries)]
		t.mu.RUnlock()

		for _, m := range entries {
			if !yield(m) {
				return
			}
		}
	}
}

// Snapshot copies the current entries.
func (t *Transcript) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Last returns the most recent entry.
func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return Message{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Subscribe registers for append events. The returned cancel func is safe to
// call more than once.
func (t *Transcript) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
			t.mu.Unlock()
		})
	}
	return ch, cancel
}
