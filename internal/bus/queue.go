package bus

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// InteractionNote is the observation emitted after a turn completes, fed
// asynchronously into the memory store.
type InteractionNote struct {
	Conversation string
	Query        string
	Response     string
	Handler      string
	Success      bool
	ErrKind      string
	At           time.Time
}

// WriteQueue decouples turn completion from memory persistence. Enqueue
// never blocks the caller: when the buffer is full the oldest note is
// dropped to admit the new one.
type WriteQueue struct {
	notes   chan InteractionNote
	dropped atomic.Int64
}

func NewWriteQueue(size int) *WriteQueue {
	if size <= 0 {
		size = 128
	}
	return &WriteQueue{notes: make(chan InteractionNote, size)}
}

// Enqueue adds a note, evicting the oldest buffered note when full.
func (q *WriteQueue) Enqueue(note InteractionNote) {
	for {
		select {
		case q.notes <- note:
			return
		default:
		}
		select {
		case old := <-q.notes:
			q.dropped.Add(1)
			log.Printf("[bus] write queue full, dropped note for conversation %s", old.Conversation)
		default:
		}
	}
}

// Consume drains notes into fn until ctx is done. A failing fn drops the
// note; persistence here is best-effort.
func (q *WriteQueue) Consume(ctx context.Context, fn func(InteractionNote) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-q.notes:
			if err := fn(note); err != nil {
				log.Printf("[bus] persist note for conversation %s: %v", note.Conversation, err)
			}
		}
	}
}

// Len reports the number of buffered notes.
func (q *WriteQueue) Len() int { return len(q.notes) }

// Dropped reports how many notes were evicted under backpressure.
func (q *WriteQueue) Dropped() int64 { return q.dropped.Load() }
