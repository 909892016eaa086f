package events

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"stxlend/core/types"
)

const defaultHistoryLimit = 1024

// Update is a sequenced event delivered to stream subscribers.
type Update struct {
	Sequence uint64       `json:"sequence"`
	Cursor   string       `json:"cursor"`
	Height   uint64       `json:"height"`
	Event    *types.Event `json:"event"`
}

// Broadcaster keeps a bounded history of typed events and fans them out to
// subscribers. Slow subscribers miss updates rather than block the pool.
type Broadcaster struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	nextID  uint64
	history []Update
	subs    map[uint64]chan Update
	height  func() uint64
}

// NewBroadcaster returns a broadcaster retaining up to limit updates. height,
// when non-nil, stamps each update with the current block height.
func NewBroadcaster(limit int, height func() uint64) *Broadcaster {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Broadcaster{
		limit:  limit,
		subs:   make(map[uint64]chan Update),
		height: height,
	}
}

// Emit implements the Emitter interface. Events without a canonical payload
// are ignored.
func (b *Broadcaster) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	typed, ok := evt.(Typed)
	if !ok {
		return
	}
	payload := typed.Event()
	if payload == nil {
		return
	}
	var height uint64
	if b.height != nil {
		height = b.height()
	}

	b.mu.Lock()
	b.seq++
	update := Update{
		Sequence: b.seq,
		Cursor:   strconv.FormatUint(b.seq, 10),
		Height:   height,
		Event:    payload.Clone(),
	}
	b.history = append(b.history, update)
	if len(b.history) > b.limit {
		excess := len(b.history) - b.limit
		trimmed := make([]Update, b.limit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	// Sends happen under the lock so cancel cannot close a channel mid-send.
	for _, ch := range b.subs {
		select {
		case ch <- cloneUpdate(update):
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a subscriber and returns the retained updates after
// cursor. The channel is closed when cancel is called or ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context, cursor string) (<-chan Update, func(), []Update) {
	updates := make(chan Update, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	backlog := make([]Update, 0, len(b.history))
	for _, entry := range b.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneUpdate(entry))
		}
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// Subscribers reports the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func cloneUpdate(u Update) Update {
	u.Event = u.Event.Clone()
	return u
}
