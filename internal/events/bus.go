package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is a single control-plane event (flag changes, state transitions,
// conflict lifecycle, etc.). Kind uses the "service:action" form, e.g.
// "state:changed" or "conflict:resolved".
type Event struct {
	Kind      string                 `json:"kind"`
	Source    string                 `json:"source,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Bus provides in-memory pub/sub for control-plane events.
//
// Publish never blocks: slow subscribers drop events. A bounded ring keeps
// recent history for replay (Last-Event-ID style catch-up on the HTTP
// surface). Listeners that perform I/O must drain into their own queue.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{} // keyed by kind, "*" matches all
	history     *ring
	nextSeq     uint64
	mirror      *Mirror
}

const defaultCapacity = 512

// NewBus creates a bus with the given history capacity (<=0 uses the default).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     newRing(capacity),
	}
}

// Subscribe registers a channel for a kind ("*" for all kinds). The caller
// must drain the channel and call Unsubscribe when done.
func (b *Bus) Subscribe(kind string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[kind]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[kind] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (b *Bus) Unsubscribe(kind string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[kind]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, kind)
		}
	}
}

// Publish delivers an event to subscribers of its kind and to "*" listeners.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.nextSeq++
	evt.Seq = b.nextSeq
	b.history.push(evt)
	targets := make([]chan Event, 0, 4)
	for _, kind := range []string{evt.Kind, "*"} {
		for ch := range b.subscribers[kind] {
			targets = append(targets, ch)
		}
	}
	mirror := b.mirror
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}

	if mirror != nil {
		mirror.enqueue(evt)
	}
}

// Emit is a convenience wrapper building an Event from its parts.
func (b *Bus) Emit(kind, source string, payload map[string]interface{}) {
	if b == nil {
		return
	}
	b.Publish(Event{Kind: kind, Source: source, Payload: payload})
}

// ReplaySince returns buffered events with Seq > since, oldest first.
func (b *Bus) ReplaySince(since uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.since(since)
}

// SetMirror attaches an asynchronous mirror (e.g. Redis Streams). Passing nil
// detaches it.
func (b *Bus) SetMirror(m *Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
