// Package stream is the in-process fan-out between running bisect jobs and
// their live subscribers. Buffers are bounded per job and independent of the
// database: the persisted transcript is the durable record, the bus only
// serves watchers connected while the job runs.
package stream

import (
	"context"
	"sync"
	"time"
)

type MessageType string

const (
	MessageLog       MessageType = "log"
	MessageStatus    MessageType = "status"
	MessageProgress  MessageType = "progress"
	MessageResult    MessageType = "result"
	MessageKeepalive MessageType = "keepalive"
)

type Message struct {
	Type    MessageType
	Content string
	At      time.Time
}

type Bus struct {
	mu          sync.Mutex
	maxBuffer   int
	idleTimeout time.Duration
	streams     map[int64]*jobStream
}

type jobStream struct {
	base     int // absolute index of buf[0]
	buf      []Message
	complete bool
	subs     map[*Subscription]struct{}
}

// New returns a bus whose per-job buffers hold at most maxBuffer messages
// (oldest dropped first). Subscribers idle for idleTimeout receive a
// synthetic keepalive so transport adapters can hold connections open.
func New(maxBuffer int, idleTimeout time.Duration) *Bus {
	return &Bus{
		maxBuffer:   maxBuffer,
		idleTimeout: idleTimeout,
		streams:     make(map[int64]*jobStream),
	}
}

func (b *Bus) Publish(jobID int64, typ MessageType, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streamLocked(jobID)
	if s.complete {
		return
	}
	s.buf = append(s.buf, Message{Type: typ, Content: content, At: time.Now()})
	if len(s.buf) > b.maxBuffer {
		drop := len(s.buf) - b.maxBuffer
		s.buf = s.buf[drop:]
		s.base += drop
	}
	s.wakeLocked()
}

// MarkComplete ends the stream: subscribers drain what is buffered and then
// stop. Publishing after MarkComplete is a programming error and is dropped.
func (b *Bus) MarkComplete(jobID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streamLocked(jobID)
	s.complete = true
	s.wakeLocked()
}

// Cleanup drops the buffer for a job. Subscriptions taken before Cleanup
// keep their reference and finish draining; new subscribers start empty.
func (b *Bus) Cleanup(jobID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[jobID]; ok {
		s.complete = true
		s.wakeLocked()
		delete(b.streams, jobID)
	}
}

// Subscribe attaches a reader starting at absolute message index from
// (0 = everything still buffered). Callers must Close the subscription.
func (b *Bus) Subscribe(jobID int64, from int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.streamLocked(jobID)
	sub := &Subscription{
		bus:    b,
		stream: s,
		cursor: max(from, 0),
		wake:   make(chan struct{}, 1),
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) streamLocked(jobID int64) *jobStream {
	s, ok := b.streams[jobID]
	if !ok {
		s = &jobStream{subs: make(map[*Subscription]struct{})}
		b.streams[jobID] = s
	}
	return s
}

func (s *jobStream) wakeLocked() {
	for sub := range s.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

type Subscription struct {
	bus    *Bus
	stream *jobStream
	cursor int // absolute index of the next message to serve
	missed int
	wake   chan struct{}
}

// Next blocks until a message is available, the stream completes (ok=false),
// the subscriber has been idle long enough to warrant a keepalive, or ctx
// ends (ok=false; check ctx.Err() to tell the cases apart).
func (sub *Subscription) Next(ctx context.Context) (Message, bool) {
	for {
		sub.bus.mu.Lock()
		s := sub.stream
		if sub.cursor < s.base {
			sub.missed += s.base - sub.cursor
			sub.cursor = s.base
		}
		if sub.cursor < s.base+len(s.buf) {
			msg := s.buf[sub.cursor-s.base]
			sub.cursor++
			sub.bus.mu.Unlock()
			return msg, true
		}
		if s.complete {
			sub.bus.mu.Unlock()
			return Message{}, false
		}
		sub.bus.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, false
		case <-sub.wake:
		case <-time.After(sub.bus.idleTimeout):
			return Message{Type: MessageKeepalive, At: time.Now()}, true
		}
	}
}

// Missed reports how many messages were evicted from the buffer before this
// subscriber could read them.
func (sub *Subscription) Missed() int {
	sub.bus.mu.Lock()
	defer sub.bus.mu.Unlock()
	return sub.missed
}

func (sub *Subscription) Close() {
	sub.bus.mu.Lock()
	defer sub.bus.mu.Unlock()
	delete(sub.stream.subs, sub)
}
