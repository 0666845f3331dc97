// Scribe is an audio transcription service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package eventbus is the in-process pub/sub fabric for lifecycle
// events. Publishing never blocks: each subscription owns a bounded
// ring buffer and overflow drops the oldest buffered event, counted on
// the subscription. Events are values; there is no replay after
// delivery or drop.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"scribe/internal/metrics"
	"scribe/pkg/models"
)

// ErrClosed is returned by Next once a subscription is closed and its
// buffer drained.
var ErrClosed = errors.New("subscription closed")

// TopicAll subscribes to every published event regardless of topic.
// Internal consumers only (cache invalidation, batch rollups); the
// WebSocket layer authorizes concrete topics.
const TopicAll = "*"

// TopicAdmin carries operator broadcast messages.
const TopicAdmin = "admin:broadcast"

// JobTopic returns the topic carrying one job's lifecycle events.
func JobTopic(jobID string) string { return "job:" + jobID }

// UserTopic returns the topic carrying all of one user's job events.
func UserTopic(userID string) string { return "user:" + userID }

// BatchTopic returns the topic carrying one batch's aggregate events.
func BatchTopic(batchID string) string { return "batch:" + batchID }

// DefaultBufferSize is the per-subscription ring capacity when the
// subscriber does not choose one.
const DefaultBufferSize = 256

// Bus fans events out to subscriptions by topic.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}

	dropped atomic.Int64
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscription on the given topics with a ring
// of bufSize events (DefaultBufferSize when bufSize <= 0). The caller
// must Close the subscription when done.
func (b *Bus) Subscribe(bufSize int, topics ...string) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	sub := &Subscription{
		bus:    b,
		topics: append([]string(nil), topics...),
		buf:    make([]models.Event, 0, bufSize),
		cap:    bufSize,
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	for _, topic := range topics {
		set := b.topics[topic]
		if set == nil {
			set = make(map[*Subscription]struct{})
			b.topics[topic] = set
		}
		set[sub] = struct{}{}
	}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscription on topic and to TopicAll
// subscribers. It never blocks; slow subscribers lose their oldest
// buffered event instead.
func (b *Bus) Publish(topic string, ev models.Event) {
	b.fanOut(ev, topic)
}

// PublishJob fans one job event out to its job topic and the owner's
// user topic in a single call.
func (b *Bus) PublishJob(ev models.Event) {
	topics := []string{JobTopic(ev.JobID)}
	if ev.UserID != "" {
		topics = append(topics, UserTopic(ev.UserID))
	}
	b.fanOut(ev, topics...)
}

// PublishBatch fans a batch aggregate out to its batch topic and the
// owner's user topic, so the user topic carries the union of the
// user's jobs and their batches.
func (b *Bus) PublishBatch(ev models.Event) {
	topics := []string{BatchTopic(ev.BatchID)}
	if ev.UserID != "" {
		topics = append(topics, UserTopic(ev.UserID))
	}
	b.fanOut(ev, topics...)
}

// fanOut delivers ev exactly once to every subscription reachable
// through the given topics or TopicAll, even when a subscription
// matches more than one of them.
func (b *Bus) fanOut(ev models.Event, topics ...string) {
	b.mu.RLock()
	seen := make(map[*Subscription]struct{})
	var targets []*Subscription
	collect := func(topic string) {
		for sub := range b.topics[topic] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			targets = append(targets, sub)
		}
	}
	for _, topic := range topics {
		collect(topic)
	}
	collect(TopicAll)
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(ev)
	}
	metrics.IncEventPublished(ev.Kind.String())
}

// Dropped returns the total events shed across all subscriptions over
// the bus's lifetime.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for _, topic := range sub.topics {
		set := b.topics[topic]
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
}

// Subscription is one subscriber's bounded view of the bus. Methods
// are safe for one consumer goroutine alongside concurrent publishers.
type Subscription struct {
	bus    *Bus
	topics []string

	mu     sync.Mutex
	buf    []models.Event // ring, oldest first
	cap    int
	closed bool
	notify chan struct{}

	dropped atomic.Int64
}

func (s *Subscription) push(ev models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.cap {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped.Add(1)
		s.bus.dropped.Add(1)
		metrics.AddEventsDropped(1)
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is buffered, the context is cancelled, or
// the subscription is closed with the buffer drained.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// TryNext returns a buffered event without blocking.
func (s *Subscription) TryNext() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return models.Event{}, false
	}
	ev := s.buf[0]
	s.buf = s.buf[1:]
	return ev, true
}

// Dropped returns the number of events lost to ring overflow since the
// subscription was created.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription from the bus. Buffered events remain
// readable; Next returns ErrClosed once they are drained. Close is
// idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.unsubscribe(s)

	// Wake a blocked consumer so it can observe the close.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
