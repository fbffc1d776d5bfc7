package sync

import (
	gosync "sync"
)

// DefaultFeedBacklog is how many unread events a subscriber may hold before
// the oldest ones are dropped.
const DefaultFeedBacklog = 10

// ChangeFeed broadcasts ChangeEvents to every subscriber. Publishing never
// blocks: a subscriber that falls behind loses its oldest unread events.
type ChangeFeed struct {
	mu      gosync.RWMutex
	subs    map[*Subscription]struct{}
	backlog int
}

// NewChangeFeed creates a feed whose subscribers buffer up to backlog events.
func NewChangeFeed(backlog int) *ChangeFeed {
	if backlog <= 0 {
		backlog = DefaultFeedBacklog
	}
	return &ChangeFeed{
		subs:    make(map[*Subscription]struct{}),
		backlog: backlog,
	}
}

// Subscribe registers a new subscriber. It only sees events published
// after this call returns.
func (f *ChangeFeed) Subscribe() *Subscription {
	s := &Subscription{
		buf:     make([]ChangeEvent, 0, f.backlog),
		backlog: f.backlog,
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// Unsubscribe removes s. Safe to call more than once.
func (f *ChangeFeed) Unsubscribe(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

// Publish hands ev to every current subscriber.
func (f *ChangeFeed) Publish(ev ChangeEvent) {
	f.mu.RLock()
	subs := make([]*Subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Len returns the number of subscribers.
func (f *ChangeFeed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Subscription is one subscriber's bounded backlog.
type Subscription struct {
	mu      gosync.Mutex
	buf     []ChangeEvent
	backlog int
	dropped uint64
}

func (s *Subscription) push(ev ChangeEvent) {
	s.mu.Lock()
	if len(s.buf) == s.backlog {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped++
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()
}

// Len returns the number of pending events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Drain removes and returns all pending events, oldest first, together
// with how many events were dropped since the previous Drain.
func (s *Subscription) Drain() ([]ChangeEvent, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 && s.dropped == 0 {
		return nil, 0
	}
	events := make([]ChangeEvent, len(s.buf))
	copy(events, s.buf)
	s.buf = s.buf[:0]
	dropped := s.dropped
	s.dropped = 0
	return events, dropped
}
