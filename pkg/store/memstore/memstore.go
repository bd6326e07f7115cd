// Package memstore is an in-process implementation of the shared store
// contract. It backs tests and single-node deployments; expiry follows an
// injected clock and publishes are delivered synchronously, which keeps
// test assertions deterministic.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/berstock227/demoE5/pkg/store"
)

type entry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

type subscriber struct {
	id      int
	handler store.Handler
}

type Store struct {
	clock clock.Clock

	mu      sync.RWMutex
	values  map[string]entry
	sets    map[string]map[string]struct{}
	setExp  map[string]time.Time
	subs    map[string][]subscriber
	nextSub int
}

var _ store.Store = (*Store)(nil)

func New(clk clock.Clock) *Store {
	return &Store{
		clock:  clk,
		values: make(map[string]entry),
		sets:   make(map[string]map[string]struct{}),
		setExp: make(map[string]time.Time),
		subs:   make(map[string][]subscriber),
	}
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{data: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.values[key] = e
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !e.expiresAt.IsZero() && s.clock.Now().After(e.expiresAt) {
		delete(s.values, key)
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), e.data...), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.sets, key)
	delete(s.setExp, key)
	return nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.values[key]; ok {
		e.expiresAt = s.clock.Now().Add(ttl)
		s.values[key] = e
	}
	if _, ok := s.sets[key]; ok {
		s.setExp[key] = s.clock.Now().Add(ttl)
	}
	return nil
}

// expireSetLocked drops a set whose expiry has lapsed. Caller holds mu.
func (s *Store) expireSetLocked(key string) {
	exp, ok := s.setExp[key]
	if ok && s.clock.Now().After(exp) {
		delete(s.sets, key)
		delete(s.setExp, key)
	}
}

func (s *Store) SetAdd(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireSetLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (s *Store) SetRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireSetLocked(key)
	if set, ok := s.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, key)
			delete(s.setExp, key)
		}
	}
	return nil
}

func (s *Store) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireSetLocked(key)
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	subs := append([]subscriber(nil), s.subs[channel]...)
	s.mu.RUnlock()

	// Handlers run outside the lock so they can re-enter the store.
	for _, sub := range subs {
		sub.handler(channel, append([]byte(nil), payload...))
	}
	return nil
}

func (s *Store) Subscribe(channel string, handler store.Handler) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[channel] = append(s.subs[channel], subscriber{id: id, handler: handler})
	return &subscription{store: s, channel: channel, id: id}, nil
}

type subscription struct {
	store   *Store
	channel string
	id      int
}

func (s *subscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	subs := s.store.subs[s.channel]
	for i, sub := range subs {
		if sub.id == s.id {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.store.subs[s.channel]) == 0 {
		delete(s.store.subs, s.channel)
	}
	return nil
}
