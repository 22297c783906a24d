package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"smsmaster/internal/domain"
)

// Memory is a process-local Store. Every method takes the same mutex, which
// makes each conditional write atomic.
type Memory struct {
	mu       sync.Mutex
	msgs     map[string]domain.ScheduledMessage
	attempts map[string][]domain.DispatchAttempt
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		msgs:     make(map[string]domain.ScheduledMessage),
		attempts: make(map[string][]domain.DispatchAttempt),
	}
}

func (s *Memory) Create(_ context.Context, m domain.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[m.ID]; ok {
		return ErrConflict
	}
	s.msgs[m.ID] = m
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return domain.ScheduledMessage{}, ErrNotFound
	}
	return m, nil
}

func (s *Memory) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledMessage
	for _, m := range s.msgs {
		if m.Status == domain.StatusPending && !m.NextRunTime.After(now) {
			out = append(out, m)
		}
	}
	sortByNextRun(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) List(_ context.Context, f domain.Filter) ([]domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledMessage
	for _, m := range s.msgs {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	sortByNextRun(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortByNextRun(ms []domain.ScheduledMessage) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].NextRunTime.Equal(ms[j].NextRunTime) {
			return ms[i].NextRunTime.Before(ms[j].NextRunTime)
		}
		return ms[i].ID < ms[j].ID
	})
}

func (s *Memory) TryTransition(_ context.Context, id string, from, to domain.Status, at time.Time) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = at
	s.msgs[id] = m
	return true, nil
}

func (s *Memory) Update(_ context.Context, m domain.ScheduledMessage, expect domain.Status) (bool, error) {
	if m.Status != expect {
		if err := checkTransition(expect, m.Status); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.msgs[m.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != expect {
		return false, nil
	}
	// Identity fields are immutable.
	m.Owner, m.CreatedAt = cur.Owner, cur.CreatedAt
	s.msgs[m.ID] = m
	return true, nil
}

func (s *Memory) Cancel(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return false, ErrNotFound
	}
	if !domain.CanTransition(m.Status, domain.StatusCanceled) {
		return false, nil
	}
	m.Status = domain.StatusCanceled
	m.UpdatedAt = at
	s.msgs[id] = m
	return true, nil
}

func (s *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.msgs {
		if prunable(m) && m.UpdatedAt.Before(before) {
			delete(s.msgs, id)
			delete(s.attempts, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) RecoverDispatching(_ context.Context, before, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.msgs {
		if m.Status == domain.StatusDispatching && m.UpdatedAt.Before(before) {
			m.Status = domain.StatusPending
			m.UpdatedAt = at
			s.msgs[id] = m
			n++
		}
	}
	return n, nil
}

func (s *Memory) Record(_ context.Context, a domain.DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.MessageID] = append(s.attempts[a.MessageID], a)
	return nil
}

func (s *Memory) History(_ context.Context, messageID string) ([]domain.DispatchAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.attempts[messageID]
	out := make([]domain.DispatchAttempt, len(src))
	copy(out, src)
	return out, nil
}

func (s *Memory) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &PersistenceError{Op: "ping", Err: errClosed}
	}
	return nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
