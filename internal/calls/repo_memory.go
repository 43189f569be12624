package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store useful for tests and single-node dev.
// Row subscribers are notified synchronously after each write, outside the lock.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]Record
	subs    map[string]map[int]func(Record)
	nextSub int
	clock   func() time.Time

	// FailCreate / FailUpdate inject errors for failure-path tests.
	FailCreate error
	FailUpdate error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]Record),
		subs:  make(map[string]map[int]func(Record)),
		clock: time.Now,
	}
}

// WithClock sets the time source used for created_at/updated_at.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(ctx context.Context, rec NewRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.FailCreate != nil {
		err := s.FailCreate
		s.mu.Unlock()
		return "", err
	}
	now := s.clock().UTC()
	r := Record{
		ID:         uuid.NewString(),
		ChatID:     rec.ChatID,
		CallerID:   rec.CallerID,
		CallerType: rec.CallerType,
		ReceiverID: rec.ReceiverID,
		Status:     StatusRinging,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.rows[r.ID] = r
	s.mu.Unlock()
	return r.ID, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.FailUpdate != nil {
		err := s.FailUpdate
		s.mu.Unlock()
		return err
	}
	cur, ok := s.rows[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	next, err := cur.apply(p, s.clock().UTC())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.rows[id] = next
	fns := s.subscribersLocked(id)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) SubscribeRow(ctx context.Context, id string, fn func(Record)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]func(Record))
	}
	s.nextSub++
	key := s.nextSub
	s.subs[id][key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[id], key)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
		})
	}, nil
}

func (s *MemoryStore) ListForParticipant(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.rows {
		if !r.HasParticipant(userID) {
			continue
		}
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Subscribers reports how many row subscriptions are open for id.
func (s *MemoryStore) Subscribers(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[id])
}

func (s *MemoryStore) subscribersLocked(id string) []func(Record) {
	keys := make([]int, 0, len(s.subs[id]))
	for k := range s.subs[id] {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]func(Record), 0, len(keys))
	for _, k := range keys {
		out = append(out, s.subs[id][k])
	}
	return out
}
