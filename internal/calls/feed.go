package calls

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Feed fans out voice_calls row changes received via LISTEN/NOTIFY to
// per-row subscribers. One Feed serves every call leg in the process.
type Feed struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu      sync.Mutex
	subs    map[string]map[int]*subscriber
	nextSub int

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewFeed(pool *pgxpool.Pool, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		pool:       pool,
		log:        log,
		subs:       make(map[string]map[int]*subscriber),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// subscriber owns an ordered queue drained by its own goroutine, so a slow
// callback delays only its own row.
type subscriber struct {
	fn func(Record)

	mu      sync.Mutex
	pending []Record
	wake    chan struct{}
	done    chan struct{}
}

func newSubscriber(fn func(Record)) *subscriber {
	s := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscriber) push(r Record) {
	s.mu.Lock()
	s.pending = append(s.pending, r)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			r := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(r)
		}
	}
}

// Subscribe registers fn for changes to row id. Deliveries to one subscriber
// are serialized in arrival order. The returned func unsubscribes; records
// still queued at that point are dropped.
func (f *Feed) Subscribe(id string, fn func(Record)) func() {
	sub := newSubscriber(fn)

	f.mu.Lock()
	if f.subs[id] == nil {
		f.subs[id] = make(map[int]*subscriber)
	}
	f.nextSub++
	key := f.nextSub
	f.subs[id][key] = sub
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[id], key)
			if len(f.subs[id]) == 0 {
				delete(f.subs, id)
			}
			f.mu.Unlock()
			close(sub.done)
		})
	}
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff.
// Notifications sent while disconnected are lost; the signaling broadcast
// covers that window.
func (f *Feed) Run(ctx context.Context) error {
	if f.pool == nil {
		return errors.New("calls: listener pool is nil")
	}
	backoff := f.minBackoff
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.log.Warn("call change feed disconnected", "err", err, "retry_in", backoff.String())

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

func (f *Feed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return err
	}
	f.log.Info("call change feed listening", "channel", ChangeChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		f.dispatch([]byte(n.Payload))
	}
}

func (f *Feed) dispatch(payload []byte) {
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		f.log.Warn("call change feed: bad payload", "err", err)
		return
	}
	if r.ID == "" {
		return
	}

	f.mu.Lock()
	for _, sub := range f.subs[r.ID] {
		sub.push(r)
	}
	f.mu.Unlock()
}
