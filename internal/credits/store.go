package credits

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"creditflow/internal/auth"
)

const defaultRefreshTimeout = 10 * time.Second

// BalanceFetcher reads the authoritative balance of a user.
type BalanceFetcher interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Snapshot is the observable state of the Store. Balance is nil until the
// first successful refresh or when nobody is signed in.
type Snapshot struct {
	Balance *int64
	Loading bool
	Err     error
}

// Store caches the balance of the current user. The cached value is never
// authoritative: local mutations are provisional until the next Refresh.
type Store struct {
	identity auth.Identity
	fetcher  BalanceFetcher
	timeout  time.Duration

	mu       sync.RWMutex
	balance  *int64
	loading  bool
	err      error
	gen      uint64
	inflight int

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int

	group   singleflight.Group
	pending sync.WaitGroup
}

type StoreOption func(*Store)

// WithRefreshTimeout bounds background refreshes started by RefreshAsync.
func WithRefreshTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithBalance seeds the cache, mostly for callers that already know it.
func WithBalance(balance int64) StoreOption {
	return func(s *Store) { s.balance = &balance }
}

func NewStore(identity auth.Identity, fetcher BalanceFetcher, opts ...StoreOption) *Store {
	if identity == nil {
		identity = auth.Anonymous{}
	}
	s := &Store{
		identity: identity,
		fetcher:  fetcher,
		timeout:  defaultRefreshTimeout,
		subs:     make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Read() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Loading: s.loading, Err: s.err}
	if s.balance != nil {
		b := *s.balance
		snap.Balance = &b
	}
	return snap
}

// DeductLocal lowers the cached balance without contacting the ledger. It is
// a no-op while the balance is unknown.
func (s *Store) DeductLocal(amount int64) {
	s.update(func() bool {
		if s.balance == nil {
			return false
		}
		b := *s.balance - amount
		s.balance = &b
		s.gen++
		return true
	})
}

// AddLocal raises the cached balance without contacting the ledger.
func (s *Store) AddLocal(amount int64) {
	s.update(func() bool {
		if s.balance == nil {
			return false
		}
		b := *s.balance + amount
		s.balance = &b
		s.gen++
		return true
	})
}

// Refresh replaces the cache with the authoritative balance. Concurrent calls
// within one generation share a fetch. A fetch overtaken by a local mutation
// or a later RefreshAsync does not write its result.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	_, err, _ := s.group.Do("refresh:"+strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, s.refresh(ctx, gen)
	})
	return err
}

func (s *Store) refresh(ctx context.Context, gen uint64) error {
	if !s.identity.IsAuthenticated() {
		s.update(func() bool {
			s.balance, s.loading, s.err = nil, false, nil
			return true
		})
		return nil
	}

	s.update(func() bool {
		s.inflight++
		s.loading = true
		return true
	})

	balance, err := s.fetcher.Balance(ctx, s.identity.UserID())
	s.update(func() bool {
		s.inflight--
		s.loading = s.inflight > 0
		if gen != s.gen {
			return true
		}
		s.err = err
		if err == nil {
			s.balance = &balance
		}
		return true
	})
	return err
}

// RefreshAsync starts a Refresh in the background that never joins a fetch
// started before the call. Failures end up in the snapshot's Err.
func (s *Store) RefreshAsync() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.Refresh(ctx); err != nil {
			zap.L().Warn("credits refresh failed", zap.String("user_id", s.identity.UserID()), zap.Error(err))
		}
	}()
}

// Wait blocks until every refresh started by RefreshAsync has finished.
func (s *Store) Wait() {
	s.pending.Wait()
}

// Subscribe registers fn for every state change and returns the function
// that removes it. fn runs on the goroutine that changed the state.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) update(mutate func() bool) {
	s.mu.Lock()
	changed := mutate()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.publish(snap)
	}
}

func (s *Store) publish(snap Snapshot) {
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
