package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creditflow/internal/auth"
	"creditflow/pkg/compensate"
	"creditflow/pkg/config"
	"creditflow/services/ledger"
	"creditflow/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var signedIn = &auth.User{ID: "user-1"}

type recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

type ledgerMock struct {
	decrementFn func(ctx context.Context, userID string, amount int64, reason string) (Outcome, error)
	incrementFn func(ctx context.Context, userID string, amount int64, reason string) (Outcome, error)
	decrements  atomic.Int32
}

func (m *ledgerMock) Decrement(ctx context.Context, userID string, amount int64, reason string) (Outcome, error) {
	m.decrements.Add(1)
	return m.decrementFn(ctx, userID, amount, reason)
}

func (m *ledgerMock) Increment(ctx context.Context, userID string, amount int64, reason string) (Outcome, error) {
	return m.incrementFn(ctx, userID, amount, reason)
}

type fixedBalance int64

func (f fixedBalance) Balance(context.Context, string) (int64, error) { return int64(f), nil }

func newLocalLedger(t *testing.T, seed int64) (*LocalLedger, *ledger.Service) {
	t.Helper()

	db := testutil.NewTestDB(t, &ledger.Account{}, &ledger.Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := ledger.NewService(ledger.ServiceParams{Repository: ledger.NewRepository(db), Node: node})
	if seed > 0 {
		_, err := svc.Increment(context.Background(), signedIn.ID, seed, "seed")
		require.NoError(t, err)
	}
	return NewLocalLedger(svc), svc
}

func newController(store *Store, identity auth.Identity, l Ledger, n Notifier, cfg *config.Config) *Controller {
	return NewController(ControllerParams{
		Store:    store,
		Identity: identity,
		Ledger:   l,
		Notifier: n,
		Config:   cfg,
	})
}

func balanceOf(t *testing.T, s *Store) int64 {
	t.Helper()
	snap := s.Read()
	require.NotNil(t, snap.Balance)
	return *snap.Balance
}

func TestDeductCreditsSuccess(t *testing.T) {
	local, _ := newLocalLedger(t, 5)
	store := NewStore(signedIn, local)
	require.NoError(t, store.Refresh(context.Background()))

	notes := &recorder{}
	ctrl := newController(store, signedIn, local, notes, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{})
	require.True(t, res.Success)
	require.Equal(t, FailureNone, res.Kind)
	require.NotNil(t, res.NewBalance)
	require.Equal(t, int64(4), *res.NewBalance)
	require.NotNil(t, res.Refund)

	store.Wait()
	require.Equal(t, int64(4), balanceOf(t, store))
	require.Empty(t, notes.all())
}

func TestDeductCreditsInsufficient(t *testing.T) {
	local, svc := newLocalLedger(t, 0)
	store := NewStore(signedIn, local)
	require.NoError(t, store.Refresh(context.Background()))
	require.Equal(t, int64(0), balanceOf(t, store))

	notes := &recorder{}
	ctrl := newController(store, signedIn, local, notes, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{Amount: 1})
	require.False(t, res.Success)
	require.Equal(t, MsgInsufficientCredits, res.Error)
	require.Equal(t, FailureInsufficientCredits, res.Kind)
	require.ErrorIs(t, res.Err, ErrInsufficientCredits)
	require.Nil(t, res.Refund)
	require.Equal(t, int64(0), balanceOf(t, store))

	got := notes.all()
	require.Len(t, got, 1)
	require.Equal(t, NotifyError, got[0].Kind)
	require.Equal(t, "Insufficient credits", got[0].Title)
	require.Equal(t, "You don't have enough credits to send this message.", got[0].Description)
	require.Equal(t, ErrorDuration, got[0].Duration)

	account, err := svc.GetAccount(context.Background(), signedIn.ID)
	require.NoError(t, err)
	require.Zero(t, account.CreditsAvailable)
}

func TestRefundRestoresAuthoritativeBalance(t *testing.T) {
	local, svc := newLocalLedger(t, 10)
	store := NewStore(signedIn, local)
	require.NoError(t, store.Refresh(context.Background()))

	notes := &recorder{}
	ctrl := newController(store, signedIn, local, notes, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{Amount: 3, ShowSuccessNotification: true})
	require.True(t, res.Success)
	require.Equal(t, int64(7), *res.NewBalance)
	store.Wait()
	require.Equal(t, int64(7), balanceOf(t, store))

	require.NoError(t, res.Refund(context.Background()))
	store.Wait()

	account, err := svc.GetAccount(context.Background(), signedIn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), account.CreditsAvailable)
	require.Equal(t, int64(10), balanceOf(t, store))

	got := notes.all()
	require.Len(t, got, 2)
	require.Equal(t, NotifySuccess, got[0].Kind)
	require.Equal(t, "3 credits deducted", got[0].Title)
	require.Equal(t, "Used for message. Remaining balance: 7", got[0].Description)
	require.Equal(t, SuccessDuration, got[0].Duration)
	require.Equal(t, NotifyInfo, got[1].Kind)
	require.Equal(t, "Credits refunded", got[1].Title)
	require.Equal(t, "3 credits refunded due to server error.", got[1].Description)
	require.Equal(t, RefundDuration, got[1].Duration)
}

func TestRefundRunsAtMostOnce(t *testing.T) {
	local, svc := newLocalLedger(t, 10)
	store := NewStore(signedIn, local)
	ctrl := newController(store, signedIn, local, &recorder{}, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{Amount: 2})
	require.True(t, res.Success)

	require.NoError(t, res.Refund(context.Background()))
	require.ErrorIs(t, res.Refund(context.Background()), compensate.ErrAlreadyCompensated)
	store.Wait()

	account, err := svc.GetAccount(context.Background(), signedIn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), account.CreditsAvailable)
}

func TestDeductCreditsNetworkError(t *testing.T) {
	store := NewStore(signedIn, fixedBalance(5), WithBalance(5))
	notes := &recorder{}
	mock := &ledgerMock{
		decrementFn: func(context.Context, string, int64, string) (Outcome, error) {
			return Outcome{}, errors.New("connection reset by peer")
		},
	}
	ctrl := newController(store, signedIn, mock, notes, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{Amount: 2})
	require.False(t, res.Success)
	require.Equal(t, "connection reset by peer", res.Error)
	require.Equal(t, FailureRemote, res.Kind)
	require.ErrorIs(t, res.Err, ErrRemoteFailure)
	require.Equal(t, int64(5), balanceOf(t, store))

	got := notes.all()
	require.Len(t, got, 1)
	require.Equal(t, "Credit deduction failed", got[0].Title)
	require.Equal(t, "There was an error processing your credits. Please try again.", got[0].Description)
	require.NotEqual(t, MsgInsufficientCredits, got[0].Title)
}

func TestDeductCreditsInsufficientReportedAsError(t *testing.T) {
	store := NewStore(signedIn, fixedBalance(0), WithBalance(0))
	notes := &recorder{}
	mock := &ledgerMock{
		decrementFn: func(context.Context, string, int64, string) (Outcome, error) {
			return Outcome{}, fmt.Errorf("ledger: %w", ErrInsufficientCredits)
		},
	}
	ctrl := newController(store, signedIn, mock, notes, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{Reason: "generate an image"})
	require.False(t, res.Success)
	require.Equal(t, FailureInsufficientCredits, res.Kind)
	require.Equal(t, int64(0), balanceOf(t, store))

	got := notes.all()
	require.Len(t, got, 1)
	require.Equal(t, "Insufficient credits", got[0].Title)
	require.Equal(t, "You don't have enough credits to generate an image. Please purchase more credits.", got[0].Description)
}

func TestDeductCreditsNotAuthenticated(t *testing.T) {
	store := NewStore(auth.Anonymous{}, fixedBalance(5), WithBalance(5))
	notes := &recorder{}
	mock := &ledgerMock{
		decrementFn: func(context.Context, string, int64, string) (Outcome, error) {
			t.Fatal("ledger must not be called")
			return Outcome{}, nil
		},
	}
	ctrl := newController(store, auth.Anonymous{}, mock, notes, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{})
	require.False(t, res.Success)
	require.Equal(t, MsgNotAuthenticated, res.Error)
	require.ErrorIs(t, res.Err, ErrNotAuthenticated)
	require.Zero(t, mock.decrements.Load())
	require.Equal(t, int64(5), balanceOf(t, store))

	got := notes.all()
	require.Len(t, got, 1)
	require.Equal(t, "Authentication required", got[0].Title)
	require.Equal(t, "You must be signed in to send messages.", got[0].Description)
	require.Equal(t, ErrorDuration, got[0].Duration)
}

func TestOptimisticUpdatePrecedesRemoteCall(t *testing.T) {
	store := NewStore(signedIn, fixedBalance(4), WithBalance(5))

	var seen int64
	mock := &ledgerMock{
		decrementFn: func(context.Context, string, int64, string) (Outcome, error) {
			seen = *store.Read().Balance
			balance := int64(4)
			return Outcome{Success: true, NewBalance: &balance}, nil
		},
	}
	ctrl := newController(store, signedIn, mock, &recorder{}, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{})
	require.True(t, res.Success)
	require.Equal(t, int64(4), seen)
	store.Wait()
}

func TestDeductCreditsTimeout(t *testing.T) {
	cfg := &config.Config{}
	cfg.Credits.RemoteTimeout = 20 * time.Millisecond

	store := NewStore(signedIn, fixedBalance(3), WithBalance(3))
	notes := &recorder{}
	mock := &ledgerMock{
		decrementFn: func(ctx context.Context, _ string, _ int64, _ string) (Outcome, error) {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		},
	}
	ctrl := newController(store, signedIn, mock, notes, cfg)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{})
	require.False(t, res.Success)
	require.Equal(t, FailureRemote, res.Kind)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.Equal(t, int64(3), balanceOf(t, store))
	require.Equal(t, "Credit deduction failed", notes.all()[0].Title)
}

func TestRefundFailureIsAbsorbed(t *testing.T) {
	store := NewStore(signedIn, fixedBalance(9), WithBalance(10))
	notes := &recorder{}
	mock := &ledgerMock{
		decrementFn: func(context.Context, string, int64, string) (Outcome, error) {
			balance := int64(9)
			return Outcome{Success: true, NewBalance: &balance}, nil
		},
		incrementFn: func(context.Context, string, int64, string) (Outcome, error) {
			return Outcome{}, errors.New("ledger unavailable")
		},
	}
	ctrl := newController(store, signedIn, mock, notes, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{})
	require.True(t, res.Success)
	store.Wait()

	require.NoError(t, res.Refund(context.Background()))
	store.Wait()

	require.Equal(t, int64(9), balanceOf(t, store))
	require.ErrorIs(t, res.RefundError(), ErrRemoteFailure)
	require.ErrorContains(t, res.RefundError(), "ledger unavailable")
	for _, n := range notes.all() {
		require.NotEqual(t, "Credits refunded", n.Title)
	}
}

func TestRefundPassesReasonToLedger(t *testing.T) {
	store := NewStore(signedIn, fixedBalance(1), WithBalance(1))

	var decReason, incReason string
	mock := &ledgerMock{
		decrementFn: func(_ context.Context, _ string, _ int64, reason string) (Outcome, error) {
			decReason = reason
			balance := int64(0)
			return Outcome{Success: true, NewBalance: &balance}, nil
		},
		incrementFn: func(_ context.Context, _ string, _ int64, reason string) (Outcome, error) {
			incReason = reason
			balance := int64(1)
			return Outcome{Success: true, NewBalance: &balance}, nil
		},
	}
	ctrl := newController(store, signedIn, mock, &recorder{}, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{Reason: "search"})
	require.True(t, res.Success)
	require.NoError(t, res.Refund(context.Background()))
	store.Wait()

	require.Equal(t, "search", decReason)
	require.Equal(t, "refund:search", incReason)
}

func TestDeductCreditsRejectsNegativeAmount(t *testing.T) {
	store := NewStore(signedIn, fixedBalance(5), WithBalance(5))
	mock := &ledgerMock{
		decrementFn: func(context.Context, string, int64, string) (Outcome, error) {
			t.Fatal("ledger must not be called")
			return Outcome{}, nil
		},
	}
	ctrl := newController(store, signedIn, mock, &recorder{}, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{Amount: -5})
	require.False(t, res.Success)
	require.Equal(t, FailureInvalidAmount, res.Kind)
	require.Equal(t, MsgInvalidAmount, res.Error)
	require.ErrorIs(t, res.Err, ErrInvalidAmount)
	require.Nil(t, res.Refund)
	require.Zero(t, mock.decrements.Load())
	require.Equal(t, int64(5), balanceOf(t, store))
}

func TestRefundErrorNilAfterSuccessfulRefund(t *testing.T) {
	local, _ := newLocalLedger(t, 4)
	store := NewStore(signedIn, local)
	ctrl := newController(store, signedIn, local, &recorder{}, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{})
	require.True(t, res.Success)
	require.NoError(t, res.RefundError())

	require.NoError(t, res.Refund(context.Background()))
	require.NoError(t, res.RefundError())
	store.Wait()
}

func TestRefreshAfterDeductionIgnoresEarlierFetch(t *testing.T) {
	var (
		authoritative atomic.Int64
		fetches       atomic.Int32
		started       = make(chan struct{})
		release       = make(chan struct{})
	)
	authoritative.Store(5)

	store := NewStore(signedIn, fetcherFunc(func(context.Context, string) (int64, error) {
		v := authoritative.Load()
		if fetches.Add(1) == 1 {
			close(started)
			<-release
		}
		return v, nil
	}), WithBalance(5))

	slow := make(chan error, 1)
	go func() { slow <- store.Refresh(context.Background()) }()
	<-started

	mock := &ledgerMock{
		decrementFn: func(_ context.Context, _ string, amount int64, _ string) (Outcome, error) {
			balance := authoritative.Add(-amount)
			return Outcome{Success: true, NewBalance: &balance}, nil
		},
	}
	ctrl := newController(store, signedIn, mock, &recorder{}, nil)

	res := ctrl.DeductCredits(context.Background(), DeductOptions{})
	require.True(t, res.Success)
	store.Wait()

	close(release)
	require.NoError(t, <-slow)

	require.Equal(t, int32(2), fetches.Load())
	require.Equal(t, int64(4), balanceOf(t, store))
	require.False(t, store.Read().Loading)
}
