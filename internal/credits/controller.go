package credits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"creditflow/internal/auth"
	"creditflow/pkg/compensate"
	"creditflow/pkg/config"
)

const (
	DefaultReason        = "message"
	DefaultRemoteTimeout = 10 * time.Second
)

type DeductOptions struct {
	Reason                  string
	Amount                  int64
	ShowSuccessNotification bool
}

func (o DeductOptions) withDefaults() DeductOptions {
	if o.Reason == "" {
		o.Reason = DefaultReason
	}
	if o.Amount == 0 {
		o.Amount = 1
	}
	return o
}

// Result of a deduction. Callers branch on Success; Refund is set only on
// success and undoes the deduction at most once.
type Result struct {
	Success    bool
	NewBalance *int64
	Error      string
	Kind       FailureKind
	Err        error
	Refund     func(ctx context.Context) error

	refund *refundState
}

// RefundError reports the ledger error absorbed by the last Refund call, or
// nil when the refund went through or was never attempted.
func (r Result) RefundError() error {
	if r.refund == nil {
		return nil
	}
	r.refund.mu.Lock()
	defer r.refund.mu.Unlock()
	return r.refund.err
}

type refundState struct {
	mu  sync.Mutex
	err error
}

// Controller spends credits for a user action: an optimistic local update,
// the authoritative ledger decrement, and local rollback when the ledger
// refuses or fails.
type Controller struct {
	store    *Store
	identity auth.Identity
	ledger   Ledger
	notifier Notifier
	timeout  time.Duration
	trace    trace.Tracer
}

type ControllerParams struct {
	fx.In
	Store          *Store
	Identity       auth.Identity
	Ledger         Ledger
	Notifier       Notifier             `optional:"true"`
	Config         *config.Config       `optional:"true"`
	TracerProvider trace.TracerProvider `optional:"true"`
}

func NewController(p ControllerParams) *Controller {
	tp := p.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	identity := p.Identity
	if identity == nil {
		identity = auth.Anonymous{}
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	timeout := DefaultRemoteTimeout
	if p.Config != nil && p.Config.Credits.RemoteTimeout > 0 {
		timeout = p.Config.Credits.RemoteTimeout
	}

	return &Controller{
		store:    p.Store,
		identity: identity,
		ledger:   p.Ledger,
		notifier: notifier,
		timeout:  timeout,
		trace:    tp.Tracer("creditflow/internal/credits"),
	}
}

func (c *Controller) DeductCredits(ctx context.Context, opts DeductOptions) Result {
	opts = opts.withDefaults()

	ctx, span := c.trace.Start(ctx, "credits.DeductCredits", trace.WithAttributes(
		attribute.String("reason", opts.Reason),
		attribute.Int64("amount", opts.Amount),
	))
	defer span.End()

	if opts.Amount < 0 {
		deductionsTotal.WithLabelValues(string(FailureInvalidAmount)).Inc()
		span.SetStatus(codes.Error, ErrInvalidAmount.Error())
		return Result{Error: MsgInvalidAmount, Kind: FailureInvalidAmount, Err: ErrInvalidAmount}
	}

	if !c.identity.IsAuthenticated() {
		deductionsTotal.WithLabelValues(string(FailureNotAuthenticated)).Inc()
		c.notify(ctx, NotifyError, "Authentication required",
			fmt.Sprintf("You must be signed in to %s.", actionText(opts.Reason, "send messages")), ErrorDuration)
		return Result{Error: MsgNotAuthenticated, Kind: FailureNotAuthenticated, Err: ErrNotAuthenticated}
	}

	userID := c.identity.UserID()
	span.SetAttributes(attribute.String("user_id", userID))

	var (
		newBalance *int64
		entryID    string
		ledgerErr  error
	)
	record, err := compensate.Run(ctx,
		compensate.Step{
			Name: "local",
			Forward: func(context.Context) error {
				c.store.DeductLocal(opts.Amount)
				return nil
			},
			Compensate: func(context.Context) error {
				c.store.AddLocal(opts.Amount)
				return nil
			},
		},
		compensate.Step{
			Name: "ledger",
			Forward: func(ctx context.Context) error {
				out, err := c.decrement(ctx, userID, opts.Amount, opts.Reason)
				if err != nil {
					ledgerErr = err
					return remoteError(err)
				}
				if !out.Success {
					return ErrInsufficientCredits
				}
				newBalance = out.NewBalance
				entryID = out.EntryID
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return c.increment(ctx, userID, entryID, opts.Amount, "refund:"+opts.Reason)
			},
		},
	)
	if err != nil {
		return c.failed(ctx, span, userID, opts, err, ledgerErr)
	}

	deductionsTotal.WithLabelValues("ok").Inc()
	c.store.RefreshAsync()

	if opts.ShowSuccessNotification {
		remaining := "unknown"
		if newBalance != nil {
			remaining = strconv.FormatInt(*newBalance, 10)
		}
		c.notify(ctx, NotifySuccess,
			fmt.Sprintf("%d %s deducted", opts.Amount, unit(opts.Amount)),
			fmt.Sprintf("Used for %s. Remaining balance: %s", opts.Reason, remaining), SuccessDuration)
	}

	state := &refundState{}
	return Result{
		Success:    true,
		NewBalance: newBalance,
		Refund: func(ctx context.Context) error {
			return c.refund(ctx, record, state, userID, opts.Amount)
		},
		refund: state,
	}
}

func (c *Controller) failed(ctx context.Context, span trace.Span, userID string, opts DeductOptions, err, ledgerErr error) Result {
	var stepErr *compensate.StepError
	if errors.As(err, &stepErr) && stepErr.Rollback != nil {
		zap.L().Error("credits rollback failed", zap.String("user_id", userID), zap.Error(stepErr.Rollback))
	}

	kind := KindOf(err)
	deductionsTotal.WithLabelValues(string(kind)).Inc()

	switch {
	case errors.Is(err, ErrInsufficientCredits):
		span.SetAttributes(attribute.Bool("insufficient", true))
		desc := fmt.Sprintf("You don't have enough credits to %s.", actionText(opts.Reason, "send this message"))
		if rejectedViaError(err) {
			desc += " Please purchase more credits."
		}
		c.notify(ctx, NotifyError, MsgInsufficientCredits, desc, ErrorDuration)
		return Result{Error: MsgInsufficientCredits, Kind: FailureInsufficientCredits, Err: ErrInsufficientCredits}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zap.L().Error("credit deduction error", zap.String("user_id", userID), zap.Error(err))
		c.notify(ctx, NotifyError, "Credit deduction failed",
			"There was an error processing your credits. Please try again.", ErrorDuration)

		msg := err.Error()
		if ledgerErr != nil {
			msg = ledgerErr.Error()
		}
		return Result{Error: msg, Kind: FailureRemote, Err: err}
	}
}

// refund compensates a committed deduction. Ledger failures are logged and
// absorbed: the cache is resynchronized and nil is returned. A second call
// returns compensate.ErrAlreadyCompensated without touching the ledger.
// The absorbed error stays readable through Result.RefundError.
func (c *Controller) refund(ctx context.Context, record *compensate.Record, state *refundState, userID string, amount int64) error {
	err := record.Compensate(ctx)
	if !errors.Is(err, compensate.ErrAlreadyCompensated) {
		state.mu.Lock()
		state.err = err
		state.mu.Unlock()
	}
	switch {
	case errors.Is(err, compensate.ErrAlreadyCompensated):
		refundsTotal.WithLabelValues("duplicate").Inc()
		zap.L().Warn("credits already refunded", zap.String("user_id", userID), zap.Int64("amount", amount))
		return err
	case err != nil:
		refundsTotal.WithLabelValues("error").Inc()
		zap.L().Error("failed to refund credits", zap.String("user_id", userID), zap.Error(err))
		c.store.RefreshAsync()
		return nil
	}

	refundsTotal.WithLabelValues("ok").Inc()
	c.store.RefreshAsync()
	c.notify(ctx, NotifyInfo, "Credits refunded",
		fmt.Sprintf("%d %s refunded due to server error.", amount, unit(amount)), RefundDuration)
	return nil
}

func (c *Controller) decrement(ctx context.Context, userID string, amount int64, reason string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.ledger.Decrement(ctx, userID, amount, reason)
}

// increment reverses a deduction, through Refunder when the ledger supports it
// and the debit entry is known.
func (c *Controller) increment(ctx context.Context, userID, entryID string, amount int64, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		out Outcome
		err error
	)
	if r, ok := c.ledger.(Refunder); ok && entryID != "" {
		out, err = r.Refund(ctx, userID, entryID, amount, reason)
	} else {
		out, err = c.ledger.Increment(ctx, userID, amount, reason)
	}
	if err != nil {
		return remoteError(err)
	}
	if !out.Success {
		return fmt.Errorf("%w: increment rejected", ErrRemoteFailure)
	}
	return nil
}

func (c *Controller) notify(ctx context.Context, kind NotificationKind, title, description string, d time.Duration) {
	c.notifier.Notify(ctx, Notification{
		UserID:      c.identity.UserID(),
		Kind:        kind,
		Title:       title,
		Description: description,
		Duration:    d,
		DurationMs:  d.Milliseconds(),
	})
}

// remoteError tags a ledger error as a remote failure unless the ledger
// reported insufficient funds through the error path.
func remoteError(err error) error {
	if errors.Is(err, ErrInsufficientCredits) {
		return &ledgerRejection{err: err}
	}
	return fmt.Errorf("%w: %w", ErrRemoteFailure, err)
}

// ledgerRejection marks an insufficient-funds answer that came back as an
// error rather than as Outcome{Success: false}.
type ledgerRejection struct{ err error }

func (e *ledgerRejection) Error() string { return e.err.Error() }
func (e *ledgerRejection) Unwrap() error { return e.err }

func rejectedViaError(err error) bool {
	var rej *ledgerRejection
	return errors.As(err, &rej)
}

func actionText(reason, message string) string {
	if reason == DefaultReason {
		return message
	}
	return reason
}

func unit(amount int64) string {
	if amount == 1 {
		return "credit"
	}
	return "credits"
}
