package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"creditflow/internal/auth"
	"creditflow/internal/credits"
	"creditflow/pkg/middleware"
	"creditflow/services/ledger"
	"creditflow/services/testutil"
)

const secret = "cli-secret"

func startLedger(t *testing.T) (*httptest.Server, *ledger.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewTestDB(t, &ledger.Account{}, &ledger.Entry{})
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	svc := ledger.NewService(ledger.ServiceParams{Repository: ledger.NewRepository(db), Node: node})

	r := gin.New()
	r.Use(middleware.Error())
	ledger.NewHandler(svc, auth.NewVerifier(secret, "")).Register(r.Group("/v1"))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDeductAndRefund(t *testing.T) {
	srv, svc := startLedger(t)
	_, err := svc.Increment(context.Background(), "user-1", 10, "seed")
	require.NoError(t, err)

	token, err := auth.Sign(secret, "", "user-1", time.Minute)
	require.NoError(t, err)

	out, err := run(t, "--token", token, "--ledger-url", srv.URL, "deduct", "-n", "3", "--refund")
	require.NoError(t, err)
	require.Contains(t, out, "Deducted 3, balance 7")
	require.Contains(t, out, "Refunded 3")
	require.Contains(t, out, "Cached balance: 10")

	account, err := svc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), account.CreditsAvailable)
}

func TestDeductInsufficient(t *testing.T) {
	srv, _ := startLedger(t)
	token, err := auth.Sign(secret, "", "user-2", time.Minute)
	require.NoError(t, err)

	_, err = run(t, "--token", token, "--ledger-url", srv.URL, "deduct")
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
}

func TestDeductRejectsNegativeAmount(t *testing.T) {
	srv, svc := startLedger(t)
	_, err := svc.Increment(context.Background(), "user-1", 10, "seed")
	require.NoError(t, err)

	token, err := auth.Sign(secret, "", "user-1", time.Minute)
	require.NoError(t, err)

	out, err := run(t, "--token", token, "--ledger-url", srv.URL, "deduct", "--amount=-5")
	require.ErrorIs(t, err, credits.ErrInvalidAmount)
	require.NotContains(t, out, "Deducted")

	account, err := svc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10), account.CreditsAvailable)
}

func TestDeductReportsFailedRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/users/user-1/credits":
			_, _ = w.Write([]byte(`{"credits":5}`))
		case "/v1/users/user-1/credits/decrement":
			_, _ = w.Write([]byte(`{"success":true,"newBalance":4,"balance":4,"entryId":"e-1"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"code":"service_unavailable","message":"ledger busy"}}`))
		}
	}))
	t.Cleanup(srv.Close)

	token, err := auth.Sign(secret, "", "user-1", time.Minute)
	require.NoError(t, err)

	out, err := run(t, "--token", token, "--ledger-url", srv.URL, "deduct", "--refund")
	require.ErrorIs(t, err, credits.ErrRemoteFailure)
	require.ErrorContains(t, err, "ledger busy")
	require.Contains(t, out, "Deducted 1, balance 4")
	require.NotContains(t, out, "Refunded")
}

func TestDeductWithoutToken(t *testing.T) {
	srv, _ := startLedger(t)

	_, err := run(t, "--token", "", "--ledger-url", srv.URL, "deduct")
	require.ErrorIs(t, err, credits.ErrNotAuthenticated)
}

func TestBalanceAndPlans(t *testing.T) {
	srv, svc := startLedger(t)
	_, err := svc.Increment(context.Background(), "user-1", 1, "seed")
	require.NoError(t, err)

	token, err := auth.Sign(secret, "", "user-1", time.Minute)
	require.NoError(t, err)

	out, err := run(t, "--token", token, "--ledger-url", srv.URL, "balance")
	require.NoError(t, err)
	require.Contains(t, out, "1 credit [secondary]")
	require.Contains(t, out, "Unknown Plan")

	out, err = run(t, "--ledger-url", srv.URL, "plans")
	require.NoError(t, err)
	require.Contains(t, out, "Enterprise")
	require.Contains(t, out, "Unlimited credits")
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "user-9", "--secret", secret)
	require.NoError(t, err)

	user, err := auth.NewVerifier(secret, "").Verify(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	require.Equal(t, "user-9", user.ID)
}
