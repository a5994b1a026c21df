package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"creditflow/internal/auth"
	"creditflow/pkg/middleware"
	"creditflow/pkg/plan"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T, verifier *auth.Verifier) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _ := newTestService(t)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(svc, verifier).Register(r.Group("/v1"))
	return r, svc
}

func do(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandlerGetCreditsCreatesAccount(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := do(t, r, http.MethodGet, "/v1/users/user-1/credits", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[creditsResponse](t, w)
	require.Zero(t, resp.Credits)
	require.Equal(t, SubscriptionInactive, resp.SubscriptionStatus)
	require.Equal(t, "Unknown Plan", resp.PlanName)
	require.Equal(t, "0 credits", resp.Display)
}

func TestHandlerDecrementFlow(t *testing.T) {
	r, svc := newTestRouter(t, nil)
	seed(t, svc, "user-1", 5)

	w := do(t, r, http.MethodPost, "/v1/users/user-1/credits/decrement", "", mutationRequest{Amount: 1, Reason: "message"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[mutationResponse](t, w)
	require.True(t, resp.Success)
	require.NotNil(t, resp.NewBalance)
	require.Equal(t, int64(4), *resp.NewBalance)

	w = do(t, r, http.MethodPost, "/v1/users/user-1/credits/decrement", "", mutationRequest{Amount: 10, Reason: "message"})
	require.Equal(t, http.StatusConflict, w.Code)
	resp = decode[mutationResponse](t, w)
	require.False(t, resp.Success)
	require.Nil(t, resp.NewBalance)
	require.Equal(t, int64(4), resp.Balance)
	require.Equal(t, "Insufficient credits", resp.Error)

	w = do(t, r, http.MethodPost, "/v1/users/user-1/credits/increment", "", mutationRequest{Amount: 1, Reason: "refund"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(5), *decode[mutationResponse](t, w).NewBalance)
}

func TestHandlerRejectsInvalidAmount(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/v1/users/user-1/credits/decrement", "", mutationRequest{Amount: 0})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "validation_failed")

	w = do(t, r, http.MethodPost, "/v1/users/user-1/credits/increment", "", "not an object")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerEntriesAndVerify(t *testing.T) {
	r, svc := newTestRouter(t, nil)
	seed(t, svc, "user-1", 3)
	seed(t, svc, "user-1", 4)

	w := do(t, r, http.MethodGet, "/v1/users/user-1/credits/entries?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Entries  []entryResponse `json:"entries"`
		PageInfo struct {
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		} `json:"pageInfo"`
	}](t, w)
	require.Len(t, body.Entries, 1)
	require.Equal(t, int64(7), body.Entries[0].BalanceAfter)
	require.True(t, body.PageInfo.HasMore)

	w = do(t, r, http.MethodGet, "/v1/users/user-1/credits/verify", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[ChainReport](t, w)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)
}

func TestHandlerListPlans(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := do(t, r, http.MethodGet, "/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Plans []plan.Plan `json:"plans"`
	}](t, w)
	require.Len(t, body.Plans, 4)
}

func TestHandlerAuthorization(t *testing.T) {
	r, _ := newTestRouter(t, auth.NewVerifier(testSecret, ""))

	w := do(t, r, http.MethodGet, "/v1/users/user-1/credits", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	own, err := auth.Sign(testSecret, "", "user-1", time.Minute)
	require.NoError(t, err)
	w = do(t, r, http.MethodGet, "/v1/users/user-1/credits", own, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/v1/users/user-2/credits", own, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	starter, _ := plan.Get(plan.Starter)
	sub := subscriptionRequest{PriceID: starter.PriceID, Status: SubscriptionActive}

	w = do(t, r, http.MethodPost, "/v1/users/user-1/subscription", own, sub)
	require.Equal(t, http.StatusForbidden, w.Code)

	service, err := auth.SignWithRole(testSecret, "", "billing", auth.RoleService, time.Minute)
	require.NoError(t, err)
	w = do(t, r, http.MethodPost, "/v1/users/user-1/subscription", service, sub)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[creditsResponse](t, w)
	require.Equal(t, starter.CreditLimit, resp.Credits)
	require.Equal(t, "Starter", resp.PlanName)
	require.Equal(t, "10,000 credits", resp.Display)
}

func TestHandlerIncrementNeedsServiceOrRefund(t *testing.T) {
	r, svc := newTestRouter(t, auth.NewVerifier(testSecret, ""))
	seed(t, svc, "user-1", 5)

	own, err := auth.Sign(testSecret, "", "user-1", time.Minute)
	require.NoError(t, err)

	w := do(t, r, http.MethodPost, "/v1/users/user-1/credits/increment", own, mutationRequest{Amount: 1000, Reason: "gift"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/v1/users/user-1/credits/decrement", own, mutationRequest{Amount: 2, Reason: "message"})
	require.Equal(t, http.StatusOK, w.Code)
	debit := decode[mutationResponse](t, w)
	require.NotEmpty(t, debit.EntryID)

	refund := mutationRequest{Amount: 2, Reason: "refund:message", RefundOf: debit.EntryID}
	w = do(t, r, http.MethodPost, "/v1/users/user-1/credits/increment", own, refund)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(5), *decode[mutationResponse](t, w).NewBalance)

	w = do(t, r, http.MethodPost, "/v1/users/user-1/credits/increment", own, refund)
	require.Equal(t, http.StatusConflict, w.Code)

	service, err := auth.SignWithRole(testSecret, "", "billing", auth.RoleService, time.Minute)
	require.NoError(t, err)
	w = do(t, r, http.MethodPost, "/v1/users/user-1/credits/increment", service, mutationRequest{Amount: 10, Reason: "grant"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(15), *decode[mutationResponse](t, w).NewBalance)
}
