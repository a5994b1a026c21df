package ledger

import (
	"encoding/json"
	"net/http"
	"time"

	"creditflow/internal/auth"
	"creditflow/pkg/db/pagination"
	"creditflow/pkg/errutil"
	"creditflow/pkg/middleware"
	"creditflow/pkg/plan"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc      *Service
	verifier *auth.Verifier
}

func NewHandler(svc *Service, verifier *auth.Verifier) *Handler {
	return &Handler{svc: svc, verifier: verifier}
}

type mutationRequest struct {
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
	RefundOf string `json:"refundOf,omitempty"`
}

type subscriptionRequest struct {
	PriceID string `json:"priceId"`
	Status  string `json:"status"`
}

type creditsResponse struct {
	Credits            int64  `json:"credits"`
	SubscriptionStatus string `json:"subscriptionStatus"`
	PriceID            string `json:"priceId"`
	PlanName           string `json:"planName"`
	Display            string `json:"display"`
}

type mutationResponse struct {
	Success    bool   `json:"success"`
	NewBalance *int64 `json:"newBalance,omitempty"`
	Balance    int64  `json:"balance"`
	Error      string `json:"error,omitempty"`
	EntryID    string `json:"entryId,omitempty"`
}

type entryResponse struct {
	ID            string          `json:"id"`
	Type          EntryType       `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceAfter  int64           `json:"balanceAfter"`
	TransactionID string          `json:"transactionId"`
	Reason        string          `json:"reason"`
	Hash          string          `json:"hash"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/plans", h.ListPlans)

	users := r.Group("/users/:user_id", middleware.Auth(h.verifier))
	users.GET("/credits", h.GetCredits)
	users.POST("/credits/decrement", h.Decrement)
	users.POST("/credits/increment", h.Increment)
	users.GET("/credits/entries", h.ListEntries)
	users.GET("/credits/verify", h.VerifyChain)
	users.POST("/subscription", h.ApplySubscription)
}

func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": plan.All()})
}

func (h *Handler) GetCredits(c *gin.Context) {
	userID, ok := h.authorize(c, false)
	if !ok {
		return
	}

	account, err := h.svc.GetAccount(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, creditsResponse{
		Credits:            account.CreditsAvailable,
		SubscriptionStatus: account.SubscriptionStatus,
		PriceID:            account.PriceID,
		PlanName:           plan.NameByPriceID(account.PriceID),
		Display:            plan.Label(account.CreditsAvailable),
	})
}

// Decrement answers 409 with success=false when the balance is too low, so
// clients can tell a business rejection from a transport failure.
func (h *Handler) Decrement(c *gin.Context) {
	userID, ok := h.authorize(c, false)
	if !ok {
		return
	}

	req, ok := bindMutation(c)
	if !ok {
		return
	}

	m, err := h.svc.Decrement(c.Request.Context(), userID, req.Amount, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if !m.Success {
		c.JSON(http.StatusConflict, mutationResponse{Success: false, Balance: m.Balance, Error: "Insufficient credits"})
		return
	}
	c.JSON(http.StatusOK, toMutationResponse(m))
}

// Increment grants credits. Users may only refund one of their own debits
// (refundOf); free grants need a service token when auth is enabled.
func (h *Handler) Increment(c *gin.Context) {
	userID, ok := h.authorize(c, false)
	if !ok {
		return
	}

	req, ok := bindMutation(c)
	if !ok {
		return
	}

	if req.RefundOf != "" {
		m, err := h.svc.Refund(c.Request.Context(), userID, req.RefundOf, req.Amount, req.Reason)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, toMutationResponse(m))
		return
	}

	if h.verifier != nil && !middleware.Identity(c).IsService() {
		_ = c.Error(errutil.Forbidden("service token required to grant credits", nil))
		return
	}

	m, err := h.svc.Increment(c.Request.Context(), userID, req.Amount, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toMutationResponse(m))
}

func (h *Handler) ListEntries(c *gin.Context) {
	userID, ok := h.authorize(c, false)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	entries, info, err := h.svc.ListEntries(c.Request.Context(), userID, page)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:            e.ID,
			Type:          e.Type,
			Amount:        e.Amount,
			BalanceAfter:  e.BalanceAfter,
			TransactionID: e.TransactionID,
			Reason:        e.Reason,
			Hash:          e.Hash,
			Metadata:      json.RawMessage(e.Metadata),
			CreatedAt:     e.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"entries": out, "pageInfo": info})
}

func (h *Handler) VerifyChain(c *gin.Context) {
	userID, ok := h.authorize(c, false)
	if !ok {
		return
	}

	report, err := h.svc.VerifyChain(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ApplySubscription is called by the billing backend, so it needs a service
// token when auth is enabled.
func (h *Handler) ApplySubscription(c *gin.Context) {
	userID, ok := h.authorize(c, true)
	if !ok {
		return
	}

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	account, err := h.svc.ApplySubscription(c.Request.Context(), userID, req.PriceID, req.Status)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, creditsResponse{
		Credits:            account.CreditsAvailable,
		SubscriptionStatus: account.SubscriptionStatus,
		PriceID:            account.PriceID,
		PlanName:           plan.NameByPriceID(account.PriceID),
		Display:            plan.Label(account.CreditsAvailable),
	})
}

// authorize resolves the path user and checks the caller may act on it.
func (h *Handler) authorize(c *gin.Context, serviceOnly bool) (string, bool) {
	userID := c.Param("user_id")
	if userID == "" {
		_ = c.Error(errutil.BadRequest("missing userId parameter", nil))
		return "", false
	}

	if h.verifier == nil {
		return userID, true
	}

	caller := middleware.Identity(c)
	switch {
	case caller.IsService():
		return userID, true
	case serviceOnly:
		_ = c.Error(errutil.Forbidden("service token required", nil))
		return "", false
	case caller.UserID() != userID:
		_ = c.Error(errutil.Forbidden("cannot access another user's credits", nil))
		return "", false
	}
	return userID, true
}

func bindMutation(c *gin.Context) (mutationRequest, bool) {
	var req mutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return req, false
	}
	return req, true
}

func toMutationResponse(m *Mutation) mutationResponse {
	balance := m.Balance
	resp := mutationResponse{Success: m.Success, NewBalance: &balance, Balance: balance}
	if m.Entry != nil {
		resp.EntryID = m.Entry.ID
	}
	return resp
}
