package handler

import (
	"net/http"
	"time"

	"github.com/shuxto/eutrading/internal/service"
)

// AccountHandler serves the account endpoints.
type AccountHandler struct {
	trades *service.TradeService
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(trades *service.TradeService) *AccountHandler {
	return &AccountHandler{trades: trades}
}

// GetAccount returns the account's balance.
// GET /api/accounts/{id}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.trades.Account(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         account.ID,
		"user_id":    account.UserID,
		"balance":    account.Balance,
		"updated_at": account.UpdatedAt.UTC().Format(time.RFC3339),
	})
}
