package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shuxto/eutrading/internal/domain"
	"github.com/shuxto/eutrading/internal/service"
)

// PositionHandler serves the position endpoints.
type PositionHandler struct {
	trades *service.TradeService
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(trades *service.TradeService) *PositionHandler {
	return &PositionHandler{trades: trades}
}

// positionView is the JSON shape of a position in API responses.
type positionView struct {
	ID               string  `json:"id"`
	AccountID        string  `json:"account_id"`
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	EntryPrice       float64 `json:"entry_price"`
	Size             float64 `json:"size"`
	Leverage         float64 `json:"leverage"`
	Margin           float64 `json:"margin"`
	StopLoss         float64 `json:"stop_loss,omitempty"`
	TakeProfit       float64 `json:"take_profit,omitempty"`
	LiquidationPrice float64 `json:"liquidation_price"`
	Status           string  `json:"status"`
	ExitPrice        float64 `json:"exit_price,omitempty"`
	PnL              float64 `json:"pnl,omitempty"`
	OpenedAt         string  `json:"opened_at"`
	ClosedAt         string  `json:"closed_at,omitempty"`
}

func toView(p domain.Position) positionView {
	v := positionView{
		ID:               p.ID,
		AccountID:        p.AccountID,
		Symbol:           p.Symbol,
		Side:             string(p.Side),
		EntryPrice:       p.EntryPrice,
		Size:             p.Size,
		Leverage:         p.Leverage,
		Margin:           p.Margin,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		LiquidationPrice: p.LiquidationPrice,
		Status:           string(p.Status),
		ExitPrice:        p.ExitPrice,
		PnL:              p.PnL,
		OpenedAt:         p.OpenedAt.UTC().Format(time.RFC3339),
	}
	if p.ClosedAt != nil {
		v.ClosedAt = p.ClosedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func toViews(positions []domain.Position) []positionView {
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toView(p))
	}
	return views
}

// OpenPosition opens a new leveraged position at the current market price.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccountID  string  `json:"account_id"`
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Size       float64 `json:"size"`
		Leverage   float64 `json:"leverage"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	identity := identityFrom(r)
	if body.AccountID == "" {
		body.AccountID = identity.AccountID
	}

	pos, err := h.trades.Open(r.Context(), identity, service.OpenRequest{
		AccountID:  body.AccountID,
		Symbol:     body.Symbol,
		Side:       domain.Side(body.Side),
		Size:       body.Size,
		Leverage:   body.Leverage,
		StopLoss:   body.StopLoss,
		TakeProfit: body.TakeProfit,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toView(pos))
}

// ListPositions lists the caller's open positions.
// GET /api/positions?account_id=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		accountID = identity.AccountID
	}

	positions, err := h.trades.OpenPositions(r.Context(), identity, accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": toViews(positions)})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.trades.Get(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(pos))
}

// ClosePosition manually closes a position at a fresh market price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	settlement, err := h.trades.Close(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// UpdateLevels replaces a position's stop-loss and take-profit.
// PUT /api/positions/{id}/levels
func (h *PositionHandler) UpdateLevels(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	if err := h.trades.UpdateLevels(r.Context(), identityFrom(r), r.PathValue("id"), body.StopLoss, body.TakeProfit); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// History lists the caller's closed positions.
// GET /api/positions/history?account_id=...
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		accountID = identity.AccountID
	}

	positions, err := h.trades.History(r.Context(), identity, accountID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": toViews(positions)})
}
