package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/account"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// WalletReader reads point wallets. *postgres.AccountRepository satisfies it.
type WalletReader interface {
	GetByUserID(ctx context.Context, userID string, currency string) (*account.Account, error)
	GetTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*account.Transaction, error)
}

type WalletResponse struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type WalletTransactionResponse struct {
	ID           string    `json:"id"`
	PaymentID    *string   `json:"payment_id,omitempty"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountController exposes the point wallets credited by POINT lines.
type AccountController struct {
	wallets WalletReader
}

func NewAccountController(wallets WalletReader) *AccountController {
	return &AccountController{wallets: wallets}
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (h *AccountController) GetWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := h.wallet(r)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WalletResponse{
		UserID:    acct.UserID,
		Balance:   acct.Balance,
		Currency:  acct.Currency,
		Status:    string(acct.Status),
		UpdatedAt: acct.UpdatedAt,
	})
}

// GetTransactions handles GET /api/v1/wallets/{userID}/transactions
func (h *AccountController) GetTransactions(w http.ResponseWriter, r *http.Request) {
	acct, err := h.wallet(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit, err := intQuery(q.Get("limit"), 20)
	if err != nil || limit <= 0 {
		writeError(w, domainErrors.NewValidationError("limit", "must be a positive integer"))
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := intQuery(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, domainErrors.NewValidationError("offset", "must be a non-negative integer"))
		return
	}

	txns, err := h.wallets.GetTransactions(r.Context(), acct.ID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]WalletTransactionResponse, 0, len(txns))
	for _, tx := range txns {
		item := WalletTransactionResponse{
			ID:           tx.ID.String(),
			Type:         string(tx.TransactionType),
			Amount:       tx.Amount,
			BalanceAfter: tx.BalanceAfter,
			Description:  tx.Description,
			CreatedAt:    tx.CreatedAt,
		}
		if tx.PaymentID != nil {
			s := tx.PaymentID.String()
			item.PaymentID = &s
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AccountController) wallet(r *http.Request) (*account.Account, error) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		return nil, domainErrors.NewValidationError("user_id", "cannot be empty")
	}
	return h.wallets.GetByUserID(r.Context(), userID, account.PointsCurrency)
}
