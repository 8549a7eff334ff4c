package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/account"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/product"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errAlreadyApplied = errors.New("grant already applied")

// PointHandler credits and debits the buyer's point wallet. Every movement is
// recorded in the wallet ledger under the grant's reference.
type PointHandler struct {
	accounts  account.Repository
	products  product.Repository
	txManager TransactionManager
	logger    zerolog.Logger
	now       func() time.Time
}

func NewPointHandler(accounts account.Repository, products product.Repository, txManager TransactionManager, logger zerolog.Logger) *PointHandler {
	return &PointHandler{
		accounts:  accounts,
		products:  products,
		txManager: txManager,
		logger:    logger.With().Str("handler", "point").Logger(),
		now:       time.Now,
	}
}

func (h *PointHandler) Fulfill(ctx context.Context, g Grant) error {
	return h.apply(ctx, g, account.TransactionCredit)
}

// Refund debits the points granted for g. It fails with ErrInsufficientFunds
// when the buyer already spent them.
func (h *PointHandler) Refund(ctx context.Context, g Grant) error {
	return h.apply(ctx, g, account.TransactionDebit)
}

func (h *PointHandler) apply(ctx context.Context, g Grant, kind account.TransactionType) error {
	if g.Reference == "" {
		return domainErrors.NewValidationError("reference", "cannot be empty")
	}
	p, err := h.products.GetByID(ctx, g.ProductID)
	if err != nil {
		return fmt.Errorf("load product %s: %w", g.ProductID, err)
	}
	points := p.Grant * int64(g.Quantity)
	if points <= 0 {
		return domainErrors.NewValidationError("quantity", "grant must be positive")
	}

	err = h.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		done, err := h.accounts.HasTransaction(ctx, g.Reference)
		if err != nil {
			return err
		}
		if done {
			return errAlreadyApplied
		}

		wallet, err := h.wallet(ctx, g.BuyerID)
		if err != nil {
			return err
		}
		wallet, err = h.accounts.Lock(ctx, wallet.ID)
		if err != nil {
			return err
		}

		now := h.now()
		if kind == account.TransactionCredit {
			err = wallet.Credit(points, now)
		} else {
			err = wallet.Debit(points, now)
		}
		if err != nil {
			return err
		}
		if err := h.accounts.Update(ctx, wallet); err != nil {
			return err
		}

		paymentID := g.PaymentID
		entry := &account.Transaction{
			ID:              uuid.New(),
			AccountID:       wallet.ID,
			PaymentID:       &paymentID,
			Reference:       g.Reference,
			TransactionType: kind,
			Amount:          points,
			BalanceAfter:    wallet.Balance,
			Description:     fmt.Sprintf("order %s line %s x%d", g.OrderID, g.LineID, g.Quantity),
			CreatedAt:       now,
		}
		if err := h.accounts.AddTransaction(ctx, entry); err != nil {
			if errors.Is(err, domainErrors.ErrDuplicateIdempotencyKey) {
				return errAlreadyApplied
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		h.logger.Debug().Str("reference", g.Reference).Msg("grant already applied")
		return nil
	}
	if err != nil {
		return err
	}

	h.logger.Info().
		Str("order_id", g.OrderID.String()).
		Str("line_id", g.LineID.String()).
		Str("buyer_id", g.BuyerID).
		Str("type", string(kind)).
		Int64("points", points).
		Msg("point wallet updated")
	return nil
}

// wallet returns the buyer's point wallet, opening one on first use.
func (h *PointHandler) wallet(ctx context.Context, buyerID string) (*account.Account, error) {
	w, err := h.accounts.GetByUserID(ctx, buyerID, account.PointsCurrency)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domainErrors.ErrAccountNotFound) {
		return nil, err
	}

	w, err = account.NewWallet(buyerID, h.now())
	if err != nil {
		return nil, err
	}
	if err := h.accounts.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("open wallet for %s: %w", buyerID, err)
	}
	return w, nil
}
