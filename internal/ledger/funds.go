package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/papertrade/internal/types"
	"github.com/ksred/papertrade/pkg/middleware"
	"github.com/ksred/papertrade/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("fund transaction not found")

// FundService handles deposit and withdrawal requests and their admin review
type FundService struct {
	db     *gorm.DB
	ledger *Ledger
}

func NewFundService(gormDB *gorm.DB, ledger *Ledger) *FundService {
	return &FundService{db: gormDB, ledger: ledger}
}

// Account returns the user's current balances
func (s *FundService) Account(ctx context.Context, userID string) (*types.Account, error) {
	return s.ledger.Get(s.db.WithContext(ctx), userID)
}

// RequestDeposit records a pending deposit. No cash moves until approval.
func (s *FundService) RequestDeposit(ctx context.Context, userID string, amount decimal.Decimal, remark string) (*types.FundTransaction, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	ft := newFundTransaction(userID, types.FundTransactionDeposit, amount, remark)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.Lock(tx, userID); err != nil {
			return err
		}
		return tx.Create(ft).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("service", "funds").
		Str("transaction_id", ft.TransactionID).
		Str("user_id", userID).
		Str("amount", amount.String()).
		Msg("deposit requested")
	return ft, nil
}

// RequestWithdrawal freezes the amount while the request awaits review
func (s *FundService) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, remark string) (*types.FundTransaction, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	ft := newFundTransaction(userID, types.FundTransactionWithdrawal, amount, remark)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.Freeze(tx, userID, amount); err != nil {
			return err
		}
		return tx.Create(ft).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("service", "funds").
		Str("transaction_id", ft.TransactionID).
		Str("user_id", userID).
		Str("amount", amount.String()).
		Msg("withdrawal requested")
	return ft, nil
}

// Approve settles a pending request: deposits are credited, withdrawals
// leave the account from the frozen balance.
func (s *FundService) Approve(ctx context.Context, transactionID, operatorID string) (*types.FundTransaction, error) {
	return s.review(ctx, transactionID, operatorID, types.FundTransactionApproved, "", func(tx *gorm.DB, ft *types.FundTransaction) error {
		var err error
		switch ft.Type {
		case types.FundTransactionDeposit:
			_, err = s.ledger.Credit(tx, ft.UserID, ft.Amount)
		case types.FundTransactionWithdrawal:
			_, err = s.ledger.DebitFrozen(tx, ft.UserID, ft.Amount)
		default:
			err = fmt.Errorf("%w: unknown fund transaction type %q", ErrInvariantViolation, ft.Type)
		}
		return err
	})
}

// Reject closes a pending request. A rejected withdrawal is unfrozen.
func (s *FundService) Reject(ctx context.Context, transactionID, operatorID, remark string) (*types.FundTransaction, error) {
	return s.review(ctx, transactionID, operatorID, types.FundTransactionRejected, remark, func(tx *gorm.DB, ft *types.FundTransaction) error {
		switch ft.Type {
		case types.FundTransactionDeposit:
			return nil
		case types.FundTransactionWithdrawal:
			_, err := s.ledger.Unfreeze(tx, ft.UserID, ft.Amount)
			return err
		}
		return fmt.Errorf("%w: unknown fund transaction type %q", ErrInvariantViolation, ft.Type)
	})
}

func (s *FundService) review(ctx context.Context, transactionID, operatorID string, next types.FundTransactionStatus, remark string, apply func(*gorm.DB, *types.FundTransaction) error) (*types.FundTransaction, error) {
	logger := log.With().Str("service", "funds").Str("transaction_id", transactionID).Logger()

	var ft types.FundTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("transaction_id = ?", transactionID).First(&ft).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return err
		}

		// Account lock first, same order as order execution
		if _, err := s.ledger.Lock(tx, ft.UserID); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":      next,
			"operator_id": operatorID,
			"updated_at":  time.Now(),
		}
		if remark != "" {
			updates["remark"] = remark
		}
		result := tx.Model(&types.FundTransaction{}).
			Where("transaction_id = ? AND status = ?", transactionID, types.FundTransactionPending).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInvalidState
		}

		if err := apply(tx, &ft); err != nil {
			return err
		}
		return tx.Where("transaction_id = ?", transactionID).First(&ft).Error
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Str("status", string(ft.Status)).Str("operator_id", operatorID).Msg("fund transaction reviewed")
	return &ft, nil
}

// List returns the user's fund transactions, newest first
func (s *FundService) List(ctx context.Context, userID string) ([]types.FundTransaction, error) {
	var txs []types.FundTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&txs).Error
	return txs, err
}

// checkAmount requires a positive amount that the decimal(20,4) columns
// store exactly
func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !types.FitsMoneyScale(amount) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, types.MoneyPlaces)
	}
	return nil
}

func newFundTransaction(userID string, kind types.FundTransactionType, amount decimal.Decimal, remark string) *types.FundTransaction {
	now := time.Now()
	return &types.FundTransaction{
		TransactionID: "FTX_" + uuid.New().String(),
		UserID:        userID,
		Type:          kind,
		Amount:        amount,
		Status:        types.FundTransactionPending,
		Remark:        remark,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// GinHandlers contains HTTP handlers for account and fund endpoints
type GinHandlers struct {
	service *FundService
}

func NewGinHandlers(service *FundService) *GinHandlers {
	return &GinHandlers{service: service}
}

type fundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Remark string          `json:"remark"`
}

type reviewRequest struct {
	Remark string `json:"remark"`
}

// GetAccountHandler handles GET requests for the caller's balances
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		account, err := h.service.Account(c.Request.Context(), p.UserID)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, types.NewAccountSummary(account))
	}
}

func (h *GinHandlers) RequestDepositHandler() gin.HandlerFunc {
	return h.request(h.service.RequestDeposit)
}

func (h *GinHandlers) RequestWithdrawalHandler() gin.HandlerFunc {
	return h.request(h.service.RequestWithdrawal)
}

func (h *GinHandlers) request(fn func(context.Context, string, decimal.Decimal, string) (*types.FundTransaction, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		var req fundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		ft, err := fn(c.Request.Context(), p.UserID, req.Amount, req.Remark)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, ft)
	}
}

// ListHandler handles GET requests for the caller's fund transactions
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication")
			return
		}

		txs, err := h.service.List(c.Request.Context(), p.UserID)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, txs)
	}
}

// ApproveHandler handles admin approval. URL parameter: transaction_id
func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := middleware.PrincipalFrom(c)
		ft, err := h.service.Approve(c.Request.Context(), c.Param("transaction_id"), p.UserID)
		if err != nil {
			writeError(c, err)
			return
		}
		response.WithStatus(c, http.StatusOK, ft)
	}
}

// RejectHandler handles admin rejection. URL parameter: transaction_id
func (h *GinHandlers) RejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := middleware.PrincipalFrom(c)

		var req reviewRequest
		_ = c.ShouldBindJSON(&req)

		ft, err := h.service.Reject(c.Request.Context(), c.Param("transaction_id"), p.UserID, req.Remark)
		if err != nil {
			writeError(c, err)
			return
		}
		response.WithStatus(c, http.StatusOK, ft)
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ErrAccountNotFound):
		response.NotFound(c, "Account not found")
	case errors.Is(err, ErrTransactionNotFound):
		response.NotFound(c, "Fund transaction not found")
	case errors.Is(err, ErrInsufficientFunds):
		response.InsufficientFunds(c, "Insufficient available balance")
	case errors.Is(err, ErrInvalidState):
		response.InvalidState(c, "Fund transaction already processed")
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("fund request failed")
		response.InternalError(c, "An unexpected error occurred")
	}
}
