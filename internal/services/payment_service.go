package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/classpay/backend/internal/gateway"
	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

// PaymentService orchestrates payment execution: it resolves the strategy,
// runs it inside one unit of work, tracks lifecycle status and emits events
// for observers. It never touches balances itself.
type PaymentService struct {
	db        *sql.DB
	redis     *redis.Client
	wallets   *WalletLedgerService
	ledger    *TransactionLedgerService
	factory   *StrategyFactory
	gateways  map[string]gateway.PaymentGateway
	metrics   *MetricsRecorder
	validator *ValidationHelper
}

func NewPaymentService(db *sql.DB, redisClient *redis.Client, wallets *WalletLedgerService,
	ledger *TransactionLedgerService, factory *StrategyFactory,
	gateways map[string]gateway.PaymentGateway, metrics *MetricsRecorder) *PaymentService {
	return &PaymentService{
		db:        db,
		redis:     redisClient,
		wallets:   wallets,
		ledger:    ledger,
		factory:   factory,
		gateways:  gateways,
		metrics:   metrics,
		validator: NewValidationHelper(),
	}
}

// CreatePaymentRequest is the caller's intent to move money.
type CreatePaymentRequest struct {
	SenderID       string      `json:"senderId" validate:"required"`
	SenderType     string      `json:"senderType" validate:"required,oneof=USER_PROFILE BRANCH SYSTEM"`
	ReceiverID     string      `json:"receiverId" validate:"required"`
	ReceiverType   string      `json:"receiverType" validate:"required,oneof=USER_PROFILE BRANCH SYSTEM"`
	Amount         money.Money `json:"amount"`
	FeeAmount      money.Money `json:"feeAmount,omitempty"`
	PaymentMethod  string      `json:"paymentMethod" validate:"required,oneof=WALLET CASH"`
	Reason         string      `json:"reason" validate:"required,oneof=STUDENT_BILL TEACHER_PAYOUT INTERNAL_TRANSFER EXPENSE"`
	IdempotencyKey string      `json:"idempotencyKey" validate:"required,max=100"`
}

// ExecutePayment runs one payment end to end. A payment with the same
// idempotency key and sender is executed at most once: redelivery returns
// the original result without touching the ledgers again.
func (s *PaymentService) ExecutePayment(req *CreatePaymentRequest) (*models.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, newBusinessError(CodeTransactionIntegrity, "payment amount %s must be positive", req.Amount)
	}
	if existing, err := s.findByIdempotencyKey(req.IdempotencyKey, req.SenderID); err == nil {
		log.Printf("[PAYMENT] Idempotent replay of key %s for sender %s, payment %s (%s)",
			req.IdempotencyKey, req.SenderID, existing.ID, existing.Status)
		return existing, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	p := &models.Payment{
		ID:             uuid.NewString(),
		SenderID:       req.SenderID,
		SenderType:     req.SenderType,
		ReceiverID:     req.ReceiverID,
		ReceiverType:   req.ReceiverType,
		Amount:         req.Amount,
		PaymentMethod:  req.PaymentMethod,
		Reason:         req.Reason,
		Status:         models.PaymentPending,
		CorrelationID:  uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
	}
	if !req.FeeAmount.IsZero() {
		if !req.FeeAmount.IsPositive() || !req.FeeAmount.LessThan(req.Amount) {
			return nil, newBusinessError(CodeTransactionIntegrity, "fee %s must be positive and below amount %s", req.FeeAmount, req.Amount)
		}
		fee := req.FeeAmount
		net := req.Amount.Sub(fee)
		p.FeeAmount = &fee
		p.NetAmount = &net
	}

	if err := s.insertPayment(p); err != nil {
		if isUniqueViolation(err) {
			// Concurrent request with the same key won the insert race.
			return s.findByIdempotencyKey(req.IdempotencyKey, req.SenderID)
		}
		return nil, err
	}

	strategy, err := s.factory.ForMethod(p.PaymentMethod)
	if err != nil {
		s.markStatus(p, models.PaymentFailed)
		return nil, err
	}

	if err := strategy.Validate(p); err != nil {
		s.markStatus(p, models.PaymentFailed)
		return nil, err
	}

	err = s.wallets.withLockRetry("payment "+p.ID, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := strategy.Execute(tx, p); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2`,
			models.PaymentCompleted, p.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		s.markStatus(p, models.PaymentFailed)
		s.metrics.RecordPayment(p.PaymentMethod, models.PaymentFailed, p.Amount)
		return nil, err
	}

	p.Status = models.PaymentCompleted
	s.metrics.RecordPayment(p.PaymentMethod, p.Status, p.Amount)
	s.publishEvent("payment.completed", p)
	return p, nil
}

// TopupRequest asks the gateway for a checkout that, once confirmed by
// webhook, credits the owner's wallet.
type TopupRequest struct {
	OwnerID        string      `json:"ownerId" validate:"required"`
	OwnerType      string      `json:"ownerType" validate:"required,oneof=USER_PROFILE BRANCH"`
	Amount         money.Money `json:"amount"`
	Provider       string      `json:"provider" validate:"required"`
	IdempotencyKey string      `json:"idempotencyKey" validate:"required,max=100"`
}

// CreateTopup opens a gateway checkout and records a PENDING payment that
// the provider's webhook later completes.
func (s *PaymentService) CreateTopup(ctx context.Context, req *TopupRequest) (*models.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, newBusinessError(CodeTransactionIntegrity, "topup amount %s must be positive", req.Amount)
	}
	gw, ok := s.gateways[req.Provider]
	if !ok {
		return nil, newBusinessError(CodeNotFound, "unknown payment provider %q", req.Provider)
	}
	// The payment row claims the (idempotency_key, sender_id) slot before the
	// gateway sees anything, so two concurrent requests can never open two
	// checkouts. A PENDING row without a gateway id is a half-done topup from
	// an earlier attempt whose gateway call failed; resume it.
	var p *models.Payment
	existing, err := s.findByIdempotencyKey(req.IdempotencyKey, req.OwnerID)
	switch {
	case err == nil:
		if existing.GatewayPaymentID != nil || existing.Status != models.PaymentPending {
			return existing, nil
		}
		p = existing
	case err == sql.ErrNoRows:
		p = &models.Payment{
			ID:             uuid.NewString(),
			SenderID:       req.OwnerID,
			SenderType:     req.OwnerType,
			ReceiverID:     req.OwnerID,
			ReceiverType:   req.OwnerType,
			Amount:         req.Amount,
			PaymentMethod:  models.MethodWallet,
			Reason:         models.TxTopup,
			Status:         models.PaymentPending,
			CorrelationID:  uuid.NewString(),
			IdempotencyKey: req.IdempotencyKey,
		}
		if err := s.insertPayment(p); err != nil {
			if isUniqueViolation(err) {
				return s.findByIdempotencyKey(req.IdempotencyKey, req.OwnerID)
			}
			return nil, err
		}
	default:
		return nil, err
	}

	resp, err := gw.CreatePayment(ctx, &gateway.CreatePaymentRequest{
		Amount:     req.Amount,
		Currency:   "EGP",
		Reference:  p.ID,
		CustomerID: req.OwnerID,
	})
	if err != nil {
		return nil, ErrGatewayUnavailable(err)
	}
	provider := gw.Name()

	res, err := s.db.Exec(`UPDATE payments SET gateway_payment_id = $1, gateway_provider = $2, checkout_url = $3, updated_at = NOW()
		WHERE id = $4 AND gateway_payment_id IS NULL`,
		resp.GatewayPaymentID, provider, resp.CheckoutURL, p.ID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		// A concurrent resume of the same half-done topup attached its own
		// checkout first; ours is orphaned and the provider will expire it.
		log.Printf("[PAYMENT] Topup %s already has a checkout, orphaning %s payment %s", p.ID, provider, resp.GatewayPaymentID)
		return s.GetPaymentByID(p.ID)
	}
	p.GatewayPaymentID = &resp.GatewayPaymentID
	p.GatewayProvider = &provider
	p.CheckoutURL = &resp.CheckoutURL

	log.Printf("[PAYMENT] Topup %s created with %s payment %s", p.ID, provider, resp.GatewayPaymentID)
	return p, nil
}

// ApplyGatewayStatus advances a gateway payment from a webhook event.
// Completing a topup credits the owner's wallet and writes the single
// TOPUP leg; terminal payments are left untouched so redeliveries no-op.
func (s *PaymentService) ApplyGatewayStatus(provider, gatewayPaymentID, newStatus string) error {
	p, err := s.findByGatewayPayment(provider, gatewayPaymentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return newBusinessError(CodeNotFound, "no payment for %s gateway id %s", provider, gatewayPaymentID)
		}
		return err
	}

	if p.Status != models.PaymentPending {
		log.Printf("[PAYMENT] Gateway status %s for %s ignored, payment already %s", newStatus, p.ID, p.Status)
		return nil
	}

	switch newStatus {
	case models.PaymentCompleted:
		// The PENDING check above is only a fast path: a redelivery can race
		// the first delivery past it. The PENDING -> COMPLETED transition is
		// claimed inside the credit transaction, so the row lock serializes
		// concurrent deliveries and the loser credits nothing.
		var lost bool
		err := s.wallets.withLockRetry("topup "+p.ID, func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return err
			}
			defer tx.Rollback()

			claimed, err := claimStatusTx(tx, p.ID, models.PaymentPending, models.PaymentCompleted)
			if err != nil {
				return err
			}
			if !claimed {
				lost = true
				return nil
			}

			wallet, err := s.wallets.getOrCreateWalletTx(tx, p.ReceiverID, p.ReceiverType)
			if err != nil {
				return err
			}
			after, err := s.wallets.UpdateBalanceTx(tx, wallet.ID, p.Amount, money.Zero())
			if err != nil {
				return err
			}
			leg := &models.Transaction{
				ToWalletID:    &wallet.ID,
				Amount:        p.Amount,
				Type:          models.TxTopup,
				CorrelationID: p.CorrelationID,
				BalanceAfter:  &after.Balance,
				PaymentID:     &p.ID,
			}
			if _, err := s.ledger.CreateTransactionTx(tx, leg); err != nil {
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return err
		}
		if lost {
			log.Printf("[PAYMENT] Payment %s no longer PENDING, concurrent delivery already settled it", p.ID)
			return nil
		}
		p.Status = models.PaymentCompleted
		s.metrics.RecordPayment(p.PaymentMethod, p.Status, p.Amount)
		s.publishEvent("wallet.credited", p)
		return nil

	case models.PaymentFailed:
		s.markStatus(p, models.PaymentFailed)
		s.metrics.RecordPayment(p.PaymentMethod, models.PaymentFailed, p.Amount)
		return nil

	case models.PaymentRefunded:
		// Refunds are initiated on our side; by the time the provider
		// confirms, the payment is already terminal.
		return nil

	default:
		return fmt.Errorf("unhandled gateway status %q for payment %s", newStatus, p.ID)
	}
}

// Refund reverses a completed payment: the provider refund goes out first
// (guarded by the circuit breaker), then the reversing ledger movement is
// committed and the payment becomes REFUNDED.
func (s *PaymentService) Refund(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	p, err := s.GetPaymentByID(paymentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, newBusinessError(CodeNotFound, "payment %s not found", paymentID)
		}
		return nil, err
	}
	if p.Status != models.PaymentCompleted {
		return nil, newBusinessError(CodeTransactionIntegrity, "payment %s is %s, only COMPLETED payments can be refunded", p.ID, p.Status)
	}

	if p.GatewayProvider != nil && p.GatewayPaymentID != nil {
		gw, ok := s.gateways[*p.GatewayProvider]
		if !ok {
			return nil, newBusinessError(CodeNotFound, "unknown payment provider %q", *p.GatewayProvider)
		}
		if err := gw.RefundPayment(ctx, &gateway.RefundRequest{
			GatewayPaymentID: *p.GatewayPaymentID,
			Amount:           p.Amount,
			Reason:           reason,
		}); err != nil {
			return nil, ErrGatewayUnavailable(err)
		}
	}

	correlationID := uuid.NewString()
	err = s.wallets.withLockRetry("refund "+p.ID, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, err := claimStatusTx(tx, p.ID, models.PaymentCompleted, models.PaymentRefunded)
		if err != nil {
			return err
		}
		if !claimed {
			return newBusinessError(CodeTransactionIntegrity, "payment %s is no longer COMPLETED", p.ID)
		}

		receiver, err := s.wallets.getOrCreateWalletTx(tx, p.ReceiverID, p.ReceiverType)
		if err != nil {
			return err
		}

		if p.SenderID == p.ReceiverID && p.SenderType == p.ReceiverType {
			// Topup refund: money leaves the system through the gateway.
			after, err := s.wallets.UpdateBalanceTx(tx, receiver.ID, p.Amount.Neg(), money.Zero())
			if err != nil {
				return err
			}
			leg := &models.Transaction{
				FromWalletID:  &receiver.ID,
				Amount:        p.Amount.Neg(),
				Type:          models.TxRefund,
				CorrelationID: correlationID,
				BalanceAfter:  &after.Balance,
				PaymentID:     &p.ID,
			}
			if _, err := s.ledger.CreateTransactionTx(tx, leg); err != nil {
				return err
			}
		} else {
			sender, err := s.wallets.getOrCreateWalletTx(tx, p.SenderID, p.SenderType)
			if err != nil {
				return err
			}
			if err := lockInOrder(tx, s.wallets, receiver.ID, sender.ID); err != nil {
				return err
			}
			receiverAfter, err := s.wallets.UpdateBalanceTx(tx, receiver.ID, p.Amount.Neg(), money.Zero())
			if err != nil {
				return err
			}
			senderAfter, err := s.wallets.UpdateBalanceTx(tx, sender.ID, p.Amount, money.Zero())
			if err != nil {
				return err
			}
			legs := []*models.Transaction{
				debitLeg(receiver.ID, sender.ID, p.Amount, models.TxRefund, receiverAfter.Balance, p.ID),
				creditLeg(receiver.ID, sender.ID, p.Amount, models.TxRefund, senderAfter.Balance, p.ID),
			}
			if _, err := s.ledger.CreateSplitTransactionsTx(tx, legs, correlationID); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	p.Status = models.PaymentRefunded
	s.metrics.RecordPayment(p.PaymentMethod, p.Status, p.Amount)
	s.publishEvent("payment.refunded", p)
	return p, nil
}

// Persistence helpers

func (s *PaymentService) insertPayment(p *models.Payment) error {
	return s.db.QueryRow(`
		INSERT INTO payments (id, sender_id, sender_type, receiver_id, receiver_type, amount, fee_amount, net_amount,
		                      payment_method, reason, status, correlation_id, idempotency_key,
		                      gateway_payment_id, gateway_provider, checkout_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		RETURNING created_at, updated_at`,
		p.ID, p.SenderID, p.SenderType, p.ReceiverID, p.ReceiverType, p.Amount, p.FeeAmount, p.NetAmount,
		p.PaymentMethod, p.Reason, p.Status, p.CorrelationID, p.IdempotencyKey,
		p.GatewayPaymentID, p.GatewayProvider, p.CheckoutURL).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (s *PaymentService) markStatus(p *models.Payment, status string) {
	res, err := s.db.Exec(`UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		status, p.ID, p.Status)
	if err != nil {
		log.Printf("[PAYMENT] Failed to mark payment %s as %s: %v", p.ID, status, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[PAYMENT] Payment %s no longer %s, not marking %s", p.ID, p.Status, status)
		return
	}
	p.Status = status
}

// claimStatusTx moves a payment from one status to another inside tx,
// returning false when another transaction got there first.
func claimStatusTx(tx *sql.Tx, paymentID, from, to string) (bool, error) {
	res, err := tx.Exec(`UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, paymentID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const paymentColumns = `id, sender_id, sender_type, receiver_id, receiver_type, amount, fee_amount, net_amount,
	payment_method, reason, status, correlation_id, idempotency_key,
	gateway_payment_id, gateway_provider, checkout_url, created_at, updated_at`

func scanPayment(row *sql.Row) (*models.Payment, error) {
	p := &models.Payment{}
	err := row.Scan(&p.ID, &p.SenderID, &p.SenderType, &p.ReceiverID, &p.ReceiverType,
		&p.Amount, &p.FeeAmount, &p.NetAmount, &p.PaymentMethod, &p.Reason, &p.Status,
		&p.CorrelationID, &p.IdempotencyKey, &p.GatewayPaymentID, &p.GatewayProvider,
		&p.CheckoutURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PaymentService) findByIdempotencyKey(key, senderID string) (*models.Payment, error) {
	return scanPayment(s.db.QueryRow(
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1 AND sender_id = $2`, key, senderID))
}

func (s *PaymentService) findByGatewayPayment(provider, gatewayPaymentID string) (*models.Payment, error) {
	return scanPayment(s.db.QueryRow(
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_provider = $1 AND gateway_payment_id = $2`, provider, gatewayPaymentID))
}

func (s *PaymentService) GetPaymentByID(paymentID string) (*models.Payment, error) {
	return scanPayment(s.db.QueryRow(
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
}

// publishEvent pushes a finance event onto the Redis queue for observers
// (notifications, reporting). Publishing happens after commit and is
// best-effort: a queue failure never unwinds the financial operation.
func (s *PaymentService) publishEvent(event string, p *models.Payment) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"event":      event,
		"payment_id": p.ID,
		"amount":     p.Amount,
		"method":     p.PaymentMethod,
		"reason":     p.Reason,
		"status":     p.Status,
	})
	if err != nil {
		return
	}
	if err := s.redis.RPush(context.Background(), "finance_events", data).Err(); err != nil {
		log.Printf("[PAYMENT] Failed to publish %s event for %s: %v", event, p.ID, err)
	}
}

// HTTP handlers

// CreatePayment executes a payment.
// @Summary Execute a payment
// @Description Move money between two parties using the wallet or cash strategy
// @Tags payments
// @Accept json
// @Produce json
// @Param payment body CreatePaymentRequest true "Payment intent"
// @Success 201 {object} models.Payment
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /finance/payments [post]
func (s *PaymentService) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	p, err := s.ExecutePayment(&req)
	if err != nil {
		writeBusinessError(w, "Payment failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// Topup creates a gateway checkout for a wallet topup.
// @Summary Create a wallet topup
// @Description Open a gateway checkout; the wallet is credited when the provider webhook confirms
// @Tags payments
// @Accept json
// @Produce json
// @Param topup body TopupRequest true "Topup request"
// @Success 201 {object} models.Payment
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /finance/topups [post]
func (s *PaymentService) Topup(w http.ResponseWriter, r *http.Request) {
	var req TopupRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	p, err := s.CreateTopup(r.Context(), &req)
	if err != nil {
		writeBusinessError(w, "Topup failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// RefundPayment refunds a completed payment. Admin only.
// @Summary Refund a payment
// @Tags payments
// @Accept json
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} models.Payment
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /finance/payments/{paymentId}/refund [post]
func (s *PaymentService) RefundPayment(w http.ResponseWriter, r *http.Request) {
	if isAdmin, _ := r.Context().Value("isAdmin").(bool); !isAdmin {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"max=200"`
	}
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}

	p, err := s.Refund(r.Context(), chi.URLParam(r, "paymentId"), req.Reason)
	if err != nil {
		writeBusinessError(w, "Refund failed", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// GetPayment fetches one payment by id.
// @Summary Get payment by ID
// @Tags payments
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} models.Payment
// @Failure 404 {object} ErrorResponse
// @Router /finance/payments/{paymentId} [get]
func (s *PaymentService) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.GetPaymentByID(chi.URLParam(r, "paymentId"))
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// ListPayments lists payments with optional filters. Admin only.
// @Summary List payments
// @Tags payments
// @Produce json
// @Param status query string false "Filter by status"
// @Param method query string false "Filter by payment method"
// @Param reason query string false "Filter by payment reason"
// @Param limit query int false "Page size (default 50, max 200)"
// @Success 200 {object} object{payments=[]models.Payment,count=int}
// @Failure 403 {object} ErrorResponse
// @Router /finance/payments [get]
func (s *PaymentService) ListPayments(w http.ResponseWriter, r *http.Request) {
	if isAdmin, _ := r.Context().Value("isAdmin").(bool); !isAdmin {
		SendErrorResponse(w, "Access denied", http.StatusForbidden, nil)
		return
	}

	f := statementFilterFromQuery(r)
	conditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if status := r.URL.Query().Get("status"); status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, status)
		argIndex++
	}
	if method := r.URL.Query().Get("method"); method != "" {
		conditions = append(conditions, fmt.Sprintf("payment_method = $%d", argIndex))
		args = append(args, method)
		argIndex++
	}
	if reason := r.URL.Query().Get("reason"); reason != "" {
		conditions = append(conditions, fmt.Sprintf("reason = $%d", argIndex))
		args = append(args, reason)
		argIndex++
	}
	if f.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *f.From)
		argIndex++
	}
	if f.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIndex))
		args = append(args, *f.To)
		argIndex++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		log.Printf("[PAYMENT] List query failed: %v", err)
		SendErrorResponse(w, "Failed to fetch payments", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p := models.Payment{}
		if err := rows.Scan(&p.ID, &p.SenderID, &p.SenderType, &p.ReceiverID, &p.ReceiverType,
			&p.Amount, &p.FeeAmount, &p.NetAmount, &p.PaymentMethod, &p.Reason, &p.Status,
			&p.CorrelationID, &p.IdempotencyKey, &p.GatewayPaymentID, &p.GatewayProvider,
			&p.CheckoutURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch payments", http.StatusInternalServerError, nil)
			return
		}
		payments = append(payments, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"payments": payments,
		"count":    len(payments),
	})
}

// decodeJSONBody applies the shared request body discipline: size cap,
// unknown field rejection, single JSON object.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// writeBusinessError maps a typed business error to its stable code and HTTP
// status; anything untyped becomes an opaque 500.
func writeBusinessError(w http.ResponseWriter, message string, err error) {
	status := httpStatusForError(err)
	var be *BusinessError
	if errors.As(err, &be) {
		SendCodedErrorResponse(w, message, be.Code, status)
		return
	}
	log.Printf("[PAYMENT] Internal error: %v", err)
	SendErrorResponse(w, message, status, nil)
}
