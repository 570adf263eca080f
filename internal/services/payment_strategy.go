package services

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/spf13/viper"

	"github.com/classpay/backend/internal/models"
	"github.com/classpay/backend/internal/money"
)

// ExecutionResult collects the ledger legs one payment produced. A cash
// payment with a fee writes both cash and wallet entries.
type ExecutionResult struct {
	Transactions     []*models.Transaction
	CashTransactions []*models.CashTransaction
}

// PaymentStrategy turns one Payment into ledger legs. Validate runs before
// the unit of work opens; Execute runs inside it, so all legs and all balance
// mutations commit together or not at all.
type PaymentStrategy interface {
	Validate(p *models.Payment) error
	Execute(tx *sql.Tx, p *models.Payment) (*ExecutionResult, error)
}

// StrategyFactory selects the strategy for a payment method. An unrecognized
// method is a wiring defect, not user input.
type StrategyFactory struct {
	strategies map[string]PaymentStrategy
}

func NewStrategyFactory(wallets *WalletLedgerService, cashboxes *CashboxLedgerService, ledger *TransactionLedgerService) *StrategyFactory {
	viper.SetDefault("finance.fee_negative_ceiling", "0")
	ceiling, err := money.FromString(viper.GetString("finance.fee_negative_ceiling"))
	if err != nil {
		ceiling = money.Zero()
	}

	walletStrategy := &WalletPaymentStrategy{
		wallets:    wallets,
		ledger:     ledger,
		feeCeiling: ceiling,
	}
	return &StrategyFactory{
		strategies: map[string]PaymentStrategy{
			models.MethodWallet: walletStrategy,
			models.MethodCash: &CashPaymentStrategy{
				cashboxes: cashboxes,
				wallets:   walletStrategy,
			},
		},
	}
}

func (f *StrategyFactory) ForMethod(method string) (PaymentStrategy, error) {
	strategy, ok := f.strategies[method]
	if !ok {
		return nil, fmt.Errorf("no payment strategy registered for method %q", method)
	}
	return strategy, nil
}

// WalletPaymentStrategy moves the full amount through the wallet ledger.
type WalletPaymentStrategy struct {
	wallets    *WalletLedgerService
	ledger     *TransactionLedgerService
	feeCeiling money.Money
}

// Validate checks that the sender can fund the initial debit. The fee
// ceiling never applies here: only the receiver's subsequent fee debit may
// go below zero, and only up to the configured ceiling.
func (s *WalletPaymentStrategy) Validate(p *models.Payment) error {
	sender, err := s.wallets.GetOrCreateWallet(p.SenderID, p.SenderType)
	if err != nil {
		return err
	}
	if sender.Balance.LessThan(p.Amount) {
		return ErrInsufficientFunds("sender wallet %d balance %s is below payment amount %s",
			sender.ID, sender.Balance, p.Amount)
	}
	return nil
}

// Execute writes two legs for a plain payment, four for a fee split:
// debit sender gross, credit receiver gross, debit receiver fee, credit the
// system wallet. The receiver nets exactly the payment's net amount and the
// four legs sum to zero. All legs share the payment's correlation id.
func (s *WalletPaymentStrategy) Execute(tx *sql.Tx, p *models.Payment) (*ExecutionResult, error) {
	sender, err := s.wallets.getOrCreateWalletTx(tx, p.SenderID, p.SenderType)
	if err != nil {
		return nil, err
	}
	receiver, err := s.wallets.getOrCreateWalletTx(tx, p.ReceiverID, p.ReceiverType)
	if err != nil {
		return nil, err
	}

	if !p.HasFee() {
		if err := lockInOrder(tx, s.wallets, sender.ID, receiver.ID); err != nil {
			return nil, err
		}

		senderAfter, err := s.wallets.UpdateBalanceTx(tx, sender.ID, p.Amount.Neg(), money.Zero())
		if err != nil {
			return nil, err
		}
		receiverAfter, err := s.wallets.UpdateBalanceTx(tx, receiver.ID, p.Amount, money.Zero())
		if err != nil {
			return nil, err
		}

		legs := []*models.Transaction{
			debitLeg(sender.ID, receiver.ID, p.Amount, p.Reason, senderAfter.Balance, p.ID),
			creditLeg(sender.ID, receiver.ID, p.Amount, p.Reason, receiverAfter.Balance, p.ID),
		}
		if _, err := s.ledger.CreateSplitTransactionsTx(tx, legs, p.CorrelationID); err != nil {
			return nil, err
		}
		return &ExecutionResult{Transactions: legs}, nil
	}

	system, err := s.wallets.getOrCreateWalletTx(tx, models.SystemWalletOwnerID, models.OwnerSystem)
	if err != nil {
		return nil, err
	}
	if err := lockInOrder(tx, s.wallets, sender.ID, receiver.ID, system.ID); err != nil {
		return nil, err
	}

	// The gross debit must be fully funded; only the receiver's fee debit
	// may use the configured negative ceiling.
	senderAfter, err := s.wallets.UpdateBalanceTx(tx, sender.ID, p.Amount.Neg(), money.Zero())
	if err != nil {
		return nil, err
	}
	receiverGrossAfter, err := s.wallets.UpdateBalanceTx(tx, receiver.ID, p.Amount, money.Zero())
	if err != nil {
		return nil, err
	}
	receiverFeeAfter, err := s.wallets.UpdateBalanceTx(tx, receiver.ID, p.FeeAmount.Neg(), s.feeCeiling)
	if err != nil {
		return nil, err
	}
	systemAfter, err := s.wallets.UpdateBalanceTx(tx, system.ID, *p.FeeAmount, money.Zero())
	if err != nil {
		return nil, err
	}

	legs := []*models.Transaction{
		debitLeg(sender.ID, receiver.ID, p.Amount, p.Reason, senderAfter.Balance, p.ID),
		creditLeg(sender.ID, receiver.ID, p.Amount, p.Reason, receiverGrossAfter.Balance, p.ID),
		debitLeg(receiver.ID, system.ID, *p.FeeAmount, models.TxSystemFee, receiverFeeAfter.Balance, p.ID),
		creditLeg(receiver.ID, system.ID, *p.FeeAmount, models.TxSystemFee, systemAfter.Balance, p.ID),
	}
	if _, err := s.ledger.CreateSplitTransactionsTx(tx, legs, p.CorrelationID); err != nil {
		return nil, err
	}
	return &ExecutionResult{Transactions: legs}, nil
}

// CashPaymentStrategy moves the principal through a branch cashbox. Fee
// legs, when present, still go through the wallet ledger.
type CashPaymentStrategy struct {
	cashboxes *CashboxLedgerService
	wallets   *WalletPaymentStrategy
}

func (s *CashPaymentStrategy) Validate(p *models.Payment) error {
	if p.SenderType != models.OwnerBranch && p.ReceiverType != models.OwnerBranch {
		// No cash legs will be produced; nothing to check up front.
		return nil
	}
	if p.SenderType == models.OwnerBranch {
		box, err := s.cashboxes.GetOrCreateCashbox(p.SenderID)
		if err != nil {
			return err
		}
		if box.Balance.LessThan(p.Amount) {
			return ErrInsufficientFunds("cashbox for branch %s holds %s, below withdrawal %s",
				p.SenderID, box.Balance, p.Amount)
		}
	}
	return nil
}

func (s *CashPaymentStrategy) Execute(tx *sql.Tx, p *models.Payment) (*ExecutionResult, error) {
	result := &ExecutionResult{}

	switch {
	case p.SenderType == models.OwnerBranch:
		box, err := s.cashboxes.GetOrCreateCashbox(p.SenderID)
		if err != nil {
			return nil, err
		}
		after, err := s.cashboxes.UpdateBalanceTx(tx, box.ID, p.Amount.Neg())
		if err != nil {
			return nil, err
		}
		ct := &models.CashTransaction{
			BranchID:       p.SenderID,
			CashboxID:      box.ID,
			Amount:         p.Amount.Neg(),
			Direction:      models.CashOut,
			Type:           models.TxBranchWithdrawal,
			ActorID:        p.SenderID,
			CounterpartyID: p.ReceiverID,
			BalanceAfter:   &after.Balance,
			PaymentID:      &p.ID,
		}
		if _, err := s.cashboxes.RecordCashTransactionTx(tx, ct); err != nil {
			return nil, err
		}
		result.CashTransactions = append(result.CashTransactions, ct)

	case p.ReceiverType == models.OwnerBranch:
		box, err := s.cashboxes.GetOrCreateCashbox(p.ReceiverID)
		if err != nil {
			return nil, err
		}
		after, err := s.cashboxes.UpdateBalanceTx(tx, box.ID, p.Amount)
		if err != nil {
			return nil, err
		}
		ct := &models.CashTransaction{
			BranchID:       p.ReceiverID,
			CashboxID:      box.ID,
			Amount:         p.Amount,
			Direction:      models.CashIn,
			Type:           models.TxBranchDeposit,
			ActorID:        p.ReceiverID,
			CounterpartyID: p.SenderID,
			BalanceAfter:   &after.Balance,
			PaymentID:      &p.ID,
		}
		if _, err := s.cashboxes.RecordCashTransactionTx(tx, ct); err != nil {
			return nil, err
		}
		result.CashTransactions = append(result.CashTransactions, ct)
	}

	// Fee legs move through the wallet ledger even when the principal was
	// cash: branch wallet pays the system wallet.
	if p.HasFee() {
		branchID, branchType := p.SenderID, p.SenderType
		if p.ReceiverType == models.OwnerBranch {
			branchID, branchType = p.ReceiverID, p.ReceiverType
		}
		legs, err := s.wallets.executeFeeOnly(tx, p, branchID, branchType)
		if err != nil {
			return nil, err
		}
		result.Transactions = append(result.Transactions, legs...)
	}

	return result, nil
}

// executeFeeOnly writes the two wallet fee legs of a cash payment: debit the
// branch wallet (ceiling may apply), credit the system wallet.
func (s *WalletPaymentStrategy) executeFeeOnly(tx *sql.Tx, p *models.Payment, branchID, branchType string) ([]*models.Transaction, error) {
	branch, err := s.wallets.getOrCreateWalletTx(tx, branchID, branchType)
	if err != nil {
		return nil, err
	}
	system, err := s.wallets.getOrCreateWalletTx(tx, models.SystemWalletOwnerID, models.OwnerSystem)
	if err != nil {
		return nil, err
	}
	if err := lockInOrder(tx, s.wallets, branch.ID, system.ID); err != nil {
		return nil, err
	}

	branchAfter, err := s.wallets.UpdateBalanceTx(tx, branch.ID, p.FeeAmount.Neg(), s.feeCeiling)
	if err != nil {
		return nil, err
	}
	systemAfter, err := s.wallets.UpdateBalanceTx(tx, system.ID, *p.FeeAmount, money.Zero())
	if err != nil {
		return nil, err
	}

	legs := []*models.Transaction{
		debitLeg(branch.ID, system.ID, *p.FeeAmount, models.TxSystemFee, branchAfter.Balance, p.ID),
		creditLeg(branch.ID, system.ID, *p.FeeAmount, models.TxSystemFee, systemAfter.Balance, p.ID),
	}
	if _, err := s.ledger.CreateSplitTransactionsTx(tx, legs, p.CorrelationID); err != nil {
		return nil, err
	}
	return legs, nil
}

// lockInOrder acquires wallet row locks in ascending id order so concurrent
// multi-wallet movements cannot deadlock each other.
func lockInOrder(tx *sql.Tx, wallets *WalletLedgerService, ids ...int64) error {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var last int64 = -1
	for _, id := range sorted {
		if id == last {
			continue
		}
		if _, err := wallets.lockWalletTx(tx, id); err != nil {
			return err
		}
		last = id
	}
	return nil
}

func debitLeg(fromWalletID, toWalletID int64, amount money.Money, txType string, balanceAfter money.Money, paymentID string) *models.Transaction {
	neg := amount.Neg()
	return &models.Transaction{
		FromWalletID: &fromWalletID,
		ToWalletID:   &toWalletID,
		Amount:       neg,
		Type:         txType,
		BalanceAfter: &balanceAfter,
		PaymentID:    &paymentID,
	}
}

func creditLeg(fromWalletID, toWalletID int64, amount money.Money, txType string, balanceAfter money.Money, paymentID string) *models.Transaction {
	return &models.Transaction{
		FromWalletID: &fromWalletID,
		ToWalletID:   &toWalletID,
		Amount:       amount,
		Type:         txType,
		BalanceAfter: &balanceAfter,
		PaymentID:    &paymentID,
	}
}
