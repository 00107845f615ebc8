// Package economy maintains per-account credit balances and an append-only
// log of signed transfer receipts. All quantities are arbitrary-precision
// integers; a debit never drives a balance negative.
package economy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TreasuryAccount is the reserved account rewards are issued from.
const TreasuryAccount = "treasury"

var (
	// ErrInsufficientBalance indicates a debit larger than the current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNegativeAmount indicates a negative credit, debit, or transfer.
	ErrNegativeAmount = errors.New("amount must not be negative")
)

// TransferReceipt records one economic movement between two accounts.
type TransferReceipt struct {
	Tx        string `json:"tx"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    Amount `json:"amount"`
	Memo      string `json:"memo,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// State is the exportable form of a ledger: every receipt plus the final
// balance of each account, amounts as decimal strings.
type State struct {
	Ledger   []TransferReceipt `json:"ledger"`
	Balances map[string]string `json:"balances"`
}

// Ledger holds account balances and the receipt log for one orchestrator
// instance. It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	receipts []TransferReceipt
	balances map[string]Amount
	clock    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]Amount),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Credit adds amount to an account balance.
func (l *Ledger) Credit(account string, amount Amount) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
	return nil
}

// Debit removes amount from an account balance. It fails with
// ErrInsufficientBalance, without mutating anything, when the balance
// would go negative; it never clamps to zero.
func (l *Ledger) Debit(account string, amount Amount) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debitLocked(account, amount)
}

func (l *Ledger) debitLocked(account string, amount Amount) error {
	current := l.balances[account]
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account %s has %s, needs %s", ErrInsufficientBalance, account, current, amount)
	}
	l.balances[account] = current.Sub(amount)
	return nil
}

// BalanceOf returns the current balance of an account (zero if unknown).
func (l *Ledger) BalanceOf(account string) Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// RecordTransfer debits from, credits to, and appends a receipt with a
// fresh transaction id. Nothing mutates when the debit fails.
func (l *Ledger) RecordTransfer(from, to string, amount Amount, memo string) (TransferReceipt, error) {
	if amount.Sign() < 0 {
		return TransferReceipt{}, ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debitLocked(from, amount); err != nil {
		return TransferReceipt{}, err
	}
	l.balances[to] = l.balances[to].Add(amount)
	receipt := l.appendReceiptLocked(from, to, amount, memo)
	return receipt, nil
}

// PayFromTreasury issues amount from the treasury account, minting into
// the treasury first when its balance falls short. Reward issuance never
// requires pre-funding.
func (l *Ledger) PayFromTreasury(to string, amount Amount, memo string) (TransferReceipt, error) {
	if amount.Sign() < 0 {
		return TransferReceipt{}, ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.balances[TreasuryAccount]
	if current.Cmp(amount) < 0 {
		l.balances[TreasuryAccount] = current.Add(amount.Sub(current))
	}
	if err := l.debitLocked(TreasuryAccount, amount); err != nil {
		return TransferReceipt{}, err
	}
	l.balances[to] = l.balances[to].Add(amount)
	receipt := l.appendReceiptLocked(TreasuryAccount, to, amount, memo)
	return receipt, nil
}

func (l *Ledger) appendReceiptLocked(from, to string, amount Amount, memo string) TransferReceipt {
	receipt := TransferReceipt{
		Tx:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		Timestamp: l.clock().UnixMilli(),
	}
	l.receipts = append(l.receipts, receipt)
	return receipt
}

// History returns a copy of the receipt log in append order.
func (l *Ledger) History() []TransferReceipt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TransferReceipt, len(l.receipts))
	copy(out, l.receipts)
	return out
}

// Export serializes the ledger state with decimal-string balances.
func (l *Ledger) Export() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state := State{
		Ledger:   make([]TransferReceipt, len(l.receipts)),
		Balances: make(map[string]string, len(l.balances)),
	}
	copy(state.Ledger, l.receipts)
	for account, balance := range l.balances {
		state.Balances[account] = balance.String()
	}
	return state
}

// Import replaces the ledger contents with a previously exported state.
func (l *Ledger) Import(state State) error {
	balances := make(map[string]Amount, len(state.Balances))
	for account, value := range state.Balances {
		amount, err := ParseAmount(value)
		if err != nil {
			return fmt.Errorf("invalid balance for %s: %w", account, err)
		}
		balances[account] = amount
	}
	receipts := make([]TransferReceipt, len(state.Ledger))
	copy(receipts, state.Ledger)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = balances
	l.receipts = receipts
	return nil
}
