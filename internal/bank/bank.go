// Package bank is the external currency-account collaborator: balances,
// transfers and allowance-based pulls used to move funds during claims,
// purchase executions and settlements.
package bank

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

// Accounts is the narrow interface the engine consumes.
type Accounts interface {
	Balance(ctx context.Context, account model.Address, currency model.CurrencyCode) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to model.Address, currency model.CurrencyCode, amount decimal.Decimal) error
	Approve(ctx context.Context, owner, spender model.Address, currency model.CurrencyCode, amount decimal.Decimal) error
	Allowance(ctx context.Context, owner, spender model.Address, currency model.CurrencyCode) (decimal.Decimal, error)
	TransferFrom(ctx context.Context, spender, from, to model.Address, currency model.CurrencyCode, amount decimal.Decimal) error
}

type balanceKey struct {
	account  model.Address
	currency model.CurrencyCode
}

type allowanceKey struct {
	owner    model.Address
	spender  model.Address
	currency model.CurrencyCode
}

// Memory implements Accounts in process. Writes made inside a txn unit are
// undone when the unit fails.
type Memory struct {
	mu         sync.RWMutex
	balances   map[balanceKey]decimal.Decimal
	allowances map[allowanceKey]decimal.Decimal
}

// NewMemory creates an empty account book.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[balanceKey]decimal.Decimal),
		allowances: make(map[allowanceKey]decimal.Decimal),
	}
}

// Deposit credits account out of thin air. Used to seed balances.
func (m *Memory) Deposit(ctx context.Context, account model.Address, currency model.CurrencyCode, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive", model.ErrParam)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustLocked(ctx, balanceKey{account, currency.Normalize()}, amount)
	return nil
}

func (m *Memory) Balance(_ context.Context, account model.Address, currency model.CurrencyCode) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{account, currency.Normalize()}], nil
}

func (m *Memory) Transfer(ctx context.Context, from, to model.Address, currency model.CurrencyCode, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferLocked(ctx, from, to, currency.Normalize(), amount)
}

func (m *Memory) Approve(ctx context.Context, owner, spender model.Address, currency model.CurrencyCode, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative allowance", model.ErrParam)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := allowanceKey{owner, spender, currency.Normalize()}
	prev, had := m.allowances[key]
	m.allowances[key] = amount
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if had {
			m.allowances[key] = prev
		} else {
			delete(m.allowances, key)
		}
	})
	return nil
}

func (m *Memory) Allowance(_ context.Context, owner, spender model.Address, currency model.CurrencyCode) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowances[allowanceKey{owner, spender, currency.Normalize()}], nil
}

func (m *Memory) TransferFrom(ctx context.Context, spender, from, to model.Address, currency model.CurrencyCode, amount decimal.Decimal) error {
	currency = currency.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowanceKey{from, spender, currency}
	allowed := m.allowances[key]
	if spender != from && allowed.LessThan(amount) {
		return fmt.Errorf("%w: allowance %s < %s %s", model.ErrInsufficientFunds, allowed, amount, currency)
	}
	if err := m.transferLocked(ctx, from, to, currency, amount); err != nil {
		return err
	}
	if spender != from {
		m.allowances[key] = allowed.Sub(amount)
		txn.OnRollback(ctx, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.allowances[key] = m.allowances[key].Add(amount)
		})
	}
	return nil
}

func (m *Memory) transferLocked(ctx context.Context, from, to model.Address, currency model.CurrencyCode, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: transfer amount must be positive", model.ErrParam)
	}
	if from == "" || to == "" {
		return fmt.Errorf("%w: transfer endpoints required", model.ErrParam)
	}
	src := balanceKey{from, currency}
	if m.balances[src].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s",
			model.ErrInsufficientFunds, from, m.balances[src], currency, amount)
	}
	m.adjustLocked(ctx, src, amount.Neg())
	m.adjustLocked(ctx, balanceKey{to, currency}, amount)
	return nil
}

// adjustLocked applies delta and journals the inverse.
func (m *Memory) adjustLocked(ctx context.Context, key balanceKey, delta decimal.Decimal) {
	m.balances[key] = m.balances[key].Add(delta)
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.balances[key] = m.balances[key].Sub(delta)
	})
}
