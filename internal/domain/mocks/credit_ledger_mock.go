package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/adi99/vidai/internal/domain"
)

// MockCreditLedger mocks domain.CreditLedger.
type MockCreditLedger struct{ mock.Mock }

func (m *MockCreditLedger) Reserve(ctx domain.Context, userID string, amount int64, jobRef string, meta map[string]string) (string, error) {
	args := m.Called(ctx, userID, amount, jobRef, meta)
	return args.String(0), args.Error(1)
}

func (m *MockCreditLedger) Refund(ctx domain.Context, userID string, amount int64, jobRef string, meta map[string]string) error {
	args := m.Called(ctx, userID, amount, jobRef, meta)
	return args.Error(0)
}

func (m *MockCreditLedger) Deposit(ctx domain.Context, userID string, amount int64, reason string, meta map[string]string) (string, error) {
	args := m.Called(ctx, userID, amount, reason, meta)
	return args.String(0), args.Error(1)
}

func (m *MockCreditLedger) Balance(ctx domain.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCreditLedger) Transactions(ctx domain.Context, userID string, p domain.Page) ([]domain.CreditTransaction, error) {
	args := m.Called(ctx, userID, p)
	var txs []domain.CreditTransaction
	if v := args.Get(0); v != nil {
		txs = v.([]domain.CreditTransaction)
	}
	return txs, args.Error(1)
}
