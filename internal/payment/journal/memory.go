package journal

import (
	"context"
	"sync"

	"payflow/internal/common/database"
)

// MemoryStore is an in-process journal used when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	deposits map[string]DepositConfirmation
	attempts map[string][]Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits: make(map[string]DepositConfirmation),
		attempts: make(map[string][]Attempt),
	}
}

func (s *MemoryStore) GetDeposit(_ context.Context, paymentIntentID string) (*DepositConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[paymentIntentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) SaveDeposit(_ context.Context, d *DepositConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.deposits[d.PaymentIntentID]; ok && cur.IsConfirmed() {
		return nil
	}
	s.deposits[d.PaymentIntentID] = *d
	return nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Number = len(s.attempts[a.PaymentIntentID]) + 1
	s.attempts[a.PaymentIntentID] = append(s.attempts[a.PaymentIntentID], a)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, paymentIntentID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts[paymentIntentID]))
	copy(out, s.attempts[paymentIntentID])
	return out, nil
}
