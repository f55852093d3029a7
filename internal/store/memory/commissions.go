package memory

import (
	"context"
	"sort"
	"time"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

func (s *Store) CreateCommission(_ context.Context, c *domain.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commissions[c.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if c.SourcePaymentID != "" {
		for _, other := range s.commissions {
			if other.SourcePaymentID == c.SourcePaymentID && other.ActorID == c.ActorID && other.Kind == c.Kind {
				return domain.ErrAlreadyExists
			}
		}
	}
	s.commissions[c.ID] = cloneCommission(c)
	return nil
}

func (s *Store) GetCommission(_ context.Context, id string) (*domain.Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneCommission(&c)
	return &out, nil
}

func (s *Store) ListCommissions(_ context.Context, actorID string, state domain.CommissionState) ([]*domain.Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Commission
	for _, c := range s.commissions {
		if (actorID != "" && c.ActorID != actorID) || (state != "" && c.State != state) {
			continue
		}
		cc := cloneCommission(&c)
		out = append(out, &cc)
	}
	sortCommissions(out)
	return out, nil
}

func (s *Store) UpdateCommission(_ context.Context, c *domain.Commission, expected domain.CommissionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.commissions[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.State != expected {
		return domain.ErrConcurrencyConflict
	}
	s.commissions[c.ID] = cloneCommission(c)
	return nil
}

func (s *Store) ValidateCommission(_ context.Context, c *domain.Commission, expected domain.CommissionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.commissions[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.State != expected {
		return domain.ErrConcurrencyConflict
	}
	s.commissions[c.ID] = cloneCommission(c)

	w := s.wallets[c.ActorID]
	w.ActorID = c.ActorID
	w.Balance += c.Amount
	w.TotalEarned += c.Amount
	w.UpdatedAt = time.Now().UTC()
	s.wallets[c.ActorID] = w
	return nil
}

func (s *Store) GetWallet(_ context.Context, actorID string) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[actorID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &w, nil
}

func (s *Store) CreateWithdrawal(_ context.Context, w *domain.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.withdrawals[w.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.withdrawals[w.ID] = *w
	return nil
}

func (s *Store) GetWithdrawal(_ context.Context, id string) (*domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &w, nil
}

func (s *Store) ListWithdrawals(_ context.Context, actorID string) ([]*domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WithdrawalRequest
	for _, w := range s.withdrawals {
		if w.ActorID == actorID {
			c := w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateWithdrawal(_ context.Context, w *domain.WithdrawalRequest, expected domain.WithdrawalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.withdrawals[w.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.State != expected {
		return domain.ErrConcurrencyConflict
	}
	s.withdrawals[w.ID] = *w
	return nil
}

func (s *Store) ApproveWithdrawal(_ context.Context, w *domain.WithdrawalRequest, expected domain.WithdrawalState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.withdrawals[w.ID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if cur.State != expected {
		return 0, domain.ErrConcurrencyConflict
	}
	wallet, ok := s.wallets[w.ActorID]
	if !ok || wallet.Balance < w.Amount {
		return 0, domain.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	wallet.Balance -= w.Amount
	wallet.TotalWithdrawn += w.Amount
	wallet.UpdatedAt = now
	s.wallets[w.ActorID] = wallet
	s.withdrawals[w.ID] = *w

	var validated []*domain.Commission
	var settled money.Amount
	for _, c := range s.commissions {
		if c.ActorID != w.ActorID {
			continue
		}
		switch c.State {
		case domain.CommissionValidated:
			cc := cloneCommission(&c)
			validated = append(validated, &cc)
		case domain.CommissionPaid:
			settled += c.Amount
		}
	}
	sortCommissions(validated)

	amounts := make([]money.Amount, len(validated))
	for i, c := range validated {
		amounts[i] = c.Amount
	}
	paid := domain.SettledPrefix(amounts, settled, wallet.TotalWithdrawn)
	for _, c := range validated[:paid] {
		if err := c.MarkPaid(w.ID, now); err != nil {
			return 0, err
		}
		s.commissions[c.ID] = *c
	}
	return paid, nil
}

func sortCommissions(cs []*domain.Commission) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func cloneCommission(c *domain.Commission) domain.Commission {
	out := *c
	out.ValidatedAt = cloneTime(c.ValidatedAt)
	return out
}
