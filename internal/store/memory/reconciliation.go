package memory

import (
	"context"
	"sort"

	"agrifin/internal/domain"
)

func (s *Store) LastCompletedRun(_ context.Context) (*domain.ReconciliationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *domain.ReconciliationRun
	for _, r := range s.runs {
		if r.Status != domain.RunCompleted {
			continue
		}
		if last == nil || r.Until.After(last.Until) {
			c := r
			last = &c
		}
	}
	if last == nil {
		return nil, domain.ErrNotFound
	}
	return last, nil
}

func (s *Store) CreateRun(_ context.Context, run *domain.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *Store) FinishRun(_ context.Context, run *domain.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return domain.ErrNotFound
	}
	c := *run
	c.FinishedAt = cloneTime(run.FinishedAt)
	s.runs[run.ID] = c
	return nil
}

// Runs returns every run, oldest first.
func (s *Store) Runs(_ context.Context) []*domain.ReconciliationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ReconciliationRun, 0, len(s.runs))
	for _, r := range s.runs {
		c := r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Store) RecordExternalTransaction(_ context.Context, tx *domain.ExternalTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.transactions[tx.GatewayTxID]; ok && cur.Status == domain.TransactionMatched && tx.Status != domain.TransactionMatched {
		return nil
	}
	s.transactions[tx.GatewayTxID] = *tx
	return nil
}

func (s *Store) GetExternalTransaction(_ context.Context, gatewayTxID string) (*domain.ExternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[gatewayTxID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tx, nil
}

func (s *Store) ListUnmatchedTransactions(_ context.Context, limit int) ([]*domain.ExternalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ExternalTransaction
	for _, tx := range s.transactions {
		if tx.Status == domain.TransactionUnmatched {
			c := tx
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
