// Package memory is an in-process store used by tests and local runs. It
// applies the same conditional-update and atomic-increment guards as the
// Postgres store under a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"agrifin/internal/common/money"
	"agrifin/internal/domain"
)

// Store keeps every record in maps guarded by one mutex. Records are copied
// in and out so callers never share memory with the store.
type Store struct {
	mu sync.Mutex

	subscribers  map[string]domain.Subscriber
	plantations  map[string]domain.Plantation
	promotions   map[string]domain.Promotion
	payments     map[string]domain.Payment
	commissions  map[string]domain.Commission
	wallets      map[string]domain.Wallet
	withdrawals  map[string]domain.WithdrawalRequest
	transactions map[string]domain.ExternalTransaction
	runs         map[string]domain.ReconciliationRun
}

// New creates an empty store.
func New() *Store {
	return &Store{
		subscribers:  make(map[string]domain.Subscriber),
		plantations:  make(map[string]domain.Plantation),
		promotions:   make(map[string]domain.Promotion),
		payments:     make(map[string]domain.Payment),
		commissions:  make(map[string]domain.Commission),
		wallets:      make(map[string]domain.Wallet),
		withdrawals:  make(map[string]domain.WithdrawalRequest),
		transactions: make(map[string]domain.ExternalTransaction),
		runs:         make(map[string]domain.ReconciliationRun),
	}
}

// PutSubscriber inserts or replaces a subscriber. Reference data is owned
// upstream; this seeds it.
func (s *Store) PutSubscriber(_ context.Context, sub *domain.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sub
	c.Phone = domain.NormalizePhone(c.Phone)
	s.subscribers[c.ID] = c
	return nil
}

// PutPlantation inserts or replaces a plantation.
func (s *Store) PutPlantation(_ context.Context, p *domain.Plantation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plantations[p.ID] = *p
	return nil
}

// GetSubscriber returns a subscriber.
func (s *Store) GetSubscriber(_ context.Context, id string) (*domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sub, nil
}

// FindSubscriberByPhone returns the subscriber with the normalized phone.
func (s *Store) FindSubscriberByPhone(_ context.Context, phone string) (*domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phone = domain.NormalizePhone(phone)
	if phone == "" {
		return nil, domain.ErrNotFound
	}
	for _, sub := range s.subscribers {
		if sub.Phone == phone {
			found := sub
			return &found, nil
		}
	}
	return nil, domain.ErrNotFound
}

// GetPlantation returns a plantation.
func (s *Store) GetPlantation(_ context.Context, id string) (*domain.Plantation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plantations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

// ListPlantationsBySubscriber returns the plantations of a subscriber.
func (s *Store) ListPlantationsBySubscriber(_ context.Context, subscriberID string) ([]*domain.Plantation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Plantation
	for _, p := range s.plantations {
		if p.SubscriberID == subscriberID {
			c := p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Promotions

func (s *Store) PromotionsActiveAt(_ context.Context, at time.Time) ([]*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Promotion
	for _, p := range s.promotions {
		if p.AppliesAt(at) {
			c := p
			out = append(out, &c)
		}
	}
	sortPromotions(out)
	return out, nil
}

func (s *Store) ActivePromotionsOverlapping(_ context.Context, start, end time.Time) ([]*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := &domain.Promotion{StartDate: start, EndDate: end}
	var out []*domain.Promotion
	for _, p := range s.promotions {
		if p.Status == domain.PromotionActive && p.Overlaps(window) {
			c := p
			out = append(out, &c)
		}
	}
	sortPromotions(out)
	return out, nil
}

// CreatePromotion enforces the ACTIVE window exclusion like the database
// constraint does.
func (s *Store) CreatePromotion(_ context.Context, p *domain.Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.promotions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if p.Status == domain.PromotionActive && s.activeOverlapLocked(p) {
		return domain.ErrConfigurationConflict
	}
	s.promotions[p.ID] = *p
	return nil
}

func (s *Store) GetPromotion(_ context.Context, id string) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpdatePromotionStatus(_ context.Context, id string, from, to domain.PromotionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != from {
		return domain.ErrConcurrencyConflict
	}
	p.Status = to
	if to == domain.PromotionActive && s.activeOverlapLocked(&p) {
		return domain.ErrConfigurationConflict
	}
	p.UpdatedAt = at
	s.promotions[id] = p
	return nil
}

func (s *Store) ListPromotions(_ context.Context) ([]*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		c := p
		out = append(out, &c)
	}
	sortPromotions(out)
	return out, nil
}

func (s *Store) ExpirePromotions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := domain.Day(now)
	var n int64
	for id, p := range s.promotions {
		if p.Status == domain.PromotionActive && domain.Day(p.EndDate).Before(today) {
			p.Status = domain.PromotionExpired
			p.UpdatedAt = now
			s.promotions[id] = p
			n++
		}
	}
	return n, nil
}

func (s *Store) activeOverlapLocked(p *domain.Promotion) bool {
	for id, other := range s.promotions {
		if id != p.ID && other.Status == domain.PromotionActive && other.Overlaps(p) {
			return true
		}
	}
	return false
}

func sortPromotions(ps []*domain.Promotion) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].StartDate.Before(ps[j].StartDate) })
}

// Payments

func (s *Store) CreatePayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPaymentUniqueLocked(p); err != nil {
		return err
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *Store) CreateValidatedPayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPaymentUniqueLocked(p); err != nil {
		return err
	}
	if err := s.creditPlantationLocked(p); err != nil {
		return err
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := clonePayment(&p)
	return &c, nil
}

func (s *Store) GetPaymentByGatewayTx(_ context.Context, gatewayTxID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if gatewayTxID != "" && p.GatewayTxID == gatewayTxID {
			c := clonePayment(&p)
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListPaymentsByPlantation(_ context.Context, plantationID string) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Payment
	for _, p := range s.payments {
		if p.PlantationID == plantationID {
			c := clonePayment(&p)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListOpenPayments(_ context.Context, subscriberID string) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Payment
	for _, p := range s.payments {
		plantation, ok := s.plantations[p.PlantationID]
		if !ok || plantation.SubscriberID != subscriberID {
			continue
		}
		switch p.State {
		case domain.PaymentPending, domain.PaymentProofProvided, domain.PaymentUnderReview:
			c := clonePayment(&p)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListUncommissionedPayments(_ context.Context, since time.Time, limit int) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	referenced := make(map[string]bool)
	for _, c := range s.commissions {
		if c.SourcePaymentID != "" {
			referenced[c.SourcePaymentID] = true
		}
	}
	var out []*domain.Payment
	for _, p := range s.payments {
		if p.State != domain.PaymentValidated || p.ValidatedAt == nil || p.ValidatedAt.Before(since) || referenced[p.ID] {
			continue
		}
		c := clonePayment(&p)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidatedAt.Equal(*out[j].ValidatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ValidatedAt.Before(*out[j].ValidatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HasValidatedAccessFee(_ context.Context, plantationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasValidatedAccessFeeLocked(plantationID, ""), nil
}

func (s *Store) SumValidatedContributions(_ context.Context, plantationID string) (money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var amounts []money.Amount
	for _, p := range s.payments {
		if p.PlantationID == plantationID && p.CountsTowardArrears() {
			amounts = append(amounts, p.PaidAmount)
		}
	}
	return money.Sum(amounts...), nil
}

func (s *Store) UpdatePayment(_ context.Context, p *domain.Payment, expected domain.PaymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.State != expected {
		return domain.ErrConcurrencyConflict
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *Store) ValidatePayment(_ context.Context, p *domain.Payment, expected domain.PaymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.State != expected {
		return domain.ErrConcurrencyConflict
	}
	if p.GatewayTxID != "" && p.GatewayTxID != cur.GatewayTxID {
		for id, other := range s.payments {
			if id != p.ID && other.GatewayTxID == p.GatewayTxID {
				return domain.ErrAlreadyExists
			}
		}
	}
	if err := s.creditPlantationLocked(p); err != nil {
		return err
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *Store) checkPaymentUniqueLocked(p *domain.Payment) error {
	if _, ok := s.payments[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if p.GatewayTxID != "" {
		for _, other := range s.payments {
			if other.GatewayTxID == p.GatewayTxID {
				return domain.ErrAlreadyExists
			}
		}
	}
	if _, ok := s.plantations[p.PlantationID]; !ok {
		return domain.ErrNotFound
	}
	return nil
}

// creditPlantationLocked applies the validated-payment side effects: one
// validated access fee per plantation, and the running contribution total.
func (s *Store) creditPlantationLocked(p *domain.Payment) error {
	if p.State != domain.PaymentValidated {
		return nil
	}
	if p.Kind == domain.PaymentAccessFee && s.hasValidatedAccessFeeLocked(p.PlantationID, p.ID) {
		return domain.ErrAccessFeeAlreadyValidated
	}
	if p.Kind != domain.PaymentContribution {
		return nil
	}
	plantation, ok := s.plantations[p.PlantationID]
	if !ok {
		return domain.ErrNotFound
	}
	plantation.ValidatedTotal += p.PaidAmount
	plantation.UpdatedAt = time.Now().UTC()
	s.plantations[p.PlantationID] = plantation
	return nil
}

func (s *Store) hasValidatedAccessFeeLocked(plantationID, exceptID string) bool {
	for id, p := range s.payments {
		if id != exceptID && p.PlantationID == plantationID && p.Kind == domain.PaymentAccessFee && p.State == domain.PaymentValidated {
			return true
		}
	}
	return false
}

func clonePayment(p *domain.Payment) domain.Payment {
	c := *p
	c.ProofSubmittedAt = cloneTime(p.ProofSubmittedAt)
	c.ValidatedAt = cloneTime(p.ValidatedAt)
	c.RejectedAt = cloneTime(p.RejectedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
