package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tiergate/internal/idgen"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

type payment struct {
	userID string
	tokens int64
}

// MemoryStore is an in-memory Store for development and tests. A single
// mutex makes every operation one atomic unit.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	allowlist   map[string]bool
	payments    map[string]payment
	transitions map[string][]*TransitionEvent
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		allowlist:   make(map[string]bool),
		payments:    make(map[string]payment),
		transitions: make(map[string][]*TransitionEvent),
		now:         time.Now,
	}
}

// WithClock overrides the timestamp source. Intended for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// caller holds m.mu
func (m *MemoryStore) snapshot(userID string) *Account {
	a := m.accounts[userID].Clone()
	a.PremiumListed = m.allowlist[userID]
	return a
}

// caller holds m.mu
func (m *MemoryStore) appendEvent(ev *TransitionEvent) *TransitionEvent {
	ev.ID = idgen.New()
	ev.CreatedAt = m.now()
	m.transitions[ev.UserID] = append(m.transitions[ev.UserID], ev)
	cp := *ev
	return &cp
}

// caller holds m.mu
func (m *MemoryStore) ensure(userID string, seed FreeAllowance) *Account {
	a, ok := m.accounts[userID]
	if !ok {
		now := m.now()
		a = &Account{
			UserID:                  userID,
			Tier:                    TierFree,
			FreeTokenBalance:        seed.Daily,
			FreeTokenBalanceMonthly: seed.Monthly,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		m.accounts[userID] = a
	}
	return a
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[userID]; !ok {
		return nil, ErrAccountNotFound
	}
	return m.snapshot(userID), nil
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, userID string, seed FreeAllowance) (*Account, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensure(userID, seed)
	return m.snapshot(userID), nil
}

func (m *MemoryStore) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if err := validateDebit(req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[req.UserID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Balance(req.Currency) < req.Amount {
		return nil, ErrInsufficientBalance
	}
	before := m.snapshot(req.UserID)

	switch req.Currency {
	case CurrencyPaid:
		a.PaidTokenBalance -= req.Amount
	case CurrencyFree:
		fromDaily, fromMonthly := splitFree(a.FreeTokenBalance, req.Amount)
		a.FreeTokenBalance -= fromDaily
		a.FreeTokenBalanceMonthly -= fromMonthly
	}
	a.LifetimeConsumed += req.Amount
	a.UpdatedAt = m.now()

	res := &DebitResult{Before: before}
	if req.Currency == CurrencyPaid && req.GraceDeadline != nil &&
		a.Tier == TierPaid && a.PaidTokenBalance == 0 && a.GraceDeadline == nil {
		d := *req.GraceDeadline
		a.GraceDeadline = &d
		res.GraceStarted = true
		res.Event = m.appendEvent(&TransitionEvent{
			UserID:             a.UserID,
			FromTier:           TierPaid,
			ToTier:             TierPaid,
			Reason:             ReasonDepletion,
			TokensAtTransition: before.PaidTokenBalance,
		})
	}
	res.Account = m.snapshot(req.UserID)
	return res, nil
}

func (m *MemoryStore) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if err := validateCredit(req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[req.UserID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	res := &CreditResult{}
	prevPaid := a.PaidTokenBalance

	switch req.Currency {
	case CurrencyPaid:
		a.PaidTokenBalance += req.Amount
		if a.GraceDeadline != nil {
			a.GraceDeadline = nil
			res.GraceCleared = true
		}
		if a.Tier == TierFree {
			a.Tier = TierPaid
			m.allowlist[a.UserID] = true
			res.ReenteredPaid = true
			res.Event = m.appendEvent(&TransitionEvent{
				UserID:             a.UserID,
				FromTier:           TierFree,
				ToTier:             TierPaid,
				Reason:             ReasonRefund,
				TokensAtTransition: prevPaid,
			})
		}
	case CurrencyFree:
		toDaily, toMonthly := splitFreeRefund(a.FreeTokenBalanceMonthly, req.Seed.Monthly, req.Amount)
		a.FreeTokenBalance += toDaily
		a.FreeTokenBalanceMonthly += toMonthly
	}
	a.LifetimeRefunded += req.Amount
	a.UpdatedAt = m.now()

	res.Account = m.snapshot(req.UserID)
	return res, nil
}

func (m *MemoryStore) ApplyPurchase(ctx context.Context, p Purchase) (*PurchaseResult, error) {
	if err := validatePurchase(p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.payments[p.PaymentRef]; ok {
		if prev.userID != p.UserID || prev.tokens != p.Tokens {
			return nil, ErrPaymentConflict
		}
		m.ensure(p.UserID, p.Seed)
		acct := m.snapshot(p.UserID)
		return &PurchaseResult{Account: acct, FromTier: acct.Tier, Duplicate: true}, nil
	}

	a := m.ensure(p.UserID, p.Seed)
	from := a.Tier
	prevPaid := a.PaidTokenBalance

	m.payments[p.PaymentRef] = payment{userID: p.UserID, tokens: p.Tokens}
	a.Tier = TierPaid
	a.PaidTokenBalance += p.Tokens
	a.GraceDeadline = nil
	a.LifetimePurchased += p.Tokens
	a.UpdatedAt = m.now()
	m.allowlist[p.UserID] = true

	ev := m.appendEvent(&TransitionEvent{
		UserID:             p.UserID,
		FromTier:           from,
		ToTier:             TierPaid,
		Reason:             ReasonPurchase,
		TokensAtTransition: prevPaid,
		PaymentRef:         p.PaymentRef,
	})
	return &PurchaseResult{Account: m.snapshot(p.UserID), FromTier: from, Event: ev}, nil
}

func (m *MemoryStore) StartGrace(ctx context.Context, userID string, deadline time.Time) (*GraceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Tier != TierPaid || a.PaidTokenBalance != 0 || a.GraceDeadline != nil {
		return &GraceResult{Account: m.snapshot(userID)}, nil
	}
	d := deadline
	a.GraceDeadline = &d
	a.UpdatedAt = m.now()
	ev := m.appendEvent(&TransitionEvent{
		UserID:   userID,
		FromTier: TierPaid,
		ToTier:   TierPaid,
		Reason:   ReasonDepletion,
	})
	return &GraceResult{Account: m.snapshot(userID), Started: true, Event: ev}, nil
}

func (m *MemoryStore) Downgrade(ctx context.Context, d Downgrade) (*DowngradeResult, error) {
	if !d.Reason.IsDowngrade() {
		return nil, ErrInvalidReason
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[d.UserID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Tier != TierPaid {
		return nil, ErrNoTransition
	}
	switch d.Reason {
	case ReasonGraceExpired:
		if a.GraceDeadline == nil || !a.GraceDeadline.Before(d.Now) {
			return nil, ErrNoTransition
		}
	case ReasonDepletion:
		if a.PaidTokenBalance != 0 {
			return nil, ErrNoTransition
		}
	}

	forfeited := a.PaidTokenBalance
	a.Tier = TierFree
	a.PaidTokenBalance = 0
	a.GraceDeadline = nil
	a.FreeTokenBalance = max(a.FreeTokenBalance, d.Seed.Daily)
	a.FreeTokenBalanceMonthly = max(a.FreeTokenBalanceMonthly, d.Seed.Monthly)
	a.UpdatedAt = m.now()
	delete(m.allowlist, d.UserID)

	ev := m.appendEvent(&TransitionEvent{
		UserID:             d.UserID,
		FromTier:           TierPaid,
		ToTier:             TierFree,
		Reason:             d.Reason,
		TokensAtTransition: forfeited,
	})
	return &DowngradeResult{Account: m.snapshot(d.UserID), Event: ev, Forfeited: forfeited}, nil
}

func (m *MemoryStore) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type due struct {
		id       string
		deadline time.Time
	}
	var expired []due
	for id, a := range m.accounts {
		if a.GraceDeadline != nil && a.GraceDeadline.Before(now) {
			expired = append(expired, due{id, *a.GraceDeadline})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].deadline.Equal(expired[j].deadline) {
			return expired[i].id < expired[j].id
		}
		return expired[i].deadline.Before(expired[j].deadline)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.id
	}
	return ids, nil
}

// ListTransitions returns events for userID, newest first.
func (m *MemoryStore) ListTransitions(ctx context.Context, userID string, limit int) ([]*TransitionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.transitions[userID]
	out := make([]*TransitionEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *events[i]
		out = append(out, &cp)
	}
	return out, nil
}
