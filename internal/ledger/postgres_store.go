package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/tiergate/internal/idgen"
	"github.com/mbd888/tiergate/internal/retry"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// pq error codes the store reacts to.
const (
	pqCheckViolation       = "23514"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore implements Store backed by PostgreSQL. Each mutation runs in
// one transaction that locks the account row before touching it.
type PostgresStore struct {
	db       *sql.DB
	attempts int
	backoff  time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, attempts: 3, backoff: 20 * time.Millisecond}
}

// Migrate creates the ledger tables if they don't exist. Production
// deployments use cmd/migrate; this keeps dev and tests self-contained.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			user_id                    VARCHAR(128) PRIMARY KEY,
			tier                       VARCHAR(8) NOT NULL DEFAULT 'free',
			paid_token_balance         BIGINT NOT NULL DEFAULT 0,
			free_token_balance         BIGINT NOT NULL DEFAULT 0,
			free_token_balance_monthly BIGINT NOT NULL DEFAULT 0,
			grace_deadline             TIMESTAMPTZ,
			lifetime_purchased         BIGINT NOT NULL DEFAULT 0,
			lifetime_consumed          BIGINT NOT NULL DEFAULT 0,
			lifetime_refunded          BIGINT NOT NULL DEFAULT 0,
			created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_accounts_tier          CHECK (tier IN ('free', 'paid')),
			CONSTRAINT chk_accounts_paid_nonneg   CHECK (paid_token_balance >= 0),
			CONSTRAINT chk_accounts_free_nonneg   CHECK (free_token_balance >= 0),
			CONSTRAINT chk_accounts_month_nonneg  CHECK (free_token_balance_monthly >= 0),
			CONSTRAINT chk_accounts_free_tier     CHECK (tier = 'paid' OR (paid_token_balance = 0 AND grace_deadline IS NULL)),
			CONSTRAINT chk_accounts_grace_drained CHECK (grace_deadline IS NULL OR paid_token_balance = 0)
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_grace ON accounts(grace_deadline) WHERE grace_deadline IS NOT NULL;

		CREATE TABLE IF NOT EXISTS transition_events (
			id                   VARCHAR(36) PRIMARY KEY,
			user_id              VARCHAR(128) NOT NULL,
			from_tier            VARCHAR(8) NOT NULL,
			to_tier              VARCHAR(8) NOT NULL,
			reason               VARCHAR(16) NOT NULL,
			tokens_at_transition BIGINT NOT NULL DEFAULT 0,
			payment_ref          VARCHAR(255),
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transition_events_user ON transition_events(user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS payments (
			payment_ref VARCHAR(255) PRIMARY KEY,
			user_id     VARCHAR(128) NOT NULL,
			tokens      BIGINT NOT NULL CHECK (tokens > 0),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS premium_allowlist (
			user_id  VARCHAR(128) PRIMARY KEY REFERENCES accounts(user_id),
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

const accountColumns = `
	a.user_id, a.tier, a.paid_token_balance, a.free_token_balance, a.free_token_balance_monthly,
	a.grace_deadline,
	EXISTS (SELECT 1 FROM premium_allowlist pa WHERE pa.user_id = a.user_id),
	a.lifetime_purchased, a.lifetime_consumed, a.lifetime_refunded,
	a.created_at, a.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a     Account
		tier  string
		grace sql.NullTime
	)
	err := row.Scan(
		&a.UserID, &tier, &a.PaidTokenBalance, &a.FreeTokenBalance, &a.FreeTokenBalanceMonthly,
		&grace, &a.PremiumListed,
		&a.LifetimePurchased, &a.LifetimeConsumed, &a.LifetimeRefunded,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Tier = Tier(tier)
	if grace.Valid {
		t := grace.Time
		a.GraceDeadline = &t
	}
	return &a, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.user_id = $1`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, p.mapErr("get account", err)
	}
	return a, nil
}

func (p *PostgresStore) EnsureAccount(ctx context.Context, userID string, seed FreeAllowance) (*Account, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if err := ensureRow(ctx, p.db, userID, seed); err != nil {
		return nil, p.mapErr("ensure account", err)
	}
	return p.GetAccount(ctx, userID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureRow(ctx context.Context, db execer, userID string, seed FreeAllowance) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, tier, free_token_balance, free_token_balance_monthly)
		VALUES ($1, 'free', $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, seed.Daily, seed.Monthly)
	return err
}

func lockAccount(ctx context.Context, tx *sql.Tx, userID string) (*Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.user_id = $1 FOR UPDATE OF a`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *TransitionEvent) error {
	ev.ID = idgen.New()
	return tx.QueryRowContext(ctx, `
		INSERT INTO transition_events (id, user_id, from_tier, to_tier, reason, tokens_at_transition, payment_ref)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING created_at
	`, ev.ID, ev.UserID, string(ev.FromTier), string(ev.ToTier), string(ev.Reason),
		ev.TokensAtTransition, ev.PaymentRef,
	).Scan(&ev.CreatedAt)
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if err := validateDebit(req); err != nil {
		return nil, err
	}
	var out *DebitResult
	err := p.withTx(ctx, "debit", func(tx *sql.Tx) error {
		before, err := lockAccount(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if before.Balance(req.Currency) < req.Amount {
			return ErrInsufficientBalance
		}

		var n int64
		switch req.Currency {
		case CurrencyPaid:
			n, err = rowsAffected(tx.ExecContext(ctx, `
				UPDATE accounts SET
					paid_token_balance = paid_token_balance - $2,
					lifetime_consumed  = lifetime_consumed + $2,
					updated_at         = NOW()
				WHERE user_id = $1 AND paid_token_balance >= $2
			`, req.UserID, req.Amount))
		case CurrencyFree:
			fromDaily, fromMonthly := splitFree(before.FreeTokenBalance, req.Amount)
			n, err = rowsAffected(tx.ExecContext(ctx, `
				UPDATE accounts SET
					free_token_balance         = free_token_balance - $2,
					free_token_balance_monthly = free_token_balance_monthly - $3,
					lifetime_consumed          = lifetime_consumed + $4,
					updated_at                 = NOW()
				WHERE user_id = $1 AND free_token_balance >= $2 AND free_token_balance_monthly >= $3
			`, req.UserID, fromDaily, fromMonthly, req.Amount))
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInsufficientBalance
		}

		res := &DebitResult{Before: before}
		if req.Currency == CurrencyPaid && req.GraceDeadline != nil &&
			before.Tier == TierPaid && before.PaidTokenBalance == req.Amount && before.GraceDeadline == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE accounts SET grace_deadline = $2, updated_at = NOW()
				WHERE user_id = $1 AND tier = 'paid' AND paid_token_balance = 0 AND grace_deadline IS NULL
			`, req.UserID, *req.GraceDeadline); err != nil {
				return err
			}
			res.GraceStarted = true
			res.Event = &TransitionEvent{
				UserID:             req.UserID,
				FromTier:           TierPaid,
				ToTier:             TierPaid,
				Reason:             ReasonDepletion,
				TokensAtTransition: before.PaidTokenBalance,
			}
			if err := insertEvent(ctx, tx, res.Event); err != nil {
				return err
			}
		}

		if res.Account, err = lockAccount(ctx, tx, req.UserID); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if err := validateCredit(req); err != nil {
		return nil, err
	}
	var out *CreditResult
	err := p.withTx(ctx, "credit", func(tx *sql.Tx) error {
		before, err := lockAccount(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		res := &CreditResult{}

		switch req.Currency {
		case CurrencyPaid:
			_, err = tx.ExecContext(ctx, `
				UPDATE accounts SET
					tier               = 'paid',
					paid_token_balance = paid_token_balance + $2,
					grace_deadline     = NULL,
					lifetime_refunded  = lifetime_refunded + $2,
					updated_at         = NOW()
				WHERE user_id = $1
			`, req.UserID, req.Amount)
			if err != nil {
				return err
			}
			res.GraceCleared = before.GraceDeadline != nil
			if before.Tier == TierFree {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO premium_allowlist (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
				`, req.UserID); err != nil {
					return err
				}
				res.ReenteredPaid = true
				res.Event = &TransitionEvent{
					UserID:             req.UserID,
					FromTier:           TierFree,
					ToTier:             TierPaid,
					Reason:             ReasonRefund,
					TokensAtTransition: before.PaidTokenBalance,
				}
				if err := insertEvent(ctx, tx, res.Event); err != nil {
					return err
				}
			}
		case CurrencyFree:
			toDaily, toMonthly := splitFreeRefund(before.FreeTokenBalanceMonthly, req.Seed.Monthly, req.Amount)
			_, err = tx.ExecContext(ctx, `
				UPDATE accounts SET
					free_token_balance         = free_token_balance + $2,
					free_token_balance_monthly = free_token_balance_monthly + $3,
					lifetime_refunded          = lifetime_refunded + $4,
					updated_at                 = NOW()
				WHERE user_id = $1
			`, req.UserID, toDaily, toMonthly, req.Amount)
			if err != nil {
				return err
			}
		}

		if res.Account, err = lockAccount(ctx, tx, req.UserID); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) ApplyPurchase(ctx context.Context, pur Purchase) (*PurchaseResult, error) {
	if err := validatePurchase(pur); err != nil {
		return nil, err
	}
	var out *PurchaseResult
	err := p.withTx(ctx, "apply purchase", func(tx *sql.Tx) error {
		if err := ensureRow(ctx, tx, pur.UserID, pur.Seed); err != nil {
			return err
		}
		before, err := lockAccount(ctx, tx, pur.UserID)
		if err != nil {
			return err
		}

		n, err := rowsAffected(tx.ExecContext(ctx, `
			INSERT INTO payments (payment_ref, user_id, tokens) VALUES ($1, $2, $3)
			ON CONFLICT (payment_ref) DO NOTHING
		`, pur.PaymentRef, pur.UserID, pur.Tokens))
		if err != nil {
			return err
		}
		if n == 0 {
			var (
				prevUser   string
				prevTokens int64
			)
			if err := tx.QueryRowContext(ctx, `
				SELECT user_id, tokens FROM payments WHERE payment_ref = $1
			`, pur.PaymentRef).Scan(&prevUser, &prevTokens); err != nil {
				return err
			}
			if prevUser != pur.UserID || prevTokens != pur.Tokens {
				return ErrPaymentConflict
			}
			out = &PurchaseResult{Account: before, FromTier: before.Tier, Duplicate: true}
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				tier               = 'paid',
				paid_token_balance = paid_token_balance + $2,
				grace_deadline     = NULL,
				lifetime_purchased = lifetime_purchased + $2,
				updated_at         = NOW()
			WHERE user_id = $1
		`, pur.UserID, pur.Tokens); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO premium_allowlist (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
		`, pur.UserID); err != nil {
			return err
		}

		ev := &TransitionEvent{
			UserID:             pur.UserID,
			FromTier:           before.Tier,
			ToTier:             TierPaid,
			Reason:             ReasonPurchase,
			TokensAtTransition: before.PaidTokenBalance,
			PaymentRef:         pur.PaymentRef,
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		after, err := lockAccount(ctx, tx, pur.UserID)
		if err != nil {
			return err
		}
		out = &PurchaseResult{Account: after, FromTier: before.Tier, Event: ev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) StartGrace(ctx context.Context, userID string, deadline time.Time) (*GraceResult, error) {
	var out *GraceResult
	err := p.withTx(ctx, "start grace", func(tx *sql.Tx) error {
		a, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if a.Tier != TierPaid || a.PaidTokenBalance != 0 || a.GraceDeadline != nil {
			out = &GraceResult{Account: a}
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET grace_deadline = $2, updated_at = NOW() WHERE user_id = $1
		`, userID, deadline); err != nil {
			return err
		}
		ev := &TransitionEvent{UserID: userID, FromTier: TierPaid, ToTier: TierPaid, Reason: ReasonDepletion}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		after, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		out = &GraceResult{Account: after, Started: true, Event: ev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Downgrade(ctx context.Context, d Downgrade) (*DowngradeResult, error) {
	if !d.Reason.IsDowngrade() {
		return nil, ErrInvalidReason
	}
	var out *DowngradeResult
	err := p.withTx(ctx, "downgrade", func(tx *sql.Tx) error {
		a, err := lockAccount(ctx, tx, d.UserID)
		if err != nil {
			return err
		}
		if a.Tier != TierPaid {
			return ErrNoTransition
		}
		switch d.Reason {
		case ReasonGraceExpired:
			if a.GraceDeadline == nil || !a.GraceDeadline.Before(d.Now) {
				return ErrNoTransition
			}
		case ReasonDepletion:
			if a.PaidTokenBalance != 0 {
				return ErrNoTransition
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				tier                       = 'free',
				paid_token_balance         = 0,
				grace_deadline             = NULL,
				free_token_balance         = GREATEST(free_token_balance, $2),
				free_token_balance_monthly = GREATEST(free_token_balance_monthly, $3),
				updated_at                 = NOW()
			WHERE user_id = $1 AND tier = 'paid'
		`, d.UserID, d.Seed.Daily, d.Seed.Monthly); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM premium_allowlist WHERE user_id = $1`, d.UserID); err != nil {
			return err
		}
		ev := &TransitionEvent{
			UserID:             d.UserID,
			FromTier:           TierPaid,
			ToTier:             TierFree,
			Reason:             d.Reason,
			TokensAtTransition: a.PaidTokenBalance,
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		after, err := lockAccount(ctx, tx, d.UserID)
		if err != nil {
			return err
		}
		out = &DowngradeResult{Account: after, Event: ev, Forfeited: a.PaidTokenBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id FROM accounts
		WHERE grace_deadline IS NOT NULL AND grace_deadline < $1
		ORDER BY grace_deadline, user_id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, p.mapErr("list grace expired", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, p.mapErr("scan grace expired", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, p.mapErr("list grace expired", err)
	}
	return ids, nil
}

// ListTransitions returns events for userID, newest first.
func (p *PostgresStore) ListTransitions(ctx context.Context, userID string, limit int) ([]*TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, from_tier, to_tier, reason, tokens_at_transition, COALESCE(payment_ref, ''), created_at
		FROM transition_events
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, p.mapErr("list transitions", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*TransitionEvent
	for rows.Next() {
		var (
			ev               TransitionEvent
			from, to, reason string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &from, &to, &reason, &ev.TokensAtTransition, &ev.PaymentRef, &ev.CreatedAt); err != nil {
			return nil, p.mapErr("scan transition", err)
		}
		ev.FromTier, ev.ToTier, ev.Reason = Tier(from), Tier(to), Reason(reason)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, p.mapErr("list transitions", err)
	}
	return events, nil
}

// withTx runs fn in a transaction, retrying serialization failures and
// deadlocks. fn must not retain state across attempts.
func (p *PostgresStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := retry.DoIf(ctx, p.attempts, p.backoff, isRetryable, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	return p.mapErr(op, err)
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}
	return false
}

var domainErrors = []error{
	ErrAccountNotFound, ErrInsufficientBalance, ErrPaymentConflict, ErrNoTransition,
	ErrInvalidAmount, ErrInvalidCurrency, ErrInvalidReason, ErrInvalidUserID, ErrInvalidPaymentRef,
}

// mapErr passes domain errors through, turns CHECK violations into
// ErrInsufficientBalance and wraps everything else in ErrStoreUnavailable.
func (p *PostgresStore) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return err
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
		return ErrInsufficientBalance
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
