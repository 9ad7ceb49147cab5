/*
Package referral pays one-time referral bonuses and provisions referred users.

BONUS RULE:
  When a user is approved and was referred by someone, the referrer's bonus
  balance grows by referrer_bonus and the user's by referee_bonus, both EUR,
  and the user's referral_bonus_paid flag flips to true. All three writes
  commit together or not at all.

IDEMPOTENCE:
  The flag is flipped with a compare-and-set inside the unit of work, after
  the user and referrer rows are locked. A second notification, concurrent
  or not, finds the flag set and returns OutcomeAlreadyPaid without touching
  any balance. The journal's unique idempotency keys are a second backstop.

USERS WITHOUT A REFERRER:
  NoReferrerMarkPaid (default) flips the flag anyway: approval is the one
  triggering event and nothing is owed. NoReferrerLeaveEligible leaves the
  flag false so a referrer linked later could still be paid.
*/
package referral

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

type NoReferrerPolicy string

const (
	NoReferrerMarkPaid      NoReferrerPolicy = "mark_paid"
	NoReferrerLeaveEligible NoReferrerPolicy = "leave_eligible"
)

func ParseNoReferrerPolicy(s string) (NoReferrerPolicy, error) {
	switch NoReferrerPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NoReferrerMarkPaid:
		return NoReferrerMarkPaid, nil
	case NoReferrerLeaveEligible:
		return NoReferrerLeaveEligible, nil
	}
	return "", &ledger.ValidationError{Field: "no_referrer_policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

type options struct {
	noReferrer NoReferrerPolicy
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*options)

func WithNoReferrerPolicy(p NoReferrerPolicy) Option {
	return func(o *options) { o.noReferrer = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		noReferrer: NoReferrerMarkPaid,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// ISSUER
// =============================================================================

type Outcome string

const (
	OutcomePaid        Outcome = "paid"
	OutcomeAlreadyPaid Outcome = "already_paid"
	OutcomeNoReferrer  Outcome = "no_referrer"
)

type Result struct {
	UserID     uuid.UUID
	ReferrerID *uuid.UUID
	Outcome    Outcome

	// Zero unless Outcome is OutcomePaid.
	Bonuses ledger.ReferralBonuses
}

type Issuer struct {
	store ledger.TxStore
	opts  options
}

func NewIssuer(store ledger.TxStore, opts ...Option) *Issuer {
	return &Issuer{store: store, opts: buildOptions(opts)}
}

// NotifyUserApproved issues the referral bonus for userID at most once.
// It is safe to call any number of times, concurrently.
func (i *Issuer) NotifyUserApproved(ctx context.Context, userID uuid.UUID) (*Result, error) {
	var result *Result

	err := i.store.WithTx(ctx, func(s ledger.Store) error {
		u, err := s.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.ReferralBonusPaid {
			result = &Result{UserID: userID, ReferrerID: u.ReferredBy, Outcome: OutcomeAlreadyPaid}
			return nil
		}

		if u.ReferredBy == nil {
			result, err = i.closeWithoutReferrer(ctx, s, userID)
			return err
		}
		if *u.ReferredBy == userID {
			return &ledger.ValidationError{Field: "referred_by", Reason: "user cannot refer themselves"}
		}

		result, err = i.pay(ctx, s, userID, *u.ReferredBy)
		return err
	})

	i.record(ctx, userID, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (i *Issuer) closeWithoutReferrer(ctx context.Context, s ledger.Store, userID uuid.UUID) (*Result, error) {
	if i.opts.noReferrer == NoReferrerLeaveEligible {
		return &Result{UserID: userID, Outcome: OutcomeNoReferrer}, nil
	}
	ok, err := s.MarkReferralBonusPaid(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{UserID: userID, Outcome: OutcomeAlreadyPaid}, nil
	}
	return &Result{UserID: userID, Outcome: OutcomeNoReferrer}, nil
}

func (i *Issuer) pay(ctx context.Context, s ledger.Store, userID, referrerID uuid.UUID) (*Result, error) {
	locked, err := s.LockUsers(ctx, userID, referrerID)
	if err != nil {
		return nil, err
	}
	user, referrer := locked[userID], locked[referrerID]
	if user.ReferralBonusPaid {
		return &Result{UserID: userID, ReferrerID: &referrerID, Outcome: OutcomeAlreadyPaid}, nil
	}

	bonuses, err := ledger.LoadReferralBonuses(ctx, s)
	if err != nil {
		return nil, err
	}

	ok, err := s.MarkReferralBonusPaid(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{UserID: userID, ReferrerID: &referrerID, Outcome: OutcomeAlreadyPaid}, nil
	}

	referrerAcc, err := referrer.Account.CreditBonus(bonuses.Referrer)
	if err != nil {
		return nil, fmt.Errorf("credit referrer %s: %w", referrerID, err)
	}
	userAcc, err := user.Account.CreditBonus(bonuses.Referee)
	if err != nil {
		return nil, fmt.Errorf("credit referee %s: %w", userID, err)
	}
	if err := s.UpdateAccount(ctx, referrerID, referrerAcc); err != nil {
		return nil, err
	}
	if err := s.UpdateAccount(ctx, userID, userAcc); err != nil {
		return nil, err
	}

	now := i.opts.now()
	ref := userID.String()
	var movements []ledger.Movement
	if bonuses.Referrer.IsPositive() {
		movements = append(movements, ledger.NewMovement(referrerID, ledger.MovementReferrerBonus, bonuses.Referrer, ref, now))
	}
	if bonuses.Referee.IsPositive() {
		movements = append(movements, ledger.NewMovement(userID, ledger.MovementRefereeBonus, bonuses.Referee, ref, now))
	}
	if len(movements) > 0 {
		if err := s.AppendMovements(ctx, movements); err != nil {
			return nil, fmt.Errorf("journal referral bonus %s: %w", userID, err)
		}
	}

	return &Result{UserID: userID, ReferrerID: &referrerID, Outcome: OutcomePaid, Bonuses: bonuses}, nil
}

func (i *Issuer) record(ctx context.Context, userID uuid.UUID, result *Result, err error) {
	log := i.opts.logger
	switch {
	case err == nil:
		metrics.ReferralBonuses.WithLabelValues(string(result.Outcome)).Inc()
		attrs := []any{"user_id", userID, "outcome", result.Outcome}
		if result.Outcome == OutcomePaid {
			attrs = append(attrs,
				"referrer_id", *result.ReferrerID,
				"referrer_bonus", result.Bonuses.Referrer.Fixed(),
				"referee_bonus", result.Bonuses.Referee.Fixed(),
			)
		}
		log.InfoContext(ctx, "user approval processed", attrs...)

	case ledger.IsClientError(err) || ledger.IsNotFound(err):
		metrics.ReferralBonuses.WithLabelValues("rejected").Inc()
		log.WarnContext(ctx, "referral bonus rejected", "user_id", userID, "error", err)

	default:
		metrics.ReferralBonuses.WithLabelValues("failed").Inc()
		log.ErrorContext(ctx, "referral bonus failed", "user_id", userID, "error", err)
	}
}
