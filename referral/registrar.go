package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/codegen"
	"github.com/warp/ledger-engine/ledger"
)

// RegisterParams provisions a ledger user. UserID may be uuid.Nil, in which
// case a new id is generated. ReferrerCode is the referral code the user
// signed up with, if any.
type RegisterParams struct {
	UserID       uuid.UUID
	ReferrerCode string
}

// Registrar creates users with zero balances and a unique referral code.
type Registrar struct {
	store ledger.TxStore
	codes *codegen.Generator
	opts  options
}

func NewRegistrar(store ledger.TxStore, codes *codegen.Generator, opts ...Option) *Registrar {
	return &Registrar{store: store, codes: codes, opts: buildOptions(opts)}
}

func (r *Registrar) Register(ctx context.Context, p RegisterParams) (ledger.User, error) {
	id := p.UserID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var referredBy *uuid.UUID
	if code := strings.ToUpper(strings.TrimSpace(p.ReferrerCode)); code != "" {
		referrer, err := r.store.GetUserByReferralCode(ctx, code)
		if err != nil {
			return ledger.User{}, fmt.Errorf("resolve referrer: %w", err)
		}
		if referrer.ID == id {
			return ledger.User{}, &ledger.ValidationError{Field: "referrer_code", Reason: "user cannot refer themselves"}
		}
		referredBy = &referrer.ID
	}

	user := ledger.NewUser(id, "", referredBy, r.opts.now())
	scope := codegen.StoreScope{Store: r.store, Scope: ledger.ScopeReferralCode}

	code, err := r.codes.Allocate(ctx, scope, func(ctx context.Context, code string) error {
		candidate := user
		candidate.ReferralCode = code
		return r.store.CreateUser(ctx, candidate)
	})
	if err != nil {
		if ledger.IsDuplicate(err, ledger.ScopeUserID) {
			return ledger.User{}, &ledger.ConflictError{Entity: "user", ID: id.String(), Reason: "already registered", Err: err}
		}
		if errors.Is(err, ledger.ErrUniquenessExhausted) {
			r.opts.logger.ErrorContext(ctx, "referral code space exhausted", "user_id", id, "error", err)
		}
		return ledger.User{}, fmt.Errorf("register user: %w", err)
	}
	user.ReferralCode = code

	attrs := []any{"user_id", id, "referral_code", code}
	if referredBy != nil {
		attrs = append(attrs, "referred_by", *referredBy)
	}
	r.opts.logger.InfoContext(ctx, "user registered", attrs...)
	return user, nil
}
