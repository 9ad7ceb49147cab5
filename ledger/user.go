package ledger

import (
	"time"

	"github.com/google/uuid"
)

// User is the ledger's view of a marketplace user: the referral
// relationship plus the account balances.
type User struct {
	ID           uuid.UUID
	ReferralCode string
	ReferredBy   *uuid.UUID

	// ReferralBonusPaid flips false -> true exactly once, through
	// UserStore.MarkReferralBonusPaid.
	ReferralBonusPaid bool

	Account   Account
	CreatedAt time.Time
}

// NewUser returns a user with an all-zero account.
func NewUser(id uuid.UUID, referralCode string, referredBy *uuid.UUID, now time.Time) User {
	return User{
		ID:           id,
		ReferralCode: referralCode,
		ReferredBy:   referredBy,
		Account:      NewAccount(),
		CreatedAt:    now,
	}
}

func (u User) Validate() error {
	if u.ID == uuid.Nil {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if u.ReferralCode == "" {
		return &ValidationError{Field: "referral_code", Reason: "required"}
	}
	if u.ReferredBy != nil && *u.ReferredBy == u.ID {
		return &ValidationError{Field: "referred_by", Reason: "user cannot refer themselves"}
	}
	return u.Account.Validate()
}
