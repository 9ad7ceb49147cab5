/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Money crosses the wire
  as fixed two-decimal strings ("60.00"), never as floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the ledger types the handlers build from requests,
  not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/referral"
	"github.com/warp/ledger-engine/settlement"
)

// =============================================================================
// USERS
// =============================================================================

type RegisterUserRequest struct {
	ID           string `json:"id,omitempty"`
	ReferrerCode string `json:"referrer_code,omitempty"`
}

type UserDTO struct {
	ID                string     `json:"id"`
	ReferralCode      string     `json:"referral_code"`
	ReferredBy        *string    `json:"referred_by,omitempty"`
	ReferralBonusPaid bool       `json:"referral_bonus_paid"`
	Account           AccountDTO `json:"account"`
	CreatedAt         string     `json:"created_at"`
}

type AccountDTO struct {
	SpendableBalance string `json:"spendable_balance"`
	BonusBalance     string `json:"bonus_balance"`
	OutstandingDebt  string `json:"outstanding_debt"`
}

type MovementDTO struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Balance        string `json:"balance"`
	Delta          string `json:"delta"`
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedAt      string `json:"created_at"`
}

type ApprovalDTO struct {
	UserID        string  `json:"user_id"`
	ReferrerID    *string `json:"referrer_id,omitempty"`
	Outcome       string  `json:"outcome"`
	ReferrerBonus string  `json:"referrer_bonus,omitempty"`
	RefereeBonus  string  `json:"referee_bonus,omitempty"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type CreateTransactionRequest struct {
	BuyerID    string  `json:"buyer_id"`
	SellerID   string  `json:"seller_id"`
	ListingRef *string `json:"listing_ref,omitempty"`
	Amount     string  `json:"amount"`
	Commission *string `json:"commission,omitempty"`
}

type TransactionDTO struct {
	ID          string  `json:"id"`
	BuyerID     string  `json:"buyer_id"`
	SellerID    string  `json:"seller_id"`
	ListingRef  *string `json:"listing_ref,omitempty"`
	Amount      string  `json:"amount"`
	Commission  string  `json:"commission"`
	Voucher     string  `json:"voucher"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	CancelledAt *string `json:"cancelled_at,omitempty"`
}

type SettlementDTO struct {
	Transaction  TransactionDTO `json:"transaction"`
	Outcome      string         `json:"outcome"`
	Amortized    string         `json:"amortized"`
	Credited     string         `json:"credited"`
	BuyerDebited string         `json:"buyer_debited"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"` // "settlement" or "referral"
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
	// Run performs the scenario's completion or approval after seeding.
	Run bool `json:"run"`
}

type ScenarioResultDTO struct {
	Scenario    ScenarioDTO        `json:"scenario"`
	Users       map[string]UserDTO `json:"users"`
	Transaction *TransactionDTO    `json:"transaction,omitempty"`
	Settlement  *SettlementDTO     `json:"settlement,omitempty"`
	Approval    *ApprovalDTO       `json:"approval,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toUserDTO(u ledger.User) UserDTO {
	dto := UserDTO{
		ID:                u.ID.String(),
		ReferralCode:      u.ReferralCode,
		ReferralBonusPaid: u.ReferralBonusPaid,
		Account:           toAccountDTO(u.Account),
		CreatedAt:         u.CreatedAt.Format(time.RFC3339),
	}
	if u.ReferredBy != nil {
		ref := u.ReferredBy.String()
		dto.ReferredBy = &ref
	}
	return dto
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		SpendableBalance: a.Spendable.Fixed(),
		BonusBalance:     a.Bonus.Fixed(),
		OutstandingDebt:  a.Debt.Fixed(),
	}
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{
		ID:             m.ID.String(),
		Kind:           string(m.Kind),
		Balance:        string(m.Kind.Balance()),
		Delta:          m.Delta.Fixed(),
		Currency:       string(m.Delta.Currency),
		Reference:      m.Reference,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:          t.ID.String(),
		BuyerID:     t.BuyerID.String(),
		SellerID:    t.SellerID.String(),
		Amount:      t.Amount.Fixed(),
		Commission:  t.Commission.Fixed(),
		Voucher:     t.Voucher,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		CompletedAt: timePtr(t.CompletedAt),
		CancelledAt: timePtr(t.CancelledAt),
	}
	if t.ListingRef != nil {
		ref := t.ListingRef.String()
		dto.ListingRef = &ref
	}
	return dto
}

func toSettlementDTO(s *settlement.Settlement) SettlementDTO {
	dto := SettlementDTO{
		Transaction:  toTransactionDTO(s.Transaction),
		Outcome:      string(s.Outcome),
		Amortized:    ledger.Zero(ledger.CurrencyXD).Fixed(),
		Credited:     ledger.Zero(ledger.CurrencyXD).Fixed(),
		BuyerDebited: ledger.Zero(ledger.CurrencyXD).Fixed(),
	}
	if s.Outcome == settlement.OutcomeSettled {
		dto.Amortized = s.Split.Amortized.Fixed()
		dto.Credited = s.Split.Credited.Fixed()
		dto.BuyerDebited = s.BuyerDebited.Fixed()
	}
	return dto
}

func toApprovalDTO(r *referral.Result) ApprovalDTO {
	dto := ApprovalDTO{
		UserID:  r.UserID.String(),
		Outcome: string(r.Outcome),
	}
	if r.ReferrerID != nil {
		ref := r.ReferrerID.String()
		dto.ReferrerID = &ref
	}
	if r.Outcome == referral.OutcomePaid {
		dto.ReferrerBonus = r.Bonuses.Referrer.Fixed()
		dto.RefereeBonus = r.Bonuses.Referee.Fixed()
	}
	return dto
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
