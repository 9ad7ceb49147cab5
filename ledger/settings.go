package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Setting keys in the system configuration store.
const (
	SettingReferrerBonus  = "referrer_bonus"
	SettingRefereeBonus   = "referee_bonus"
	SettingCommissionRate = "commission_rate"
)

// DefaultSettings are seeded when a store starts empty.
var DefaultSettings = map[string]string{
	SettingReferrerBonus:  "5.00",
	SettingRefereeBonus:   "2.50",
	SettingCommissionRate: "0.05",
}

// SeedDefaultSettings writes every default whose key is missing. Existing
// values are left alone.
func SeedDefaultSettings(ctx context.Context, s SettingsStore) error {
	for key, value := range DefaultSettings {
		_, err := s.GetSetting(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("read setting %s: %w", key, err)
		}
		if err := s.PutSetting(ctx, key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

// ReferralBonuses are the configured one-time bonus amounts, in EUR.
type ReferralBonuses struct {
	Referrer Amount
	Referee  Amount
}

func LoadReferralBonuses(ctx context.Context, s SettingsStore) (ReferralBonuses, error) {
	referrer, err := loadBonus(ctx, s, SettingReferrerBonus)
	if err != nil {
		return ReferralBonuses{}, err
	}
	referee, err := loadBonus(ctx, s, SettingRefereeBonus)
	if err != nil {
		return ReferralBonuses{}, err
	}
	return ReferralBonuses{Referrer: referrer, Referee: referee}, nil
}

func loadBonus(ctx context.Context, s SettingsStore, key string) (Amount, error) {
	raw, err := s.GetSetting(ctx, key)
	if err != nil {
		return Amount{}, fmt.Errorf("read setting %s: %w", key, err)
	}
	a, err := ParseAmount(raw, CurrencyEUR)
	if err != nil {
		return Amount{}, fmt.Errorf("setting %s: %w", key, err)
	}
	if a.IsNegative() {
		return Amount{}, &ValidationError{Field: key, Reason: "must not be negative"}
	}
	return a, nil
}

// LoadCommissionRate returns the platform fee as a fraction in [0, 1].
func LoadCommissionRate(ctx context.Context, s SettingsStore) (decimal.Decimal, error) {
	raw, err := s.GetSetting(ctx, SettingCommissionRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read setting %s: %w", SettingCommissionRate, err)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: SettingCommissionRate, Reason: fmt.Sprintf("not a decimal: %q", raw)}
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, &ValidationError{Field: SettingCommissionRate, Reason: "must be between 0 and 1"}
	}
	return rate, nil
}

// Commission applies rate to amount, rounded half away from zero to Scale.
func Commission(amount Amount, rate decimal.Decimal) Amount {
	return Amount{Value: amount.Value.Mul(rate).Round(Scale), Currency: amount.Currency}
}
