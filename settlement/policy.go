package settlement

import (
	"fmt"
	"strings"

	"github.com/warp/ledger-engine/ledger"
)

// BuyerDebitPolicy decides whether settlement also debits the buyer.
type BuyerDebitPolicy string

const (
	// BuyerDebitNone leaves the buyer's balance alone at settlement. The
	// buyer is assumed to have been charged when the transaction was created.
	BuyerDebitNone BuyerDebitPolicy = "none"

	// BuyerDebitOnSettlement debits the buyer's spendable balance by the
	// sale amount in the same unit of work that credits the seller.
	BuyerDebitOnSettlement BuyerDebitPolicy = "settlement"
)

// ParseBuyerDebitPolicy accepts "none" or "settlement". Empty means none.
func ParseBuyerDebitPolicy(s string) (BuyerDebitPolicy, error) {
	switch BuyerDebitPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", BuyerDebitNone:
		return BuyerDebitNone, nil
	case BuyerDebitOnSettlement:
		return BuyerDebitOnSettlement, nil
	}
	return "", &ledger.ValidationError{Field: "buyer_debit", Reason: fmt.Sprintf("unknown policy %q", s)}
}
