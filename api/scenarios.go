/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the ledger with the reference
  settlement and referral cases. Each load creates fresh users, so scenarios
  never collide with existing data and can be loaded repeatedly.

AVAILABLE SCENARIOS:
  debt-exceeds-sale:   Debt 100.00, sale 60.00  -> debt 40.00, credited 0.00
  sale-exceeds-debt:   Debt 40.00,  sale 100.00 -> debt 0.00,  credited 60.00
  no-debt:             Debt 0.00,   sale 75.50  -> credited 75.50
  referral-bonus:      Referrer 5.00 EUR, referee 2.50 EUR, paid once
  repeat-completion:   Completed sale receives a second completion request

HOW SCENARIOS WORK:
 1. Seed default settings if missing
 2. Register users through the registrar (real referral codes)
 3. Set opening debt directly on the seller's account
 4. Create the pending transaction through the engine
 5. With "run": complete it (or approve the referee)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sale-exceeds-debt", "run": true}

NOTE:
  Opening debt is the one balance written outside the engine. Only use in
  development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/referral"
	"github.com/warp/ledger-engine/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "debt-exceeds-sale",
		Name:        "Debt Exceeds Sale",
		Description: "Seller owes 100.00 X$ and sells for 60.00 X$; the whole sale amortizes debt",
		Category:    "settlement",
	},
	{
		ID:          "sale-exceeds-debt",
		Name:        "Sale Exceeds Debt",
		Description: "Seller owes 40.00 X$ and sells for 100.00 X$; 60.00 X$ becomes spendable",
		Category:    "settlement",
	},
	{
		ID:          "no-debt",
		Name:        "No Debt",
		Description: "Debt-free seller sells for 75.50 X$; the full amount becomes spendable",
		Category:    "settlement",
	},
	{
		ID:          "referral-bonus",
		Name:        "Referral Bonus",
		Description: "Referred user is approved; referrer gets 5.00 EUR, referee 2.50 EUR, exactly once",
		Category:    "referral",
	},
	{
		ID:          "repeat-completion",
		Name:        "Repeat Completion",
		Description: "Already completed sale is completed again; balances do not move",
		Category:    "settlement",
	},
}

type scenarioState struct {
	users       map[string]ledger.User
	transaction *ledger.Transaction
	settlement  *settlement.Settlement
	approval    *referral.Result
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario seeds a scenario and, if requested, runs it.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scenario, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	state, err := h.loadScenario(r.Context(), scenario.ID, req.Run)
	if err != nil {
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = scenario.ID
	h.mu.Unlock()

	h.Logger.InfoContext(r.Context(), "scenario loaded", "scenario", scenario.ID, "run", req.Run)
	writeJSON(w, http.StatusOK, state.toDTO(scenario))
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

func (h *Handler) loadScenario(ctx context.Context, id string, run bool) (*scenarioState, error) {
	if err := ledger.SeedDefaultSettings(ctx, h.Store); err != nil {
		return nil, fmt.Errorf("seed settings: %w", err)
	}

	var (
		state *scenarioState
		err   error
	)
	switch id {
	case "debt-exceeds-sale":
		state, err = h.loadSaleScenario(ctx, "100.00", "60.00", run)
	case "sale-exceeds-debt":
		state, err = h.loadSaleScenario(ctx, "40.00", "100.00", run)
	case "no-debt":
		state, err = h.loadSaleScenario(ctx, "0.00", "75.50", run)
	case "referral-bonus":
		state, err = h.loadReferralScenario(ctx, run)
	case "repeat-completion":
		state, err = h.loadRepeatCompletionScenario(ctx, run)
	default:
		return nil, &ledger.NotFoundError{Entity: "scenario", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return state, h.refreshUsers(ctx, state)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSaleScenario(ctx context.Context, debt, amount string, run bool) (*scenarioState, error) {
	buyer, err := h.Registrar.Register(ctx, referral.RegisterParams{})
	if err != nil {
		return nil, fmt.Errorf("register buyer: %w", err)
	}
	seller, err := h.registerWithDebt(ctx, debt)
	if err != nil {
		return nil, err
	}

	tx, err := h.Engine.CreateTransaction(ctx, settlement.CreateParams{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Amount:   ledger.MustParseAmount(amount, ledger.CurrencyXD),
	})
	if err != nil {
		return nil, err
	}

	state := &scenarioState{
		users:       map[string]ledger.User{"buyer": buyer, "seller": seller},
		transaction: &tx,
	}
	if run {
		if state.settlement, err = h.Engine.CompleteTransaction(ctx, tx.ID); err != nil {
			return nil, err
		}
		state.transaction = &state.settlement.Transaction
	}
	return state, nil
}

func (h *Handler) loadReferralScenario(ctx context.Context, run bool) (*scenarioState, error) {
	referrer, err := h.Registrar.Register(ctx, referral.RegisterParams{})
	if err != nil {
		return nil, fmt.Errorf("register referrer: %w", err)
	}
	referee, err := h.Registrar.Register(ctx, referral.RegisterParams{ReferrerCode: referrer.ReferralCode})
	if err != nil {
		return nil, fmt.Errorf("register referee: %w", err)
	}

	state := &scenarioState{users: map[string]ledger.User{"referrer": referrer, "referee": referee}}
	if run {
		if state.approval, err = h.Issuer.NotifyUserApproved(ctx, referee.ID); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// loadRepeatCompletionScenario settles once while seeding; running it sends
// the second completion request.
func (h *Handler) loadRepeatCompletionScenario(ctx context.Context, run bool) (*scenarioState, error) {
	state, err := h.loadSaleScenario(ctx, "40.00", "100.00", true)
	if err != nil {
		return nil, err
	}
	if run {
		if state.settlement, err = h.Engine.CompleteTransaction(ctx, state.transaction.ID); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (h *Handler) registerWithDebt(ctx context.Context, debt string) (ledger.User, error) {
	seller, err := h.Registrar.Register(ctx, referral.RegisterParams{})
	if err != nil {
		return ledger.User{}, fmt.Errorf("register seller: %w", err)
	}
	seller.Account.Debt = ledger.MustParseAmount(debt, ledger.CurrencyXD)
	if err := h.Store.UpdateAccount(ctx, seller.ID, seller.Account); err != nil {
		return ledger.User{}, fmt.Errorf("set opening debt: %w", err)
	}
	return seller, nil
}

func (h *Handler) refreshUsers(ctx context.Context, state *scenarioState) error {
	for role, u := range state.users {
		fresh, err := h.Store.GetUser(ctx, u.ID)
		if err != nil {
			return err
		}
		state.users[role] = fresh
	}
	return nil
}

func (s *scenarioState) toDTO(scenario ScenarioDTO) ScenarioResultDTO {
	dto := ScenarioResultDTO{
		Scenario: scenario,
		Users:    make(map[string]UserDTO, len(s.users)),
	}
	for role, u := range s.users {
		dto.Users[role] = toUserDTO(u)
	}
	if s.transaction != nil {
		tx := toTransactionDTO(*s.transaction)
		dto.Transaction = &tx
	}
	if s.settlement != nil {
		st := toSettlementDTO(s.settlement)
		dto.Settlement = &st
	}
	if s.approval != nil {
		ap := toApprovalDTO(s.approval)
		dto.Approval = &ap
	}
	return dto
}
