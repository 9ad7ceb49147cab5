/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Registration with and without a referrer code
- Transaction create / complete / cancel round trips
- Error kind to status code mapping
- Approval idempotence over HTTP
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/codegen"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/referral"
	"github.com/warp/ledger-engine/settlement"
)

type testServer struct {
	*httptest.Server
	handler *Handler
	store   ledger.TxStore
}

func setupTestServer(t *testing.T, opts ...settlement.Option) *testServer {
	t.Helper()
	ctx := context.Background()

	mem := store.NewTxMemory()
	require.NoError(t, ledger.SeedDefaultSettings(ctx, mem))

	codes, err := codegen.New(codegen.AlphabetUpperAlnum, codegen.DefaultLength)
	require.NoError(t, err)
	vouchers, err := codegen.New(codegen.AlphabetUpperAlnum, 10)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append(opts, settlement.WithLogger(logger))

	h := NewHandler(
		mem,
		settlement.NewEngine(mem, vouchers, opts...),
		referral.NewIssuer(mem, referral.WithLogger(logger)),
		referral.NewRegistrar(mem, codes, referral.WithLogger(logger)),
		logger,
	)
	srv := httptest.NewServer(NewRouter(h, RouterOptions{Metrics: http.NotFoundHandler()}))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, handler: h, store: mem}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) register(t *testing.T, referrerCode string) UserDTO {
	t.Helper()
	var u UserDTO
	status := s.do(t, http.MethodPost, "/api/users", RegisterUserRequest{ReferrerCode: referrerCode}, &u)
	require.Equal(t, http.StatusCreated, status)
	return u
}

func (s *testServer) setDebt(t *testing.T, userID, debt string) {
	t.Helper()
	ctx := context.Background()
	u, err := s.store.GetUser(ctx, uuid.MustParse(userID))
	require.NoError(t, err)
	u.Account.Debt = ledger.MustParseAmount(debt, ledger.CurrencyXD)
	require.NoError(t, s.store.UpdateAccount(ctx, u.ID, u.Account))
}

func (s *testServer) account(t *testing.T, userID string) AccountDTO {
	t.Helper()
	var acc AccountDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/users/"+userID+"/account", nil, &acc))
	return acc
}

func TestRegisterUser(t *testing.T) {
	srv := setupTestServer(t)

	referrer := srv.register(t, "")
	assert.Len(t, referrer.ReferralCode, codegen.DefaultLength)
	assert.Nil(t, referrer.ReferredBy)
	assert.Equal(t, AccountDTO{"0.00", "0.00", "0.00"}, referrer.Account)

	referee := srv.register(t, referrer.ReferralCode)
	require.NotNil(t, referee.ReferredBy)
	assert.Equal(t, referrer.ID, *referee.ReferredBy)
	assert.NotEqual(t, referrer.ReferralCode, referee.ReferralCode)
}

func TestRegisterUser_Errors(t *testing.T) {
	srv := setupTestServer(t)
	existing := srv.register(t, "")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unknown referrer code", RegisterUserRequest{ReferrerCode: "NOPE0000"}, http.StatusNotFound, "not_found"},
		{"bad id", RegisterUserRequest{ID: "not-a-uuid"}, http.StatusBadRequest, "validation"},
		{"duplicate id", RegisterUserRequest{ID: existing.ID}, http.StatusConflict, "conflict"},
		{"unknown field", map[string]string{"name": "x"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			status := srv.do(t, http.MethodPost, "/api/users", tt.body, &resp)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestTransactionLifecycle_SaleExceedsDebt(t *testing.T) {
	// GIVEN: A seller owing 40.00 X$ and a pending 100.00 X$ sale
	// WHEN: The sale is completed twice
	// THEN: Debt is cleared, 60.00 is spendable, the second call changes nothing

	srv := setupTestServer(t)
	buyer := srv.register(t, "")
	seller := srv.register(t, "")
	srv.setDebt(t, seller.ID, "40.00")

	var tx TransactionDTO
	status := srv.do(t, http.MethodPost, "/api/transactions", CreateTransactionRequest{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Amount:   "100.00",
	}, &tx)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", tx.Status)
	assert.Equal(t, "5.00", tx.Commission, "default commission_rate is 0.05")
	assert.NotEmpty(t, tx.Voucher)

	var first SettlementDTO
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/complete", nil, &first))
	assert.Equal(t, "settled", first.Outcome)
	assert.Equal(t, "40.00", first.Amortized)
	assert.Equal(t, "60.00", first.Credited)
	assert.Equal(t, "completed", first.Transaction.Status)
	assert.NotNil(t, first.Transaction.CompletedAt)

	assert.Equal(t, AccountDTO{"60.00", "0.00", "0.00"}, srv.account(t, seller.ID))

	var second SettlementDTO
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/complete", nil, &second))
	assert.Equal(t, "already_settled", second.Outcome)
	assert.Equal(t, AccountDTO{"60.00", "0.00", "0.00"}, srv.account(t, seller.ID))

	var movements []MovementDTO
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/users/"+seller.ID+"/movements", nil, &movements))
	require.Len(t, movements, 2)
	assert.Equal(t, "debt_amortization", movements[0].Kind)
	assert.Equal(t, "-40.00", movements[0].Delta)
	assert.Equal(t, "sale_proceeds", movements[1].Kind)
	assert.Equal(t, "60.00", movements[1].Delta)

	var resp ErrorResponse
	status = srv.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/cancel", nil, &resp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_settled", resp.Code)
}

func TestCancelTransaction(t *testing.T) {
	srv := setupTestServer(t)
	buyer := srv.register(t, "")
	seller := srv.register(t, "")

	var tx TransactionDTO
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/api/transactions", CreateTransactionRequest{
		BuyerID: buyer.ID, SellerID: seller.ID, Amount: "10.00",
	}, &tx))

	var cancelled TransactionDTO
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/cancel", nil, &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	var resp ErrorResponse
	assert.Equal(t, http.StatusConflict, srv.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/complete", nil, &resp))
	assert.Equal(t, "conflict", resp.Code)
	assert.Equal(t, AccountDTO{"0.00", "0.00", "0.00"}, srv.account(t, seller.ID))
}

func TestCreateTransaction_Validation(t *testing.T) {
	srv := setupTestServer(t)
	buyer := srv.register(t, "")
	seller := srv.register(t, "")

	tests := []struct {
		name   string
		req    CreateTransactionRequest
		status int
	}{
		{"self dealing", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: buyer.ID, Amount: "10.00"}, http.StatusBadRequest},
		{"zero amount", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: seller.ID, Amount: "0.00"}, http.StatusBadRequest},
		{"negative amount", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: seller.ID, Amount: "-5.00"}, http.StatusBadRequest},
		{"three decimals", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: seller.ID, Amount: "10.005"}, http.StatusBadRequest},
		{"not a number", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: seller.ID, Amount: "ten"}, http.StatusBadRequest},
		{"above maximum", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: seller.ID, Amount: "1e20"}, http.StatusBadRequest},
		{"huge exponent", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: seller.ID, Amount: "1e50000000"}, http.StatusBadRequest},
		{"bad buyer id", CreateTransactionRequest{BuyerID: "x", SellerID: seller.ID, Amount: "10.00"}, http.StatusBadRequest},
		{"unknown seller", CreateTransactionRequest{BuyerID: buyer.ID, SellerID: uuid.NewString(), Amount: "10.00"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := srv.do(t, http.MethodPost, "/api/transactions", tt.req, nil)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestCompleteTransaction_NotFound(t *testing.T) {
	srv := setupTestServer(t)

	var resp ErrorResponse
	status := srv.do(t, http.MethodPost, "/api/transactions/"+uuid.NewString()+"/complete", nil, &resp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", resp.Code)

	status = srv.do(t, http.MethodGet, "/api/transactions/not-a-uuid", nil, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCompleteTransaction_BuyerDebitInsufficient(t *testing.T) {
	srv := setupTestServer(t, settlement.WithBuyerDebitPolicy(settlement.BuyerDebitOnSettlement))
	buyer := srv.register(t, "")
	seller := srv.register(t, "")

	var tx TransactionDTO
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/api/transactions", CreateTransactionRequest{
		BuyerID: buyer.ID, SellerID: seller.ID, Amount: "25.00",
	}, &tx))

	var resp ErrorResponse
	status := srv.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/complete", nil, &resp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "insufficient_balance", resp.Code)

	var got TransactionDTO
	require.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/transactions/"+tx.ID, nil, &got))
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, AccountDTO{"0.00", "0.00", "0.00"}, srv.account(t, seller.ID))
}

func TestApproveUser_PaysOnce(t *testing.T) {
	srv := setupTestServer(t)
	referrer := srv.register(t, "")
	referee := srv.register(t, referrer.ReferralCode)

	for i, want := range []string{"paid", "already_paid", "already_paid"} {
		var approval ApprovalDTO
		require.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/users/"+referee.ID+"/approve", nil, &approval))
		assert.Equal(t, want, approval.Outcome, fmt.Sprintf("call %d", i+1))
	}

	assert.Equal(t, "5.00", srv.account(t, referrer.ID).BonusBalance)
	assert.Equal(t, "2.50", srv.account(t, referee.ID).BonusBalance)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&ledger.ValidationError{Field: "amount"}, http.StatusBadRequest},
		{&ledger.NotFoundError{Entity: "user"}, http.StatusNotFound},
		{&ledger.ConflictError{Entity: "transaction"}, http.StatusConflict},
		{&ledger.InsufficientBalanceError{}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", ledger.ErrConcurrentModification), http.StatusConflict},
		{&ledger.UniquenessExhaustedError{Scope: ledger.ScopeVoucher}, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
	}
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/healthz", nil, nil))
}
