package codegen

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

// setScope is an in-memory scope that records every code it has seen.
type setScope struct {
	mu    sync.Mutex
	name  ledger.Scope
	codes map[string]bool
}

func newSetScope(name ledger.Scope, taken ...string) *setScope {
	s := &setScope{name: name, codes: make(map[string]bool)}
	for _, c := range taken {
		s.codes[c] = true
	}
	return s
}

func (s *setScope) Name() ledger.Scope { return s.name }

func (s *setScope) Exists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[code], nil
}

func (s *setScope) insert(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes[code] {
		return &ledger.DuplicateValueError{Scope: s.name, Value: code}
	}
	s.codes[code] = true
	return nil
}

// fixedRand yields candidates "AAAA", "BBBB", ... for AlphabetUpperAlnum, length 4.
func fixedRand(candidates int) *bytes.Reader {
	var buf []byte
	for i := 0; i < candidates; i++ {
		buf = append(buf, bytes.Repeat([]byte{byte(i)}, 4)...)
	}
	return bytes.NewReader(buf)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		alphabet string
		length   int
		opts     []Option
		field    string
	}{
		{"single character", "A", 8, nil, "alphabet"},
		{"empty", "", 8, nil, "alphabet"},
		{"duplicate", "ABCA", 8, nil, "alphabet"},
		{"space", "AB C", 8, nil, "alphabet"},
		{"non-ascii", "ABÇ", 8, nil, "alphabet"},
		{"zero length", AlphabetUpperAlnum, 0, nil, "length"},
		{"zero attempts", AlphabetUpperAlnum, 8, []Option{WithMaxAttempts(0)}, "max_attempts"},
		{"nil rand", AlphabetUpperAlnum, 8, []Option{WithRand(nil)}, "rand"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.alphabet, tt.length, tt.opts...)
			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	g, err := New(AlphabetUpperAlnum, DefaultLength)
	require.NoError(t, err)
	assert.Equal(t, DefaultLength, g.Length())
	assert.Equal(t, DefaultMaxAttempts, g.MaxAttempts())
}

func TestCandidate_ShapeAndAlphabet(t *testing.T) {
	g, err := New("XY", 16)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		code, err := g.Candidate()
		require.NoError(t, err)
		assert.Len(t, code, 16)
		assert.Empty(t, strings.Trim(code, "XY"), "code %q has characters outside the alphabet", code)
	}
}

func TestCandidate_Deterministic(t *testing.T) {
	g, err := New(AlphabetUpperAlnum, 4, WithRand(fixedRand(3)))
	require.NoError(t, err)

	for _, want := range []string{"AAAA", "BBBB", "CCCC"} {
		got, err := g.Candidate()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = g.Candidate()
	assert.Error(t, err, "exhausted reader surfaces as an error")
}

func TestGenerate_SkipsTakenCode(t *testing.T) {
	// GIVEN: A scope where the first candidate is already taken
	// WHEN: Generating
	// THEN: The second candidate is returned and the collision is counted

	ctrl := gomock.NewController(t)
	scope := NewMockScope(ctrl)
	scope.EXPECT().Name().Return(ledger.ScopeReferralCode).AnyTimes()
	gomock.InOrder(
		scope.EXPECT().Exists(gomock.Any(), "AAAA").Return(true, nil),
		scope.EXPECT().Exists(gomock.Any(), "BBBB").Return(false, nil),
	)

	before := testutil.ToFloat64(metrics.CodeCollisions.WithLabelValues("referral_code", "precheck"))

	g, err := New(AlphabetUpperAlnum, 4, WithRand(fixedRand(2)))
	require.NoError(t, err)

	code, err := g.Generate(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, "BBBB", code)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CodeCollisions.WithLabelValues("referral_code", "precheck")))
}

func TestGenerate_Exhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	scope := NewMockScope(ctrl)
	scope.EXPECT().Name().Return(ledger.ScopeVoucher).AnyTimes()
	scope.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(true, nil).Times(3)

	before := testutil.ToFloat64(metrics.CodesExhausted.WithLabelValues("voucher"))

	g, err := New(AlphabetUpperAlnum, 6, WithMaxAttempts(3))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), scope)
	require.ErrorIs(t, err, ledger.ErrUniquenessExhausted)

	var exhausted *ledger.UniquenessExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, ledger.ScopeVoucher, exhausted.Scope)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 6, exhausted.Length)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CodesExhausted.WithLabelValues("voucher")))
}

func TestGenerate_ExistsError(t *testing.T) {
	ctrl := gomock.NewController(t)
	scope := NewMockScope(ctrl)
	scope.EXPECT().Name().Return(ledger.ScopeVoucher).AnyTimes()
	boom := errors.New("connection reset")
	scope.EXPECT().Exists(gomock.Any(), gomock.Any()).Return(false, boom)

	g, err := New(AlphabetUpperAlnum, 6)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), scope)
	assert.ErrorIs(t, err, boom)
}

func TestGenerate_ContextCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	scope := NewMockScope(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g, err := New(AlphabetUpperAlnum, 6)
	require.NoError(t, err)

	_, err = g.Generate(ctx, scope)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAllocate_RetriesOnInsertDuplicate(t *testing.T) {
	// GIVEN: A pre-check that misses a code another writer inserted concurrently
	// WHEN: The insert fails on the unique constraint
	// THEN: Allocate retries with a fresh candidate within the same budget

	scope := newSetScope(ledger.ScopeVoucher)
	g, err := New(AlphabetUpperAlnum, 4, WithRand(fixedRand(2)))
	require.NoError(t, err)

	var inserted []string
	code, err := g.Allocate(context.Background(), scope, func(ctx context.Context, code string) error {
		inserted = append(inserted, code)
		if code == "AAAA" {
			return &ledger.DuplicateValueError{Scope: ledger.ScopeVoucher, Value: code}
		}
		return scope.insert(ctx, code)
	})
	require.NoError(t, err)
	assert.Equal(t, "BBBB", code)
	assert.Equal(t, []string{"AAAA", "BBBB"}, inserted)
}

func TestAllocate_InsertDuplicatesShareBudget(t *testing.T) {
	g, err := New(AlphabetUpperAlnum, 6, WithMaxAttempts(4))
	require.NoError(t, err)

	calls := 0
	_, err = g.Allocate(context.Background(), newSetScope(ledger.ScopeVoucher), func(ctx context.Context, code string) error {
		calls++
		return &ledger.DuplicateValueError{Scope: ledger.ScopeVoucher, Value: code}
	})
	assert.ErrorIs(t, err, ledger.ErrUniquenessExhausted)
	assert.Equal(t, 4, calls)
}

func TestAllocate_OtherErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"duplicate in another scope", &ledger.DuplicateValueError{Scope: ledger.ScopeUserID, Value: "x"}},
		{"validation", &ledger.ValidationError{Field: "amount", Reason: "must be positive"}},
		{"driver", errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(AlphabetUpperAlnum, 6)
			require.NoError(t, err)

			calls := 0
			_, err = g.Allocate(context.Background(), newSetScope(ledger.ScopeVoucher), func(context.Context, string) error {
				calls++
				return tt.err
			})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestAllocate_DistinctCodes(t *testing.T) {
	// GIVEN: A small code space (2 characters, length 10 = 1024 codes)
	// WHEN: Allocating 300 codes from concurrent callers
	// THEN: Every code is distinct and was actually inserted

	scope := newSetScope(ledger.ScopeReferralCode)
	g, err := New("01", 10, WithMaxAttempts(200))
	require.NoError(t, err)

	const workers, perWorker = 6, 50
	results := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				code, err := g.Allocate(context.Background(), scope, scope.insert)
				if !assert.NoError(t, err) {
					return
				}
				results <- code
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for code := range results {
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Len(t, scope.codes, workers*perWorker)
}

func TestStoreScope(t *testing.T) {
	ctx := context.Background()
	mem := newCodeStore()
	mem.codes[ledger.ScopeVoucher] = map[string]bool{"TAKEN": true}

	scope := StoreScope{Store: mem, Scope: ledger.ScopeVoucher}
	assert.Equal(t, ledger.ScopeVoucher, scope.Name())

	taken, err := scope.Exists(ctx, "TAKEN")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = scope.Exists(ctx, "FREE")
	require.NoError(t, err)
	assert.False(t, taken)
}

type codeStore struct {
	codes map[ledger.Scope]map[string]bool
}

func newCodeStore() *codeStore {
	return &codeStore{codes: make(map[ledger.Scope]map[string]bool)}
}

func (s *codeStore) CodeExists(_ context.Context, scope ledger.Scope, code string) (bool, error) {
	return s.codes[scope][code], nil
}
