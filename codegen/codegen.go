/*
Package codegen allocates collision-free random codes.

PURPOSE:
  Referral codes and transaction vouchers are short human-presentable
  strings that must be unique within their column. The Generator draws
  candidates uniformly from an alphabet, pre-checks them against the
  scope, and retries on collision.

UNIQUENESS:
  The pre-check alone is a check-then-act race. The storage layer's unique
  constraint is the authoritative backstop: Allocate runs the caller's
  insert and, if the insert fails with a DuplicateValueError for the same
  scope, retries with a fresh candidate. Pre-check collisions and insert
  collisions draw from one attempt budget; when it runs out the caller gets
  a *ledger.UniquenessExhaustedError instead of looping forever.

USAGE:
  gen, err := codegen.New(codegen.AlphabetUpperAlnum, 8)
  code, err := gen.Allocate(ctx, codegen.StoreScope{Store: s, Scope: ledger.ScopeVoucher},
      func(ctx context.Context, code string) error {
          tx.Voucher = code
          return s.CreateTransaction(ctx, tx)
      })
*/
package codegen

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/metrics"
)

//go:generate mockgen -source=codegen.go -destination=scope_mock.go -package=codegen

const (
	AlphabetUpperAlnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultLength      = 8
	DefaultMaxAttempts = 20
)

// Scope is a uniqueness domain the generator checks candidates against.
type Scope interface {
	Name() ledger.Scope
	Exists(ctx context.Context, code string) (bool, error)
}

// StoreScope checks a code column through a ledger.CodeStore.
type StoreScope struct {
	Store ledger.CodeStore
	Scope ledger.Scope
}

func (s StoreScope) Name() ledger.Scope { return s.Scope }

func (s StoreScope) Exists(ctx context.Context, code string) (bool, error) {
	return s.Store.CodeExists(ctx, s.Scope, code)
}

// =============================================================================
// GENERATOR
// =============================================================================

type Generator struct {
	alphabet    string
	length      int
	maxAttempts int
	rand        io.Reader
}

type Option func(*Generator)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) { g.maxAttempts = n }
}

// WithRand replaces crypto/rand as the source of randomness.
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// New returns a generator for codes of length characters drawn from alphabet.
// The alphabet must be ASCII with at least two distinct characters.
func New(alphabet string, length int, opts ...Option) (*Generator, error) {
	g := &Generator{
		alphabet:    alphabet,
		length:      length,
		maxAttempts: DefaultMaxAttempts,
		rand:        rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}

	if len(alphabet) < 2 {
		return nil, &ledger.ValidationError{Field: "alphabet", Reason: "needs at least two characters"}
	}
	seen := make(map[byte]bool, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if c < 0x21 || c > 0x7e {
			return nil, &ledger.ValidationError{Field: "alphabet", Reason: fmt.Sprintf("non-printable or non-ASCII byte %#x", c)}
		}
		if seen[c] {
			return nil, &ledger.ValidationError{Field: "alphabet", Reason: fmt.Sprintf("duplicate character %q", c)}
		}
		seen[c] = true
	}
	if length < 1 {
		return nil, &ledger.ValidationError{Field: "length", Reason: "must be positive"}
	}
	if g.maxAttempts < 1 {
		return nil, &ledger.ValidationError{Field: "max_attempts", Reason: "must be positive"}
	}
	if g.rand == nil {
		return nil, &ledger.ValidationError{Field: "rand", Reason: "required"}
	}
	return g, nil
}

func (g *Generator) Length() int      { return g.length }
func (g *Generator) MaxAttempts() int { return g.maxAttempts }

// Candidate draws one code without checking any scope.
func (g *Generator) Candidate() (string, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	buf := make([]byte, g.length)
	for i := range buf {
		n, err := rand.Int(g.rand, max)
		if err != nil {
			return "", fmt.Errorf("draw code character: %w", err)
		}
		buf[i] = g.alphabet[n.Int64()]
	}
	return string(buf), nil
}

// Generate returns a candidate that was absent from scope when checked.
func (g *Generator) Generate(ctx context.Context, scope Scope) (string, error) {
	return g.Allocate(ctx, scope, nil)
}

// Allocate generates a code and hands it to insert. A nil insert makes
// Allocate a plain pre-checked Generate.
func (g *Generator) Allocate(ctx context.Context, scope Scope, insert func(ctx context.Context, code string) error) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := g.Candidate()
		if err != nil {
			return "", err
		}

		taken, err := scope.Exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check %s %q: %w", scope.Name(), code, err)
		}
		if taken {
			metrics.CodeCollisions.WithLabelValues(string(scope.Name()), "precheck").Inc()
			continue
		}

		if insert == nil {
			return code, nil
		}
		err = insert(ctx, code)
		if err == nil {
			return code, nil
		}
		if !ledger.IsDuplicate(err, scope.Name()) {
			return "", err
		}
		metrics.CodeCollisions.WithLabelValues(string(scope.Name()), "insert").Inc()
	}

	metrics.CodesExhausted.WithLabelValues(string(scope.Name())).Inc()
	return "", &ledger.UniquenessExhaustedError{
		Scope:    scope.Name(),
		Attempts: g.maxAttempts,
		Length:   g.length,
	}
}
