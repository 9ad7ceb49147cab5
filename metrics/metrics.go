// Package metrics exposes the engine's Prometheus counters.
//
// Counters are registered on the default registry at init and served by
// Handler. Engines increment them directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledger"

// ─── Settlement ─────────────────────────────────────────────────────────────

// Settlements counts completion requests by outcome
// (settled, already_settled, rejected, failed).
var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "requests_total",
	Help:      "Transaction completion requests by outcome.",
}, []string{"outcome"})

// SettledAmount sums settled X$ by where it went (amortized, credited, debited).
var SettledAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "amount_total",
	Help:      "Settled X$ by destination.",
}, []string{"destination"})

// ─── Referral ───────────────────────────────────────────────────────────────

// ReferralBonuses counts approval notifications by outcome
// (paid, already_paid, no_referrer, rejected, failed).
var ReferralBonuses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "referral",
	Name:      "approvals_total",
	Help:      "User approval notifications by outcome.",
}, []string{"outcome"})

// ─── Code generation ────────────────────────────────────────────────────────

// CodeCollisions counts candidates rejected by the pre-check or the insert.
var CodeCollisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "codegen",
	Name:      "collisions_total",
	Help:      "Generated code candidates that were already taken.",
}, []string{"scope", "stage"})

// CodesExhausted counts allocations that ran out of attempts.
var CodesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "codegen",
	Name:      "exhausted_total",
	Help:      "Code allocations that hit the attempt cap.",
}, []string{"scope"})

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
