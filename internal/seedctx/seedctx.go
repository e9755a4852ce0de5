// Package seedctx provides seed-scoped execution: a bounded region of
// work in which a fixed seed governs all stochastic sampling decisions.
//
// A Scope owns its random source outright instead of swapping a
// process-global generator, so concurrent pipelines cannot observe each
// other's state and there is nothing to restore on exit.
package seedctx

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrScopePanic wraps a panic recovered from a scoped function.
var ErrScopePanic = errors.New("panic inside seed scope")

// Scope is a deterministic random-number scope. Two scopes constructed
// with the same seed produce bit-identical random streams.
type Scope struct {
	seed          int64
	deterministic bool
	rng           *rand.Rand
}

// New creates a scope seeded with seed. The deterministic flag is a
// hint carried to the inference backend: when false the backend may use
// non-deterministic fast kernels even though sampling stays seeded.
func New(seed int64, deterministic bool) *Scope {
	return &Scope{
		seed:          seed,
		deterministic: deterministic,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Seed returns the seed this scope was created with.
func (s *Scope) Seed() int64 {
	return s.seed
}

// Deterministic reports whether strict kernel determinism was requested.
func (s *Scope) Deterministic() bool {
	return s.deterministic
}

// RNG exposes the scoped generator. It must only be used from within
// the function passed to Run.
func (s *Scope) RNG() *rand.Rand {
	return s.rng
}

// Run executes fn with the scoped generator. A panic inside fn is
// recovered and returned as an error wrapping ErrScopePanic, so a
// failing backend cannot leak a half-consumed random stream to callers
// that reuse the scope.
func (s *Scope) Run(fn func(rng *rand.Rand) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrScopePanic, r)
		}
	}()

	return fn(s.rng)
}
