// Package portalloc implements C3: choosing a free public port out of a
// configured inclusive range, given the set of ports currently held by
// pending/active credentials. Grounded on the teacher's general pattern
// of narrow, side-effect-free helper types (internal/platform/executil's
// Runner) — portalloc has no I/O of its own, it only needs the caller's
// current view of allocated ports.
package portalloc

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/lieyanc/FireFrp/internal/errs"
)

const opAllocate errs.Op = "portalloc.Allocate"

// Allocator chooses ports in [Low, High] (inclusive). It does not track
// state itself — spec §4.3 is explicit that "a credential insertion that
// records [a port] is the reservation", so Allocate must be called
// holding the same state lock as the credential insert that follows it.
type Allocator struct {
	Low, High int
}

// New validates the range and returns an Allocator.
func New(low, high int) (*Allocator, error) {
	if low <= 0 || high <= 0 || low > high {
		return nil, fmt.Errorf("portalloc: invalid range [%d, %d]", low, high)
	}
	return &Allocator{Low: low, High: high}, nil
}

// RangeSize returns the number of ports in [Low, High].
func (a *Allocator) RangeSize() int {
	return a.High - a.Low + 1
}

// Allocate returns the first free port, given the set of ports currently
// held by pending/active credentials (held). It samples up to
// min(rangeSize, 1000) random ports via a CSPRNG per spec Design Notes
// ("use a CSPRNG for port selection so port numbers are not trivially
// predictable"), then falls back to a sequential scan if the pool is
// dense but not exhausted.
func (a *Allocator) Allocate(held map[int]struct{}) (int, error) {
	rangeSize := a.RangeSize()
	if len(held) >= rangeSize {
		return 0, errs.E(opAllocate, errs.KindExhausted, "no free ports in the configured range")
	}

	trials := rangeSize
	if trials > 1000 {
		trials = 1000
	}
	span := big.NewInt(int64(rangeSize))
	for i := 0; i < trials; i++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return 0, errs.E(opAllocate, errs.KindOther, err, "random port selection failed")
		}
		candidate := a.Low + int(n.Int64())
		if _, taken := held[candidate]; !taken {
			return candidate, nil
		}
	}

	for p := a.Low; p <= a.High; p++ {
		if _, taken := held[p]; !taken {
			return p, nil
		}
	}

	// Unreachable given the len(held) >= rangeSize guard above, but kept
	// as a defensive final return rather than a panic.
	return 0, errs.E(opAllocate, errs.KindExhausted, "no free ports in the configured range")
}

// IsAllocated reports whether p is currently held.
func (a *Allocator) IsAllocated(p int, held map[int]struct{}) bool {
	_, ok := held[p]
	return ok
}

// Release is a documented no-op: liveness of allocations is derived
// entirely from credential status (spec §4.3), so there is nothing for
// the allocator itself to release.
func (a *Allocator) Release(int) {}
