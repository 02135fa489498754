package core

import "math/rand"

// Basis identifies the polarization basis used to prepare or measure a
// photon. Rectilinear is the 0/90 degree pair, diagonal the 45/135 pair.
type Basis string

const (
	BasisRectilinear Basis = "+"
	BasisDiagonal    Basis = "x"
)

func randomBasis(rng *rand.Rand) Basis {
	if rng.Intn(2) == 0 {
		return BasisRectilinear
	}
	return BasisDiagonal
}

// QubitBatch holds a pulse train in struct-of-arrays form. All slices
// share length; entries at the same index describe one photon from
// preparation through detection.
type QubitBatch struct {
	Bits           []int
	PreparedBases  []Basis
	MeasuredBases  []Basis
	MeasuredBits   []int
	Lost           []bool
	EveIntercepted []bool
}

func newQubitBatch(n int) *QubitBatch {
	return &QubitBatch{
		Bits:           make([]int, n),
		PreparedBases:  make([]Basis, n),
		MeasuredBases:  make([]Basis, n),
		MeasuredBits:   make([]int, n),
		Lost:           make([]bool, n),
		EveIntercepted: make([]bool, n),
	}
}

func (b *QubitBatch) len() int { return len(b.Bits) }

// measure projects a photon prepared as (bit, prepared) onto the
// measured basis. Matching bases reproduce the bit; mismatched bases
// yield a uniformly random outcome.
func measure(bit int, prepared, measured Basis, rng *rand.Rand) int {
	if prepared == measured {
		return bit
	}
	return rng.Intn(2)
}
