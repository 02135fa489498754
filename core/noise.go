package core

import (
	"fmt"
	"math/rand"
)

// NoiseModel describes the physical channel between the endpoints.
// Depolarization is the probability a surviving photon's state is
// scrambled in transit. PhotonLoss is the probability the photon never
// reaches the detector. DarkCount is the probability a lost photon
// still registers a spurious click with a random outcome.
type NoiseModel struct {
	Depolarization float64 `json:"depolarization"`
	PhotonLoss     float64 `json:"photon_loss"`
	DarkCount      float64 `json:"dark_count"`
}

// DefaultNoise models a short fiber span with mild impairments.
func DefaultNoise() NoiseModel {
	return NoiseModel{
		Depolarization: 0.01,
		PhotonLoss:     0.05,
		DarkCount:      0.001,
	}
}

func (n NoiseModel) Validate() error {
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"depolarization", n.Depolarization},
		{"photon_loss", n.PhotonLoss},
		{"dark_count", n.DarkCount},
	} {
		if p.value < 0 || p.value > 1 {
			return fmt.Errorf("%w: %s %v outside [0, 1]", ErrInvalidConfig, p.name, p.value)
		}
	}
	return nil
}

// transmit applies loss with dark-count substitution and depolarization
// to a single photon. extraDepolarization lets an in-channel attack add
// disturbance on top of the configured model. Depolarization flips the
// encoded bit, so a disturbance of p surfaces as an error rate of p on
// the sifted key. Returns the delivered bit and whether the pulse was
// lost outright.
func (n NoiseModel) transmit(bit int, extraDepolarization float64, rng *rand.Rand) (int, bool) {
	if rng.Float64() < n.PhotonLoss {
		if rng.Float64() < n.DarkCount {
			return rng.Intn(2), false
		}
		return bit, true
	}
	depol := n.Depolarization + extraDepolarization
	if depol > 1 {
		depol = 1
	}
	if rng.Float64() < depol {
		return 1 - bit, false
	}
	return bit, false
}
