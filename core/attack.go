package core

import (
	"fmt"
	"math/rand"
)

// AttackType selects an eavesdropping strategy applied on the quantum
// channel. The zero value means no adversary is present.
type AttackType string

const (
	AttackNone            AttackType = "none"
	AttackInterceptResend AttackType = "intercept_resend"
	AttackPNS             AttackType = "pns"
	AttackTrojanHorse     AttackType = "trojan_horse"
	AttackNoiseInjection  AttackType = "noise_injection"
)

// Physical signatures per attack. Intercept-resend measures in a random
// basis and resends, which disturbs a quarter of the sifted bits. The
// photon-number-splitting and trojan-horse attacks skim side channels
// and leave only a faint disturbance. Noise injection floods the channel
// to mask a crude tap.
const (
	InterceptResendExpectedQBER  = 0.25
	PNSMultiPhotonRate           = 0.15
	PNSDisturbance               = 0.03
	TrojanDisturbance            = 0.02
	TrojanLeakRate               = 0.70
	NoiseInjectionDepolarization = 0.18
)

// Valid reports whether t names a known attack type.
func (t AttackType) Valid() bool {
	switch t {
	case AttackNone, AttackInterceptResend, AttackPNS, AttackTrojanHorse, AttackNoiseInjection:
		return true
	}
	return false
}

// ParseAttackType validates a string coming from config or an operator
// command.
func ParseAttackType(s string) (AttackType, error) {
	t := AttackType(s)
	if !t.Valid() {
		return AttackNone, fmt.Errorf("%w: unknown attack type %q", ErrInvalidConfig, s)
	}
	return t, nil
}

// NominalQBER returns the error rate an attack of this type is expected
// to imprint on a link, with per-activation jitter. Used when painting
// an attack signature onto topology links without running a session.
func NominalQBER(t AttackType, rng *rand.Rand) float64 {
	jitter := func(spread float64) float64 {
		return (rng.Float64()*2 - 1) * spread
	}
	switch t {
	case AttackInterceptResend:
		return clampQBER(InterceptResendExpectedQBER + jitter(0.02))
	case AttackPNS:
		return clampQBER(PNSDisturbance + jitter(0.01))
	case AttackTrojanHorse:
		return clampQBER(TrojanDisturbance + jitter(0.01))
	case AttackNoiseInjection:
		return clampQBER(NoiseInjectionDepolarization - 0.03 + rng.Float64()*0.08)
	default:
		return 0
	}
}

func clampQBER(q float64) float64 {
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// EveEngagement describes an active adversary on the channel for one
// key exchange. InterceptRate is the fraction of pulses touched, in
// [0, 1]. LinkID names the topology link the attack sits on, when known.
type EveEngagement struct {
	Attack        AttackType
	InterceptRate float64
	LinkID        string
}

func (e EveEngagement) active() bool {
	return e.Attack != AttackNone && e.Attack != "" && e.InterceptRate > 0
}

func (e EveEngagement) validate() error {
	if e.Attack != "" && !e.Attack.Valid() {
		return fmt.Errorf("%w: unknown attack type %q", ErrInvalidConfig, e.Attack)
	}
	if e.InterceptRate < 0 || e.InterceptRate > 1 {
		return fmt.Errorf("%w: intercept rate %v outside [0, 1]", ErrInvalidConfig, e.InterceptRate)
	}
	return nil
}

// extraDepolarization is the channel-wide disturbance an attack adds on
// top of the noise model, independent of per-pulse interception.
func (e EveEngagement) extraDepolarization() float64 {
	if e.Attack == AttackNoiseInjection && e.active() {
		return NoiseInjectionDepolarization * e.InterceptRate
	}
	return 0
}

// attackTally counts what the adversary actually obtained during a
// session.
type attackTally struct {
	qubitsTouched  int
	keyBitsExposed int
}

// apply runs the per-pulse attack on a photon in flight. It returns the
// bit as resent toward the receiver and whether this pulse was touched.
// The tally records exposure for reporting.
func (e EveEngagement) apply(bit int, prepared Basis, rng *rand.Rand, tally *attackTally) (int, bool) {
	if !e.active() || rng.Float64() >= e.InterceptRate {
		return bit, false
	}
	switch e.Attack {
	case AttackInterceptResend:
		// Measure in a random basis and resend what was observed.
		eveBasis := randomBasis(rng)
		observed := measure(bit, prepared, eveBasis, rng)
		tally.qubitsTouched++
		tally.keyBitsExposed++
		return observed, true
	case AttackPNS:
		// Only multi-photon pulses can be split; the signal photon
		// passes undisturbed.
		if rng.Float64() < PNSMultiPhotonRate {
			tally.qubitsTouched++
			tally.keyBitsExposed++
			return bit, true
		}
		return bit, false
	case AttackTrojanHorse:
		// Back-reflection probing leaks modulator settings without
		// touching the signal pulse.
		tally.qubitsTouched++
		if rng.Float64() < TrojanLeakRate {
			tally.keyBitsExposed++
		}
		return bit, true
	case AttackNoiseInjection:
		// The flood is modeled as extra depolarization; the tap itself
		// learns nothing reliable.
		tally.qubitsTouched++
		return bit, true
	default:
		return bit, false
	}
}
