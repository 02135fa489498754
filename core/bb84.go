package core

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/qkd-simulator/internal/logging"
)

// Sentinel errors returned by the key exchange engine.
var (
	ErrInvalidConfig  = errors.New("invalid session config")
	ErrEmptySiftedKey = errors.New("sifting produced no key material")
)

// Tunables of the protocol run.
const (
	MinKeyLength = 64
	MaxKeyLength = 4096

	// DefaultKeyLength is the number of raw pulses sent per exchange.
	DefaultKeyLength = 512

	// QBER thresholds. Above the warning threshold the exchange is
	// considered eavesdropped and its key is discarded; above critical
	// the link itself is treated as hostile.
	QBERWarningThreshold  = 0.11
	QBERCriticalThreshold = 0.20

	// Privacy amplification keeps at most this fraction of the sifted
	// key, shrinking further as the error rate approaches the warning
	// threshold, and never emits more than MaxFinalKeyBits bits.
	PrivacyAmpFactor = 0.5
	MaxFinalKeyBits  = 256

	// qberBatchSize is the pulse granularity of the per-session QBER
	// history trace.
	qberBatchSize = 64
)

// SessionConfig parameterizes one key exchange.
type SessionConfig struct {
	// KeyLength is the raw pulse count, in [MinKeyLength, MaxKeyLength].
	KeyLength int
	Noise     NoiseModel
	Eve       EveEngagement
}

func (c SessionConfig) validate() error {
	if c.KeyLength < MinKeyLength || c.KeyLength > MaxKeyLength {
		return fmt.Errorf("%w: key length %d outside [%d, %d]",
			ErrInvalidConfig, c.KeyLength, MinKeyLength, MaxKeyLength)
	}
	if err := c.Noise.Validate(); err != nil {
		return err
	}
	return c.Eve.validate()
}

// KeySession is the record of one completed exchange.
type KeySession struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration

	Attack AttackType
	LinkID string

	RawCount    int
	SiftedCount int
	LostCount   int

	QBER        float64
	QBERHistory []float64

	// FinalKey is the distilled key as individual bits. Empty when the
	// exchange was judged compromised.
	FinalKey    []int
	Digest      string
	EveDetected bool

	QubitsMatched  int
	KeyBitsExposed int
}

// Engine runs BB84 exchanges. It is not safe for concurrent use; the
// owning state layer serializes calls.
type Engine struct {
	rng *rand.Rand
	log logging.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithRand fixes the randomness source, which makes runs reproducible.
func WithRand(rng *rand.Rand) EngineOption {
	return func(e *Engine) { e.rng = rng }
}

// WithLogger sets the engine logger.
func WithLogger(log logging.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes a full exchange: preparation, transmission through the
// noise model and any adversary, measurement, sifting, error estimation
// and privacy amplification.
func (e *Engine) Run(ctx context.Context, cfg SessionConfig) (*KeySession, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	session := &KeySession{
		ID:        "sess-" + uuid.NewString(),
		StartedAt: start,
		Attack:    cfg.Eve.Attack,
		LinkID:    cfg.Eve.LinkID,
		RawCount:  cfg.KeyLength,
	}
	if session.Attack == "" {
		session.Attack = AttackNone
	}

	batch := e.exchange(cfg, session)
	siftedAlice, siftedBob := sift(batch)
	session.SiftedCount = len(siftedAlice)
	if session.SiftedCount == 0 {
		return nil, fmt.Errorf("%w: %d pulses all lost or discarded",
			ErrEmptySiftedKey, cfg.KeyLength)
	}

	session.QBER = errorRate(siftedAlice, siftedBob)
	session.EveDetected = session.QBER > QBERWarningThreshold
	if !session.EveDetected {
		session.FinalKey = privacyAmplify(siftedAlice, session.QBER, session.ID)
		session.Digest = keyDigest(session.FinalKey)
	}
	session.Duration = time.Since(start)

	e.log.Info(ctx, "key exchange finished",
		logging.String("session_id", session.ID),
		logging.String("attack", string(session.Attack)),
		logging.Int("sifted_bits", session.SiftedCount),
		logging.Float64("qber", session.QBER),
		logging.Int("final_bits", len(session.FinalKey)),
		logging.Any("eve_detected", session.EveDetected))
	return session, nil
}

// exchange simulates the pulse train and fills the session QBER history
// and loss/exposure counters.
func (e *Engine) exchange(cfg SessionConfig, session *KeySession) *QubitBatch {
	batch := newQubitBatch(cfg.KeyLength)
	extraDepol := cfg.Eve.extraDepolarization()
	var tally attackTally
	var batchBits, batchErrors int

	for i := 0; i < batch.len(); i++ {
		bit := e.rng.Intn(2)
		prepared := randomBasis(e.rng)
		batch.Bits[i] = bit
		batch.PreparedBases[i] = prepared

		resent, touched := cfg.Eve.apply(bit, prepared, e.rng, &tally)
		batch.EveIntercepted[i] = touched

		arrived, lost := cfg.Noise.transmit(resent, extraDepol, e.rng)
		batch.Lost[i] = lost
		if lost {
			session.LostCount++
			continue
		}

		measuredBasis := randomBasis(e.rng)
		batch.MeasuredBases[i] = measuredBasis
		batch.MeasuredBits[i] = measure(arrived, prepared, measuredBasis, e.rng)

		if measuredBasis == prepared {
			batchBits++
			if batch.MeasuredBits[i] != bit {
				batchErrors++
			}
		}
		// Each history sample covers only its own batch of pulses.
		if (i+1)%qberBatchSize == 0 {
			sample := 0.0
			if batchBits > 0 {
				sample = float64(batchErrors) / float64(batchBits)
			}
			session.QBERHistory = append(session.QBERHistory, sample)
			batchBits, batchErrors = 0, 0
		}
	}

	session.QubitsMatched = tally.qubitsTouched
	session.KeyBitsExposed = tally.keyBitsExposed
	return batch
}

// sift keeps the positions where the pulse survived and both sides used
// the same basis, returning the two raw keys position-aligned.
func sift(batch *QubitBatch) (alice, bob []int) {
	for i := 0; i < batch.len(); i++ {
		if batch.Lost[i] {
			continue
		}
		if batch.PreparedBases[i] != batch.MeasuredBases[i] {
			continue
		}
		alice = append(alice, batch.Bits[i])
		bob = append(bob, batch.MeasuredBits[i])
	}
	return alice, bob
}

func errorRate(alice, bob []int) float64 {
	if len(alice) == 0 {
		return 0
	}
	errs := 0
	for i := range alice {
		if alice[i] != bob[i] {
			errs++
		}
	}
	return float64(errs) / float64(len(alice))
}

// privacyAmplify distills the sifted key down to a shorter final key
// whose length shrinks linearly with the error rate and reaches zero at
// the warning threshold. The output bits come from SHA-256 in counter
// mode keyed by the sifted bits and the session ID, so partial knowledge
// of the sifted key does not survive into the final key.
func privacyAmplify(sifted []int, qber float64, sessionID string) []int {
	shrink := 1 - qber/QBERWarningThreshold
	if shrink < 0 {
		shrink = 0
	}
	finalBits := int(math.Floor(float64(len(sifted)) * PrivacyAmpFactor * shrink))
	if finalBits > MaxFinalKeyBits {
		finalBits = MaxFinalKeyBits
	}
	if finalBits <= 0 {
		return nil
	}

	seed := sha256.New()
	seed.Write([]byte(sessionID))
	seed.Write(packBits(sifted))
	material := seed.Sum(nil)

	out := make([]int, 0, finalBits)
	var counter uint64
	for len(out) < finalBits {
		h := sha256.New()
		h.Write(material)
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], counter)
		h.Write(ctr[:])
		counter++
		for _, b := range h.Sum(nil) {
			for shift := 7; shift >= 0 && len(out) < finalBits; shift-- {
				out = append(out, int(b>>shift)&1)
			}
		}
	}
	return out
}

func keyDigest(bits []int) string {
	if len(bits) == 0 {
		return ""
	}
	sum := sha256.Sum256(packBits(bits))
	return hex.EncodeToString(sum[:])
}

// packBits packs a bit slice MSB-first into bytes.
func packBits(bits []int) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}
