// Package eve models the adversary console: activating channel attacks,
// stealing stored keys and keeping a feed of intercepted pulses.
package eve

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/signalsfoundry/qkd-simulator/core"
	"github.com/signalsfoundry/qkd-simulator/internal/kms"
	"github.com/signalsfoundry/qkd-simulator/internal/logging"
)

var (
	ErrNotActive = errors.New("eve not active")
	ErrNoTargets = errors.New("no target links")
)

// maxIntercepts caps the retained intercept feed.
const maxIntercepts = 500

// Baseline error rate band a link returns to after an attack stops.
const (
	baselineQBERMin = 0.005
	baselineQBERMax = 0.04
)

// Config describes an attack activation.
type Config struct {
	Attack        core.AttackType
	InterceptRate float64
	// TargetLinks are the link IDs the attack sits on, resolved by the
	// caller before activation.
	TargetLinks []string
}

// Injection is a QBER value the caller should paint onto a link.
// Restore marks a baseline value for a link leaving the target set, as
// opposed to an attack signature.
type Injection struct {
	LinkID  string
	QBER    float64
	Restore bool
}

// InterceptedQubit is one entry in the adversary's capture feed.
type InterceptedQubit struct {
	SessionID    string
	Index        int
	Bit          int
	Basis        core.Basis
	BasisMatched bool
	At           time.Time
}

// Status is a snapshot of the adversary console.
type Status struct {
	Active          bool
	Attack          core.AttackType
	InterceptRate   float64
	TargetLinks     []string
	QubitsMatched   uint64
	KeyBitsExposed  uint64
	KeysInvalidated uint64
	RouteChanges    uint64
	// QBERImpact is the strongest error rate signature injected by the
	// current activation, zero while idle.
	QBERImpact     float64
	StolenKeys     []string
	InterceptCount int
}

// Controller tracks the adversary's state. It does no locking of its
// own; the simulation state layer serializes all calls.
type Controller struct {
	rng *rand.Rand
	log logging.Logger

	active bool
	cfg    Config

	qubitsMatched   uint64
	keyBitsExposed  uint64
	keysInvalidated uint64
	routeChanges    uint64
	qberImpact      float64
	stolenKeys      []string
	intercepts      []InterceptedQubit
}

func New(rng *rand.Rand, log logging.Logger) *Controller {
	if log == nil {
		log = logging.Noop()
	}
	return &Controller{rng: rng, log: log}
}

// Active reports whether an attack is in progress.
func (c *Controller) Active() bool { return c.active }

// Engagement returns the channel engagement a key exchange should run
// under when its route crosses one of the target links. The boolean is
// false when the adversary is idle or off-route.
func (c *Controller) Engagement(routeLinks []string) (core.EveEngagement, bool) {
	if !c.active {
		return core.EveEngagement{}, false
	}
	for _, target := range c.cfg.TargetLinks {
		for _, l := range routeLinks {
			if l == target {
				return core.EveEngagement{
					Attack:        c.cfg.Attack,
					InterceptRate: c.cfg.InterceptRate,
					LinkID:        target,
				}, true
			}
		}
	}
	return core.EveEngagement{}, false
}

// Activate starts an attack and returns the QBER values to inject onto
// the target links. Activating while already active replaces the whole
// configuration: the new signatures land on the new targets, and any
// previously targeted link that left the target set gets a baseline
// restore injection.
func (c *Controller) Activate(ctx context.Context, cfg Config) ([]Injection, error) {
	if !cfg.Attack.Valid() || cfg.Attack == core.AttackNone {
		return nil, fmt.Errorf("%w: cannot activate %q", core.ErrInvalidConfig, cfg.Attack)
	}
	if cfg.InterceptRate < 0 || cfg.InterceptRate > 1 {
		return nil, fmt.Errorf("%w: intercept rate %v outside [0, 1]", core.ErrInvalidConfig, cfg.InterceptRate)
	}
	if len(cfg.TargetLinks) == 0 {
		return nil, ErrNoTargets
	}

	targeted := make(map[string]bool, len(cfg.TargetLinks))
	for _, id := range cfg.TargetLinks {
		targeted[id] = true
	}
	var injections []Injection
	if c.active {
		for _, id := range c.cfg.TargetLinks {
			if !targeted[id] {
				injections = append(injections, Injection{LinkID: id, QBER: c.baseline(), Restore: true})
			}
		}
	}

	c.active = true
	c.cfg = cfg
	c.qberImpact = 0

	for _, id := range cfg.TargetLinks {
		inj := Injection{LinkID: id, QBER: core.NominalQBER(cfg.Attack, c.rng)}
		if inj.QBER > c.qberImpact {
			c.qberImpact = inj.QBER
		}
		injections = append(injections, inj)
	}
	c.log.Info(ctx, "attack activated",
		logging.String("attack", string(cfg.Attack)),
		logging.Float64("intercept_rate", cfg.InterceptRate),
		logging.Any("targets", cfg.TargetLinks))
	return injections, nil
}

// Deactivate returns baseline QBER values to restore on targeted links.
// With no arguments the whole attack stops. Naming links withdraws the
// attack from just those targets, and the activation ends only when the
// target set runs empty.
func (c *Controller) Deactivate(ctx context.Context, linkIDs ...string) ([]Injection, error) {
	if !c.active {
		return nil, ErrNotActive
	}
	if len(linkIDs) == 0 {
		linkIDs = c.cfg.TargetLinks
	}

	dropped := make(map[string]bool, len(linkIDs))
	injections := make([]Injection, 0, len(linkIDs))
	for _, id := range linkIDs {
		if dropped[id] {
			continue
		}
		dropped[id] = true
		injections = append(injections, Injection{LinkID: id, QBER: c.baseline(), Restore: true})
	}
	remaining := c.cfg.TargetLinks[:0:0]
	for _, id := range c.cfg.TargetLinks {
		if !dropped[id] {
			remaining = append(remaining, id)
		}
	}
	c.cfg.TargetLinks = remaining

	if len(remaining) == 0 {
		c.log.Info(ctx, "attack deactivated",
			logging.String("attack", string(c.cfg.Attack)))
		c.active = false
		c.cfg = Config{}
		c.qberImpact = 0
	} else {
		c.log.Info(ctx, "attack withdrawn from links",
			logging.String("attack", string(c.cfg.Attack)),
			logging.Any("remaining", remaining))
	}
	return injections, nil
}

func (c *Controller) baseline() float64 {
	return baselineQBERMin + c.rng.Float64()*(baselineQBERMax-baselineQBERMin)
}

// StealKey compromises a stored key without disturbing any channel.
// With an empty id the newest active key is taken.
func (c *Controller) StealKey(ctx context.Context, pool *kms.Pool, id string, at time.Time) (kms.Key, error) {
	if id == "" {
		latest, err := pool.LatestActive()
		if err != nil {
			return kms.Key{}, err
		}
		id = latest.ID
	}
	key, err := pool.MarkCompromised(id, at)
	if err != nil {
		return kms.Key{}, err
	}
	c.recordStolen(key)
	c.log.Warn(ctx, "key exfiltrated from pool",
		logging.String("key_id", key.ID),
		logging.Int("bits", key.BitLen))
	return key, nil
}

// RecordStolen registers a key the adversary fabricated or obtained out
// of band, such as a deliberately compromised exchange.
func (c *Controller) RecordStolen(key kms.Key) {
	c.recordStolen(key)
}

// ClearStolenKeys wipes the theft ledger and exposure counters without
// touching the pool.
func (c *Controller) ClearStolenKeys() {
	c.stolenKeys = nil
	c.keyBitsExposed = 0
	c.qubitsMatched = 0
	c.keysInvalidated = 0
	c.routeChanges = 0
	c.intercepts = nil
}

// RecordInvalidated counts keys the pool withdrew because a link the
// adversary disturbed turned compromised.
func (c *Controller) RecordInvalidated(n int) {
	if n > 0 {
		c.keysInvalidated += uint64(n)
	}
}

// RecordRouteChanges counts route replacements observed while the
// adversary is active, the visible cost of being detected.
func (c *Controller) RecordRouteChanges(n uint64) {
	c.routeChanges += n
}

func (c *Controller) recordStolen(key kms.Key) {
	c.stolenKeys = append(c.stolenKeys, key.ID)
	c.keyBitsExposed += uint64(key.BitLen)
	c.keysInvalidated++
}

// RecordSession folds a finished exchange's exposure into the console
// counters and synthesizes capture feed entries for the touched pulses.
func (c *Controller) RecordSession(s *core.KeySession, at time.Time) {
	if s == nil || s.QubitsMatched == 0 {
		return
	}
	c.qubitsMatched += uint64(s.QubitsMatched)
	c.keyBitsExposed += uint64(s.KeyBitsExposed)

	for i := 0; i < s.QubitsMatched; i++ {
		basis := core.BasisRectilinear
		if c.rng.Intn(2) == 1 {
			basis = core.BasisDiagonal
		}
		c.addIntercept(InterceptedQubit{
			SessionID:    s.ID,
			Index:        i,
			Bit:          c.rng.Intn(2),
			Basis:        basis,
			BasisMatched: c.rng.Intn(2) == 0,
			At:           at,
		})
	}
}

// Intercepts returns the most recent capture feed entries, newest last.
// limit <= 0 means all retained entries.
func (c *Controller) Intercepts(limit int) []InterceptedQubit {
	if limit <= 0 || limit > len(c.intercepts) {
		limit = len(c.intercepts)
	}
	out := make([]InterceptedQubit, limit)
	copy(out, c.intercepts[len(c.intercepts)-limit:])
	return out
}

// Status snapshots the console.
func (c *Controller) Status() Status {
	return Status{
		Active:          c.active,
		Attack:          c.cfg.Attack,
		InterceptRate:   c.cfg.InterceptRate,
		TargetLinks:     append([]string(nil), c.cfg.TargetLinks...),
		QubitsMatched:   c.qubitsMatched,
		KeyBitsExposed:  c.keyBitsExposed,
		KeysInvalidated: c.keysInvalidated,
		RouteChanges:    c.routeChanges,
		QBERImpact:      c.qberImpact,
		StolenKeys:      append([]string(nil), c.stolenKeys...),
		InterceptCount:  len(c.intercepts),
	}
}

func (c *Controller) addIntercept(q InterceptedQubit) {
	c.intercepts = append(c.intercepts, q)
	if len(c.intercepts) > maxIntercepts {
		c.intercepts = c.intercepts[len(c.intercepts)-maxIntercepts:]
	}
}
