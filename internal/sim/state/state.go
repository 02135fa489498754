package state

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/qkd-simulator/core"
	"github.com/signalsfoundry/qkd-simulator/internal/eve"
	"github.com/signalsfoundry/qkd-simulator/internal/kms"
	"github.com/signalsfoundry/qkd-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-simulator/internal/sdn"
	"github.com/signalsfoundry/qkd-simulator/timectrl"
)

var tracer = otel.Tracer("qkd-simulator/state")

// Re-export sentinel errors so callers can depend on state.* instead of
// reaching into the subsystem packages.
var (
	// ErrLinkNotFound indicates a requested link was not found.
	ErrLinkNotFound = core.ErrLinkNotFound
	// ErrNodeNotFound indicates a requested node was not found.
	ErrNodeNotFound = core.ErrNodeNotFound
	// ErrKeyNotFound indicates a requested key was not found.
	ErrKeyNotFound = kms.ErrKeyNotFound
	// ErrNoRoute indicates the endpoints are disconnected.
	ErrNoRoute = sdn.ErrNoRoute
	// ErrNoKeyProduced indicates an exchange finished without usable key material.
	ErrNoKeyProduced = errors.New("exchange produced no key material")
)

// sessionHistory bounds the retained exchange records.
const sessionHistory = 64

// MetricsRecorder receives updates as the simulation evolves.
type MetricsRecorder interface {
	ObserveSession(attack string, qber float64, finalBits int, eveDetected bool)
	SetLinkQBER(linkID string, qber float64)
	SetRoutingState(st string)
	AddRouteChanges(n uint64)
	SetKeyPool(stats kms.Stats)
	IncAlert(severity string)
	AddInterceptedQubits(n int)
}

// SimulationState coordinates the topology, routing controller, key
// pool and adversary console behind one coarse lock. Take this lock
// before any subsystem lock to preserve the global lock ordering of
// SimulationState -> Topology/Pool locks.
type SimulationState struct {
	mu sync.RWMutex

	topo       *core.Topology
	engine     *core.Engine
	pool       *kms.Pool
	controller *sdn.Controller
	adversary  *eve.Controller

	clock timectrl.SimClock
	rng   *rand.Rand
	log   logging.Logger

	// metrics is an optional recorder for Prometheus-friendly series.
	metrics MetricsRecorder

	tick      uint64
	keyLength int
	noise     core.NoiseModel

	sessions       []*core.KeySession
	alertsObserved int
}

// Option customises SimulationState construction.
type Option func(*SimulationState)

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *SimulationState) { s.metrics = m }
}

// WithKeyLength overrides the default raw pulse count per exchange.
func WithKeyLength(n int) Option {
	return func(s *SimulationState) { s.keyLength = n }
}

// WithNoise overrides the default channel noise model.
func WithNoise(n core.NoiseModel) Option {
	return func(s *SimulationState) { s.noise = n }
}

// New wires the simulation together over an already-populated topology.
func New(topo *core.Topology, engine *core.Engine, pool *kms.Pool, controller *sdn.Controller,
	adversary *eve.Controller, clock timectrl.SimClock, rng *rand.Rand, log logging.Logger, opts ...Option) *SimulationState {
	if log == nil {
		log = logging.Noop()
	}
	s := &SimulationState{
		topo:       topo,
		engine:     engine,
		pool:       pool,
		controller: controller,
		adversary:  adversary,
		clock:      clock,
		rng:        rng,
		log:        log,
		keyLength:  core.DefaultKeyLength,
		noise:      core.DefaultNoise(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.publishRoutingMetricsLocked()
	return s
}

// Topology exposes the underlying graph for read-mostly consumers.
func (s *SimulationState) Topology() *core.Topology { return s.topo }

// Tick returns the current logical tick count.
func (s *SimulationState) Tick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// GenerateKey runs one full key exchange over the active route. The
// adversary engages when one of its target links lies on that route.
// A clean exchange lands in the key pool; a detected one is discarded
// and only its record survives.
func (s *SimulationState) GenerateKey(ctx context.Context) (*core.KeySession, error) {
	ctx, span := tracer.Start(ctx, "qkd.generate_key")
	defer span.End()

	ctx, log := logging.WithRequestLogger(ctx, s.log)

	s.mu.Lock()
	defer s.mu.Unlock()

	route := s.topo.ActiveRoute()
	if len(route) < 2 {
		span.SetStatus(codes.Error, "no active route")
		return nil, ErrNoRoute
	}
	routeLinks := core.RouteLinks(route)

	engagement, engaged := s.adversary.Engagement(routeLinks)
	cfg := core.SessionConfig{
		KeyLength: s.keyLength,
		Noise:     s.noise,
		Eve:       engagement,
	}
	session, err := s.engine.Run(ctx, cfg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("session.attack", string(session.Attack)),
		attribute.Float64("session.qber", session.QBER),
		attribute.Int("session.final_bits", len(session.FinalKey)),
		attribute.Bool("session.eve_detected", session.EveDetected),
	)

	now := s.clock.Now()
	s.appendSessionLocked(session)

	if engaged {
		s.adversary.RecordSession(session, now)
		if s.metrics != nil {
			s.metrics.AddInterceptedQubits(session.QubitsMatched)
		}
	}

	// Attribute the observed error rate to the attacked link when the
	// adversary engaged, otherwise to the first hop of the route.
	observedLink := engagement.LinkID
	if observedLink == "" {
		observedLink = routeLinks[0]
	}
	s.recordLinkQBERLocked(ctx, observedLink, session.QBER, session.Attack, now)

	if !session.EveDetected && len(session.FinalKey) > 0 {
		if _, err := s.pool.Add(session.FinalKey, session.ID, session.Digest, session.QBER, routeLinks, now); err != nil {
			log.Error(ctx, "failed to store key", logging.String("error", err.Error()))
		} else if s.metrics != nil {
			s.metrics.SetKeyPool(s.pool.Stats())
		}
	} else if session.EveDetected {
		log.Warn(ctx, "eavesdropper detected, key discarded",
			logging.String("session_id", session.ID),
			logging.Float64("qber", session.QBER))
	}

	if s.metrics != nil {
		s.metrics.ObserveSession(string(session.Attack), session.QBER, len(session.FinalKey), session.EveDetected)
	}
	s.syncAlertMetricsLocked()
	return cloneSession(session), nil
}

// TickResult summarizes one control plane tick.
type TickResult struct {
	Tick         uint64
	State        sdn.RoutingState
	Route        []string
	RouteChanged bool
}

// RunTick advances the logical clock by one control interval and lets
// the routing controller act on anything detected since the last tick.
func (s *SimulationState) RunTick(ctx context.Context) TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	now := s.clock.Now()
	prevChanges := s.controller.RouteChanges()

	s.controller.Tick(ctx, s.tick, now)

	if delta := s.controller.RouteChanges() - prevChanges; delta > 0 && s.adversary.Active() {
		s.adversary.RecordRouteChanges(delta)
	}

	res := TickResult{
		Tick:         s.tick,
		State:        s.controller.State(),
		Route:        s.topo.ActiveRoute(),
		RouteChanged: s.controller.RouteChanges() != prevChanges,
	}
	if res.RouteChanged {
		s.log.Info(ctx, "active route changed",
			logging.Any("tick", res.Tick),
			logging.Any("route", res.Route))
	}
	if s.metrics != nil {
		s.metrics.AddRouteChanges(s.controller.RouteChanges() - prevChanges)
	}
	s.publishRoutingMetricsLocked()
	s.syncAlertMetricsLocked()
	return res
}

// ActivateAttack engages the adversary, replacing any attack already in
// progress. With no explicit targets the attack lands on every link of
// the active route.
func (s *SimulationState) ActivateAttack(ctx context.Context, attack core.AttackType, interceptRate float64, targetLinks []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(targetLinks) == 0 {
		targetLinks = core.RouteLinks(s.topo.ActiveRoute())
	}
	for _, id := range targetLinks {
		if _, err := s.topo.Link(id); err != nil {
			return err
		}
	}

	injections, err := s.adversary.Activate(ctx, eve.Config{
		Attack:        attack,
		InterceptRate: interceptRate,
		TargetLinks:   targetLinks,
	})
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.applyInjectionsLocked(ctx, injections, attack, now); err != nil {
		return err
	}
	s.syncAlertMetricsLocked()
	return nil
}

// DeactivateAttack settles targeted links back to a clean baseline
// error rate. With no link IDs the whole attack stops; naming links
// withdraws the attack from just those targets.
func (s *SimulationState) DeactivateAttack(ctx context.Context, linkIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	injections, err := s.adversary.Deactivate(ctx, linkIDs...)
	if err != nil {
		return err
	}
	return s.applyInjectionsLocked(ctx, injections, core.AttackNone, s.clock.Now())
}

// applyInjectionsLocked paints the adversary's QBER values onto the
// topology: restore injections reset the link, signatures go through
// the usual observation path so the controller sees them.
func (s *SimulationState) applyInjectionsLocked(ctx context.Context, injections []eve.Injection, attack core.AttackType, now time.Time) error {
	for _, inj := range injections {
		if inj.Restore {
			link, err := s.topo.ResetLink(inj.LinkID, inj.QBER)
			if err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.SetLinkQBER(link.ID(), link.QBER)
			}
			continue
		}
		s.recordLinkQBERLocked(ctx, inj.LinkID, inj.QBER, attack, now)
	}
	return nil
}

// StealKey exfiltrates a stored key without touching any channel, so
// the theft leaves no error rate signature. An empty id takes the
// newest active key.
func (s *SimulationState) StealKey(ctx context.Context, keyID string) (kms.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.adversary.StealKey(ctx, s.pool, keyID, s.clock.Now())
	if err != nil {
		return kms.Key{}, err
	}
	if s.metrics != nil {
		s.metrics.SetKeyPool(s.pool.Stats())
	}
	return key, nil
}

// GenerateCompromisedKey runs an exchange and immediately hands the
// resulting key to the adversary, leaving a compromised entry in the
// pool. Useful for demonstrating downstream handling of known-bad keys.
func (s *SimulationState) GenerateCompromisedKey(ctx context.Context) (kms.Key, error) {
	ctx, span := tracer.Start(ctx, "qkd.generate_compromised_key")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	route := s.topo.ActiveRoute()
	if len(route) < 2 {
		return kms.Key{}, ErrNoRoute
	}
	routeLinks := core.RouteLinks(route)

	session, err := s.engine.Run(ctx, core.SessionConfig{
		KeyLength: s.keyLength,
		Noise:     s.noise,
	})
	if err != nil {
		return kms.Key{}, err
	}
	s.appendSessionLocked(session)
	if len(session.FinalKey) == 0 {
		return kms.Key{}, fmt.Errorf("%w: session %s", ErrNoKeyProduced, session.ID)
	}

	now := s.clock.Now()
	key, err := s.pool.Add(session.FinalKey, session.ID, session.Digest, session.QBER, routeLinks, now)
	if err != nil {
		return kms.Key{}, err
	}
	key, err = s.pool.MarkCompromised(key.ID, now)
	if err != nil {
		return kms.Key{}, err
	}
	s.adversary.RecordStolen(key)

	if s.metrics != nil {
		s.metrics.ObserveSession(string(session.Attack), session.QBER, len(session.FinalKey), session.EveDetected)
		s.metrics.SetKeyPool(s.pool.Stats())
	}
	return key, nil
}

// ConsumeKey retires an active key for use by an application.
func (s *SimulationState) ConsumeKey(ctx context.Context, keyID string) (kms.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.pool.Consume(keyID, s.clock.Now())
	if err != nil {
		return kms.Key{}, err
	}
	if s.metrics != nil {
		s.metrics.SetKeyPool(s.pool.Stats())
	}
	return key, nil
}

// ClearPool drops every stored key.
func (s *SimulationState) ClearPool() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.Clear()
	if s.metrics != nil {
		s.metrics.SetKeyPool(s.pool.Stats())
	}
}

// ClearStolenKeys wipes the adversary's theft ledger and counters.
func (s *SimulationState) ClearStolenKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adversary.ClearStolenKeys()
}

// SetSmartRouting toggles threat-aware routing and recomputes the route
// immediately under the new policy. Enabling moves traffic off any hot
// links without waiting for the next detection cycle; disabling snaps
// traffic back to the pure-distance shortest path.
func (s *SimulationState) SetSmartRouting(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topo.SetSmartRouting(enabled)
	if err := s.controller.Recompute(ctx); err != nil {
		return err
	}
	s.publishRoutingMetricsLocked()
	return nil
}

// SetNoise replaces the channel noise model for subsequent exchanges.
func (s *SimulationState) SetNoise(n core.NoiseModel) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noise = n
	return nil
}

// SetKeyLength changes the raw pulse count for subsequent exchanges.
func (s *SimulationState) SetKeyLength(n int) error {
	if n < core.MinKeyLength || n > core.MaxKeyLength {
		return fmt.Errorf("%w: key length %d outside [%d, %d]",
			core.ErrInvalidConfig, n, core.MinKeyLength, core.MaxKeyLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyLength = n
	return nil
}

// RepairLink restores a link to a fresh baseline error rate, clearing
// any compromised marking.
func (s *SimulationState) RepairLink(ctx context.Context, linkID string) (core.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	baseline := 0.005 + s.rng.Float64()*0.035
	link, err := s.topo.ResetLink(linkID, baseline)
	if err != nil {
		return core.Link{}, err
	}
	if s.metrics != nil {
		s.metrics.SetLinkQBER(link.ID(), link.QBER)
	}
	s.log.Info(ctx, "link repaired",
		logging.String("link", link.ID()),
		logging.Float64("qber", link.QBER))
	return link, nil
}

// Snapshot captures a consistent view of the whole simulation.
type Snapshot struct {
	Tick          uint64
	SimTime       time.Time
	Topology      core.TopologySnapshot
	RoutingState  sdn.RoutingState
	RouteChanges  uint64
	NetworkHealth float64
	PoolStats     kms.Stats
	Adversary     eve.Status
	SessionCount  int
	LastSession   *core.KeySession
}

// Snapshot returns a coherent view of the current simulation state.
func (s *SimulationState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Tick:          s.tick,
		SimTime:       s.clock.Now(),
		Topology:      s.topo.Snapshot(),
		RoutingState:  s.controller.State(),
		RouteChanges:  s.controller.RouteChanges(),
		NetworkHealth: s.controller.NetworkHealth(),
		PoolStats:     s.pool.Stats(),
		Adversary:     s.adversary.Status(),
		SessionCount:  len(s.sessions),
	}
	if len(s.sessions) > 0 {
		snap.LastSession = cloneSession(s.sessions[len(s.sessions)-1])
	}
	return snap
}

// Sessions returns the most recent exchange records, newest last.
// limit <= 0 means all retained records.
func (s *SimulationState) Sessions(limit int) []*core.KeySession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.sessions) {
		limit = len(s.sessions)
	}
	out := make([]*core.KeySession, 0, limit)
	for _, sess := range s.sessions[len(s.sessions)-limit:] {
		out = append(out, cloneSession(sess))
	}
	return out
}

// Keys lists the pool contents.
func (s *SimulationState) Keys() []kms.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool.List()
}

// Alerts returns the routing controller's recent alerts.
func (s *SimulationState) Alerts(limit int) []sdn.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller.Alerts(limit)
}

// ClearAlerts empties the alert feed.
func (s *SimulationState) ClearAlerts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controller.ClearAlerts()
	s.alertsObserved = 0
}

// AdversaryStatus snapshots the attacker console.
func (s *SimulationState) AdversaryStatus() eve.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adversary.Status()
}

// Intercepts returns the adversary's recent capture feed.
func (s *SimulationState) Intercepts(limit int) []eve.InterceptedQubit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adversary.Intercepts(limit)
}

// recordLinkQBERLocked writes a fresh error rate observation to the
// topology and feeds it to the routing controller, invalidating pooled
// keys when the link turns compromised.
func (s *SimulationState) recordLinkQBERLocked(ctx context.Context, linkID string, qber float64, attack core.AttackType, now time.Time) {
	before, err := s.topo.Link(linkID)
	if err != nil {
		s.log.Error(ctx, "unknown link in QBER update", logging.String("link", linkID))
		return
	}
	after, err := s.topo.UpdateLinkQBER(linkID, qber, attack)
	if err != nil {
		return
	}
	s.controller.OnLinkQBER(before, after, s.tick, now)

	if after.Compromised && !before.Compromised {
		if n := s.pool.InvalidateByLink(linkID, now); n > 0 {
			s.log.Warn(ctx, "invalidated keys over compromised link",
				logging.String("link", linkID),
				logging.Int("keys", n))
			if s.adversary.Active() {
				s.adversary.RecordInvalidated(n)
			}
			if s.metrics != nil {
				s.metrics.SetKeyPool(s.pool.Stats())
			}
		}
	}
	if s.metrics != nil {
		s.metrics.SetLinkQBER(after.ID(), after.QBER)
	}
}

func (s *SimulationState) appendSessionLocked(session *core.KeySession) {
	s.sessions = append(s.sessions, session)
	if len(s.sessions) > sessionHistory {
		s.sessions = s.sessions[len(s.sessions)-sessionHistory:]
	}
}

func (s *SimulationState) publishRoutingMetricsLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetRoutingState(string(s.controller.State()))
}

// syncAlertMetricsLocked forwards alerts raised since the last sync.
func (s *SimulationState) syncAlertMetricsLocked() {
	if s.metrics == nil {
		return
	}
	alerts := s.controller.Alerts(0)
	for i := s.alertsObserved; i < len(alerts); i++ {
		s.metrics.IncAlert(string(alerts[i].Severity))
	}
	s.alertsObserved = len(alerts)
}

func cloneSession(s *core.KeySession) *core.KeySession {
	out := *s
	out.FinalKey = append([]int(nil), s.FinalKey...)
	out.QBERHistory = append([]float64(nil), s.QBERHistory...)
	return &out
}
