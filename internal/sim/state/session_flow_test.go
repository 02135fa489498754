package state

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/qkd-simulator/core"
	"github.com/signalsfoundry/qkd-simulator/internal/eve"
	"github.com/signalsfoundry/qkd-simulator/internal/kms"
	"github.com/signalsfoundry/qkd-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-simulator/internal/sdn"
	"github.com/signalsfoundry/qkd-simulator/timectrl"
)

func fixedMesh(t *testing.T) *core.Topology {
	t.Helper()
	topo := core.NewTopology()
	for _, n := range []core.Node{
		{ID: "A", Role: core.RoleSender},
		{ID: "R1", Role: core.RoleRouter},
		{ID: "R2", Role: core.RoleRouter},
		{ID: "R3", Role: core.RoleRouter},
		{ID: "R4", Role: core.RoleRouter},
		{ID: "B", Role: core.RoleReceiver},
	} {
		if err := topo.AddNode(n); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	for _, l := range []struct {
		a, b string
		km   float64
	}{
		{"A", "R1", 1}, {"A", "R2", 2},
		{"R1", "R3", 1}, {"R1", "R4", 2},
		{"R2", "R3", 1}, {"R2", "R4", 1},
		{"R3", "B", 1}, {"R4", "B", 2},
	} {
		if err := topo.AddLink(l.a, l.b, l.km); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}
	return topo
}

func newTestSim(t *testing.T, seed int64) (*SimulationState, *timectrl.TimeController) {
	t.Helper()
	start := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Manual)

	topo := fixedMesh(t)
	controller, err := sdn.New(topo, logging.Noop())
	if err != nil {
		t.Fatalf("sdn.New: %v", err)
	}
	rng := rand.New(rand.NewSource(seed))
	sim := New(
		topo,
		core.NewEngine(core.WithRand(rng)),
		kms.NewPool(),
		controller,
		eve.New(rng, nil),
		tc,
		rng,
		logging.Noop(),
	)
	return sim, tc
}

func TestCleanExchangeFillsPool(t *testing.T) {
	sim, _ := newTestSim(t, 1)
	ctx := context.Background()

	session, err := sim.GenerateKey(ctx)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if session.EveDetected {
		t.Fatalf("clean exchange flagged, QBER=%.3f", session.QBER)
	}

	snap := sim.Snapshot()
	if snap.PoolStats.Active != 1 {
		t.Fatalf("pool active = %d, want 1", snap.PoolStats.Active)
	}
	if snap.SessionCount != 1 {
		t.Fatalf("session count = %d, want 1", snap.SessionCount)
	}
	if snap.RoutingState != sdn.StateStable {
		t.Fatalf("routing state = %s, want stable", snap.RoutingState)
	}
}

func TestInterceptDetectionTriggersRerouteNextTick(t *testing.T) {
	sim, _ := newTestSim(t, 2)
	ctx := context.Background()

	// Settle on the initial route.
	sim.RunTick(ctx)

	err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"})
	if err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}

	// Activation paints the attack signature; the controller has seen
	// the breach but has not moved traffic yet.
	snap := sim.Snapshot()
	if snap.RoutingState != sdn.StateDetecting {
		t.Fatalf("routing state = %s, want detecting", snap.RoutingState)
	}
	link, err := sim.Topology().Link("A-R1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if link.Threat() != core.ThreatCritical {
		t.Fatalf("attacked link threat = %s, want critical", link.Threat())
	}

	res := sim.RunTick(ctx)
	if !res.RouteChanged {
		t.Fatal("route did not change on the tick after detection")
	}
	for _, id := range core.RouteLinks(res.Route) {
		if id == "A-R1" {
			t.Fatalf("new route %v still crosses the attacked link", res.Route)
		}
	}
	if res.State != sdn.StateRerouted {
		t.Fatalf("routing state = %s, want rerouted", res.State)
	}
}

func TestExchangeOnAttackedRouteIsDiscarded(t *testing.T) {
	sim, _ := newTestSim(t, 3)
	ctx := context.Background()

	// Attack every link of the active route so rerouting cannot dodge
	// the tap, then run an exchange before any tick.
	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, nil); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}

	session, err := sim.GenerateKey(ctx)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !session.EveDetected {
		t.Fatalf("full intercept not detected, QBER=%.3f", session.QBER)
	}
	if sim.Snapshot().PoolStats.Total != 0 {
		t.Fatal("detected exchange still landed in the pool")
	}

	st := sim.AdversaryStatus()
	if st.QubitsMatched == 0 {
		t.Fatal("adversary counters not updated")
	}
	if len(sim.Intercepts(0)) == 0 {
		t.Fatal("intercept feed empty after an engaged exchange")
	}
}

func TestRerouteEscapesTheTap(t *testing.T) {
	sim, _ := newTestSim(t, 4)
	ctx := context.Background()

	sim.RunTick(ctx)
	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}
	sim.RunTick(ctx)

	// Traffic now avoids A-R1, so the exchange runs clean.
	session, err := sim.GenerateKey(ctx)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if session.EveDetected {
		t.Fatalf("rerouted exchange still flagged, QBER=%.3f", session.QBER)
	}
	if session.Attack != core.AttackNone {
		t.Fatalf("session attack = %s, want none after reroute", session.Attack)
	}
	if sim.Snapshot().PoolStats.Active != 1 {
		t.Fatal("clean rerouted exchange missing from the pool")
	}
}

func TestStealKeyLeavesLinksQuiet(t *testing.T) {
	sim, _ := newTestSim(t, 5)
	ctx := context.Background()

	if _, err := sim.GenerateKey(ctx); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	key, err := sim.StealKey(ctx, "")
	if err != nil {
		t.Fatalf("StealKey: %v", err)
	}
	if key.Status != kms.StatusCompromised {
		t.Fatalf("stolen key status = %s, want compromised", key.Status)
	}

	snap := sim.Snapshot()
	if snap.PoolStats.Compromised != 1 || snap.PoolStats.Active != 0 {
		t.Fatalf("pool stats = %+v, want one compromised key", snap.PoolStats)
	}
	// No link shows a disturbance and routing stays put.
	for _, l := range snap.Topology.Links {
		if l.Threat() != core.ThreatNominal {
			t.Fatalf("link %s disturbed by a pool theft", l.ID())
		}
	}
	if snap.RoutingState != sdn.StateStable {
		t.Fatalf("routing state = %s, want stable", snap.RoutingState)
	}
}

func TestGenerateCompromisedKey(t *testing.T) {
	sim, _ := newTestSim(t, 6)
	ctx := context.Background()

	key, err := sim.GenerateCompromisedKey(ctx)
	if err != nil {
		t.Fatalf("GenerateCompromisedKey: %v", err)
	}
	if key.Status != kms.StatusCompromised {
		t.Fatalf("key status = %s, want compromised", key.Status)
	}

	st := sim.AdversaryStatus()
	if len(st.StolenKeys) != 1 || st.StolenKeys[0] != key.ID {
		t.Fatalf("stolen keys = %v, want [%s]", st.StolenKeys, key.ID)
	}
}

func TestDeactivateAttackRestoresLinks(t *testing.T) {
	sim, _ := newTestSim(t, 7)
	ctx := context.Background()

	sim.RunTick(ctx)
	if err := sim.ActivateAttack(ctx, core.AttackNoiseInjection, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}
	sim.RunTick(ctx)

	if err := sim.DeactivateAttack(ctx); err != nil {
		t.Fatalf("DeactivateAttack: %v", err)
	}
	link, err := sim.Topology().Link("A-R1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if link.Threat() != core.ThreatNominal {
		t.Fatalf("link threat after deactivation = %s, want nominal", link.Threat())
	}
	if link.Compromised {
		t.Fatal("compromised flag survived deactivation")
	}

	// The controller settles back onto the shortest path.
	res := sim.RunTick(ctx)
	if res.State != sdn.StateStable {
		t.Fatalf("routing state = %s, want stable", res.State)
	}
	if len(res.Route) == 0 || res.Route[1] != "R1" {
		t.Fatalf("route = %v, want restored via R1", res.Route)
	}
}

func TestReactivateAttackReplacesTarget(t *testing.T) {
	sim, _ := newTestSim(t, 13)
	ctx := context.Background()

	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}

	// A second activation overwrites the first instead of failing.
	if err := sim.ActivateAttack(ctx, core.AttackPNS, 0.5, []string{"R1-R3"}); err != nil {
		t.Fatalf("reactivation: %v", err)
	}

	st := sim.AdversaryStatus()
	if st.Attack != core.AttackPNS || st.InterceptRate != 0.5 {
		t.Fatalf("adversary status = %+v, want pns at rate 0.5", st)
	}
	if len(st.TargetLinks) != 1 || st.TargetLinks[0] != "R1-R3" {
		t.Fatalf("targets = %v, want [R1-R3]", st.TargetLinks)
	}

	// The abandoned target settles back to a clean baseline.
	link, err := sim.Topology().Link("A-R1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if link.Threat() != core.ThreatNominal || link.Compromised {
		t.Fatalf("abandoned target still hot: %+v", link)
	}
}

func TestDisablingSmartRoutingRestoresShortestPath(t *testing.T) {
	sim, _ := newTestSim(t, 14)
	ctx := context.Background()

	sim.RunTick(ctx)
	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}
	res := sim.RunTick(ctx)
	if !res.RouteChanged {
		t.Fatal("setup: expected a reroute away from A-R1")
	}

	// Security-blind mode routes by distance alone, attack or not.
	if err := sim.SetSmartRouting(ctx, false); err != nil {
		t.Fatalf("SetSmartRouting: %v", err)
	}
	route := sim.Snapshot().Topology.ActiveRoute
	if len(route) != 4 || route[1] != "R1" {
		t.Fatalf("route = %v, want the pure-distance path via R1", route)
	}
	res = sim.RunTick(ctx)
	if res.Route[1] != "R1" {
		t.Fatalf("route = %v after a tick, want the pure-distance path via R1", res.Route)
	}
}

func TestDeactivateSingleLink(t *testing.T) {
	sim, _ := newTestSim(t, 15)
	ctx := context.Background()

	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1", "R1-R3"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}
	if err := sim.DeactivateAttack(ctx, "A-R1"); err != nil {
		t.Fatalf("DeactivateAttack(A-R1): %v", err)
	}

	cleared, err := sim.Topology().Link("A-R1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if cleared.Threat() != core.ThreatNominal || cleared.Compromised {
		t.Fatalf("withdrawn link still hot: %+v", cleared)
	}
	still, err := sim.Topology().Link("R1-R3")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if still.Threat() == core.ThreatNominal {
		t.Fatal("remaining target lost its attack signature")
	}
	if !sim.AdversaryStatus().Active {
		t.Fatal("attack ended although a target remains")
	}
}

func TestSnapshotReportsLinkAttack(t *testing.T) {
	sim, _ := newTestSim(t, 16)
	ctx := context.Background()

	if err := sim.ActivateAttack(ctx, core.AttackTrojanHorse, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}

	for _, l := range sim.Snapshot().Topology.Links {
		want := core.AttackNone
		if l.ID() == "A-R1" {
			want = core.AttackTrojanHorse
		}
		if l.Attack != want {
			t.Fatalf("link %s attack = %s, want %s", l.ID(), l.Attack, want)
		}
	}

	if err := sim.DeactivateAttack(ctx); err != nil {
		t.Fatalf("DeactivateAttack: %v", err)
	}
	link, err := sim.Topology().Link("A-R1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if link.Attack != core.AttackNone {
		t.Fatalf("link attack after deactivation = %s, want none", link.Attack)
	}
}

func TestAdversaryObservesImpactCounters(t *testing.T) {
	sim, _ := newTestSim(t, 17)
	ctx := context.Background()

	if _, err := sim.GenerateKey(ctx); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sim.RunTick(ctx)

	// The attack compromises A-R1, invalidating the pooled key that was
	// distributed over it, and the detour lands one tick later.
	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}
	res := sim.RunTick(ctx)
	if !res.RouteChanged {
		t.Fatal("setup: expected a reroute")
	}

	st := sim.AdversaryStatus()
	if st.KeysInvalidated != 1 {
		t.Fatalf("KeysInvalidated = %d, want 1", st.KeysInvalidated)
	}
	if st.RouteChanges != 1 {
		t.Fatalf("RouteChanges = %d, want 1", st.RouteChanges)
	}
	if st.QBERImpact <= core.QBERWarningThreshold {
		t.Fatalf("QBERImpact = %v, want above the warning threshold", st.QBERImpact)
	}
}

func TestSmartRoutingOffHoldsRoute(t *testing.T) {
	sim, _ := newTestSim(t, 8)
	ctx := context.Background()

	if err := sim.SetSmartRouting(ctx, false); err != nil {
		t.Fatalf("SetSmartRouting: %v", err)
	}
	before := sim.Snapshot().Topology.ActiveRoute

	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}
	res := sim.RunTick(ctx)

	if res.RouteChanged {
		t.Fatal("route changed with smart routing disabled")
	}
	after := res.Route
	if len(before) != len(after) {
		t.Fatalf("route changed: %v -> %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("route changed: %v -> %v", before, after)
		}
	}
}

func TestCompromisedLinkInvalidatesPooledKeys(t *testing.T) {
	sim, _ := newTestSim(t, 9)
	ctx := context.Background()

	if _, err := sim.GenerateKey(ctx); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if sim.Snapshot().PoolStats.Active != 1 {
		t.Fatal("setup: expected one active key")
	}

	// The key's distribution route crossed A-R1; an attack there taints it.
	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}

	stats := sim.Snapshot().PoolStats
	if stats.Compromised != 1 || stats.Active != 0 {
		t.Fatalf("pool stats = %+v, want the key invalidated", stats)
	}
}

func TestSetKeyLengthValidation(t *testing.T) {
	sim, _ := newTestSim(t, 10)

	if err := sim.SetKeyLength(16); err == nil {
		t.Fatal("expected error for undersized key length")
	}
	if err := sim.SetKeyLength(1024); err != nil {
		t.Fatalf("SetKeyLength(1024): %v", err)
	}
}

func TestClearPoolAndStolenKeys(t *testing.T) {
	sim, _ := newTestSim(t, 12)
	ctx := context.Background()

	if _, err := sim.GenerateKey(ctx); err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := sim.StealKey(ctx, ""); err != nil {
		t.Fatalf("StealKey: %v", err)
	}

	sim.ClearPool()
	if got := sim.Snapshot().PoolStats.Total; got != 0 {
		t.Fatalf("pool total = %d after ClearPool, want 0", got)
	}

	if got := sim.AdversaryStatus().StolenKeys; len(got) != 1 {
		t.Fatalf("stolen keys = %v, want one entry before clearing", got)
	}
	sim.ClearStolenKeys()
	st := sim.AdversaryStatus()
	if len(st.StolenKeys) != 0 || st.KeyBitsExposed != 0 {
		t.Fatalf("adversary ledger not cleared: %+v", st)
	}
}

func TestAlertsFlowThroughState(t *testing.T) {
	sim, _ := newTestSim(t, 11)
	ctx := context.Background()

	if err := sim.ActivateAttack(ctx, core.AttackInterceptResend, 1.0, []string{"A-R1"}); err != nil {
		t.Fatalf("ActivateAttack: %v", err)
	}
	if len(sim.Alerts(0)) == 0 {
		t.Fatal("no alert after an attack signature appeared")
	}
	sim.ClearAlerts()
	if len(sim.Alerts(0)) != 0 {
		t.Fatal("alerts survived ClearAlerts")
	}
}
