package sdn

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/qkd-simulator/core"
)

// raiseQBER pushes a fresh observation through the controller the way
// the state layer does: topology first, then the controller callback.
func raiseQBER(t *testing.T, topo *core.Topology, c *Controller, linkID string, qber float64, tick uint64) {
	t.Helper()
	before, err := topo.Link(linkID)
	if err != nil {
		t.Fatalf("Link(%s): %v", linkID, err)
	}
	after, err := topo.UpdateLinkQBER(linkID, qber, core.AttackInterceptResend)
	if err != nil {
		t.Fatalf("UpdateLinkQBER(%s): %v", linkID, err)
	}
	c.OnLinkQBER(before, after, tick, time.Now())
}

func TestRerouteLandsOneTickAfterBreach(t *testing.T) {
	topo := buildMesh(t)
	c := newTestController(t, topo)
	ctx := context.Background()

	// Breach at tick 3.
	raiseQBER(t, topo, c, "A-R1", 0.25, 3)
	if c.State() != StateDetecting {
		t.Fatalf("state = %s, want detecting", c.State())
	}

	// Same tick: no reroute yet.
	c.Tick(ctx, 3, time.Now())
	if c.State() != StateDetecting {
		t.Fatalf("state after breach tick = %s, want detecting", c.State())
	}
	assertRoute(t, topo.ActiveRoute(), []string{"A", "R1", "R3", "B"})

	// Next tick: traffic moves.
	c.Tick(ctx, 4, time.Now())
	if c.State() != StateRerouted {
		t.Fatalf("state = %s, want rerouted", c.State())
	}
	assertRoute(t, topo.ActiveRoute(), []string{"A", "R2", "R3", "B"})
	if c.RouteChanges() != 1 {
		t.Fatalf("RouteChanges = %d, want 1", c.RouteChanges())
	}
}

func TestRestoreAfterThreatClears(t *testing.T) {
	topo := buildMesh(t)
	c := newTestController(t, topo)
	ctx := context.Background()

	raiseQBER(t, topo, c, "A-R1", 0.25, 1)
	c.Tick(ctx, 2, time.Now())
	if c.State() != StateRerouted {
		t.Fatalf("state = %s, want rerouted", c.State())
	}

	// Threat persists: the controller holds the detour.
	c.Tick(ctx, 3, time.Now())
	if c.State() != StateRerouted {
		t.Fatalf("state = %s, want rerouted while threat persists", c.State())
	}

	// Link repaired; the next tick settles back to the optimal path.
	if _, err := topo.ResetLink("A-R1", 0.01); err != nil {
		t.Fatalf("ResetLink: %v", err)
	}
	c.Tick(ctx, 4, time.Now())
	if c.State() != StateStable {
		t.Fatalf("state = %s, want stable after restore", c.State())
	}
	assertRoute(t, topo.ActiveRoute(), []string{"A", "R1", "R3", "B"})
	if c.RouteChanges() != 2 {
		t.Fatalf("RouteChanges = %d, want 2", c.RouteChanges())
	}
}

func TestOffRouteThreatDoesNotBlockRestore(t *testing.T) {
	topo := buildMesh(t)
	c := newTestController(t, topo)
	ctx := context.Background()

	raiseQBER(t, topo, c, "A-R1", 0.25, 1)
	c.Tick(ctx, 2, time.Now())
	if c.State() != StateRerouted {
		t.Fatalf("state = %s, want rerouted", c.State())
	}

	// A different link, off both the old and new routes, turns elevated.
	raiseQBER(t, topo, c, "B-R4", 0.15, 2)

	// Only the breached link gates restoration; repairing it settles the
	// controller even though B-R4 is still hot.
	if _, err := topo.ResetLink("A-R1", 0.01); err != nil {
		t.Fatalf("ResetLink: %v", err)
	}
	c.Tick(ctx, 3, time.Now())
	if c.State() != StateStable {
		t.Fatalf("state = %s, want stable despite the off-route threat", c.State())
	}
	assertRoute(t, topo.ActiveRoute(), []string{"A", "R1", "R3", "B"})
}

func TestDisabledSmartRoutingRecomputesPureShortestPath(t *testing.T) {
	topo := buildMesh(t)
	c := newTestController(t, topo)
	ctx := context.Background()

	raiseQBER(t, topo, c, "A-R1", 0.25, 1)
	c.Tick(ctx, 2, time.Now())
	assertRoute(t, topo.ActiveRoute(), []string{"A", "R2", "R3", "B"})

	// Disabling smart routing snaps traffic back onto the shortest path
	// on the next tick, hot link or not.
	topo.SetSmartRouting(false)
	c.Tick(ctx, 3, time.Now())
	if c.State() != StateStable {
		t.Fatalf("state = %s, want stable in distance-only mode", c.State())
	}
	assertRoute(t, topo.ActiveRoute(), []string{"A", "R1", "R3", "B"})

	// Every subsequent tick keeps the pure-distance path.
	raiseQBER(t, topo, c, "R1-R3", 0.3, 4)
	c.Tick(ctx, 4, time.Now())
	assertRoute(t, topo.ActiveRoute(), []string{"A", "R1", "R3", "B"})
}

func TestBreachOffRouteDoesNotArmDetection(t *testing.T) {
	topo := buildMesh(t)
	c := newTestController(t, topo)

	// R4 is not on the active A-R1-R3-B path.
	raiseQBER(t, topo, c, "B-R4", 0.25, 1)
	if c.State() != StateStable {
		t.Fatalf("state = %s, want stable for an off-route breach", c.State())
	}
	// The alert still fires.
	alerts := c.Alerts(0)
	if len(alerts) != 1 || alerts[0].Severity != SeverityCritical {
		t.Fatalf("alerts = %+v, want one critical", alerts)
	}
}

func TestThresholdCrossingRaisesSingleAlert(t *testing.T) {
	topo := buildMesh(t)
	c := newTestController(t, topo)

	raiseQBER(t, topo, c, "A-R1", 0.15, 1)
	raiseQBER(t, topo, c, "A-R1", 0.16, 2)
	raiseQBER(t, topo, c, "A-R1", 0.17, 3)

	warnings := 0
	for _, a := range c.Alerts(0) {
		if a.Severity == SeverityWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Fatalf("got %d warning alerts for one upward crossing, want 1", warnings)
	}
}

func TestClearAlerts(t *testing.T) {
	topo := buildMesh(t)
	c := newTestController(t, topo)

	raiseQBER(t, topo, c, "A-R1", 0.15, 1)
	if len(c.Alerts(0)) == 0 {
		t.Fatal("expected an alert")
	}
	c.ClearAlerts()
	if len(c.Alerts(0)) != 0 {
		t.Fatal("alerts survived ClearAlerts")
	}
}
