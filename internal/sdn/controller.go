// Package sdn implements the software-defined routing control plane
// that steers key exchange traffic around eavesdropped links.
package sdn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/qkd-simulator/core"
	"github.com/signalsfoundry/qkd-simulator/internal/logging"
)

// ErrNoRoute is returned when no usable path connects the endpoints.
var ErrNoRoute = errors.New("no route between endpoints")

// QBERPenaltyFactor scales how hard an elevated error rate pushes
// traffic off a link. At 1000 even a small excursion above the warning
// threshold dominates any distance advantage.
const QBERPenaltyFactor = 1000.0

// maxAlerts caps the retained alert feed; older entries are dropped.
const maxAlerts = 256

// RoutingState is the controller's position in the detect/reroute/
// restore cycle.
type RoutingState string

const (
	StateStable    RoutingState = "stable"
	StateDetecting RoutingState = "detecting"
	StateRerouted  RoutingState = "rerouted"
	StateRestoring RoutingState = "restoring"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one entry in the controller's event feed.
type Alert struct {
	Severity Severity
	LinkID   string
	QBER     float64
	Message  string
	Tick     uint64
	At       time.Time
}

// Controller makes routing decisions over a shared topology. It does no
// locking of its own; the simulation state layer serializes all calls.
type Controller struct {
	topo *core.Topology
	log  logging.Logger

	state       RoutingState
	breachTick  uint64
	alerts      []Alert
	routeChange uint64

	// breached holds the links whose threshold crossing drove the
	// current detect/reroute cycle. Restoration waits on these links
	// only, not on every link in the graph.
	breached map[string]struct{}

	sender   string
	receiver string

	// lastGoodRoute survives a disconnection so traffic has somewhere
	// to go while the operator intervenes.
	lastGoodRoute []string
}

// New builds a controller over topo and installs the initial route.
func New(topo *core.Topology, log logging.Logger) (*Controller, error) {
	if log == nil {
		log = logging.Noop()
	}
	sender, receiver, err := topo.Endpoints()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		topo:     topo,
		log:      log,
		state:    StateStable,
		sender:   sender,
		receiver: receiver,
		breached: make(map[string]struct{}),
	}
	route, err := c.computeRoute()
	if err != nil {
		return nil, fmt.Errorf("initial route: %w", err)
	}
	c.installRoute(route)
	return c, nil
}

// State returns the current routing state.
func (c *Controller) State() RoutingState { return c.state }

// RouteChanges returns how many times the active route has been
// replaced since startup.
func (c *Controller) RouteChanges() uint64 { return c.routeChange }

// OnLinkQBER reacts to a fresh error rate observation. Crossing a
// threshold upward raises an alert; a breach on the active route arms
// the detection timer so the reroute lands on the next tick.
func (c *Controller) OnLinkQBER(before, after core.Link, tick uint64, now time.Time) {
	if after.Threat() != core.ThreatNominal && before.Threat() == core.ThreatNominal {
		sev := SeverityWarning
		if after.Threat() == core.ThreatCritical {
			sev = SeverityCritical
		}
		c.addAlert(Alert{
			Severity: sev,
			LinkID:   after.ID(),
			QBER:     after.QBER,
			Message:  fmt.Sprintf("QBER %.3f exceeds %s threshold on %s", after.QBER, after.Threat(), after.ID()),
			Tick:     tick,
			At:       now,
		})
	}

	if !c.topo.SmartRouting() {
		return
	}
	if after.Threat() != core.ThreatNominal && c.onActiveRoute(after.ID()) {
		c.breached[after.ID()] = struct{}{}
		if c.state == StateStable {
			c.state = StateDetecting
			c.breachTick = tick
		}
	}
}

// Tick advances the routing state machine. Reroutes take effect one
// tick after detection, never on the breach tick itself. With smart
// routing disabled the machine degenerates: the pure-distance shortest
// path is recomputed every tick, ignoring link quality entirely.
func (c *Controller) Tick(ctx context.Context, tick uint64, now time.Time) {
	if !c.topo.SmartRouting() {
		c.state = StateStable
		clear(c.breached)
		route, err := c.computeRoute()
		if err != nil {
			return
		}
		if !samePath(route, c.topo.ActiveRoute()) {
			c.installRoute(route)
			c.routeChange++
			c.log.Info(ctx, "distance-only route recomputed",
				logging.Any("route", route), logging.Any("tick", tick))
		}
		return
	}

	switch c.state {
	case StateDetecting:
		if tick <= c.breachTick {
			return
		}
		route, err := c.computeRoute()
		if err != nil {
			// Disconnected. Keep the last known-good route so traffic
			// is not dropped on the floor, and escalate.
			c.addAlert(Alert{
				Severity: SeverityCritical,
				Message:  "no clean route available, holding last known-good path",
				Tick:     tick,
				At:       now,
			})
			c.log.Warn(ctx, "routing disconnected, holding last route",
				logging.Any("route", c.lastGoodRoute))
			c.state = StateRerouted
			return
		}
		if samePath(route, c.topo.ActiveRoute()) {
			c.state = StateStable
			return
		}
		c.installRoute(route)
		c.routeChange++
		c.state = StateRerouted
		c.addAlert(Alert{
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("traffic rerouted via %v", route),
			Tick:     tick,
			At:       now,
		})
		c.log.Info(ctx, "rerouted around threat",
			logging.Any("route", route), logging.Any("tick", tick))

	case StateRerouted:
		// A held route may itself be hostile after a disconnection;
		// leave it as soon as any alternative opens up.
		if c.RouteCompromised() {
			route, err := c.computeRoute()
			if err != nil || samePath(route, c.topo.ActiveRoute()) {
				return
			}
			c.installRoute(route)
			c.routeChange++
			c.addAlert(Alert{
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("traffic rerouted via %v", route),
				Tick:     tick,
				At:       now,
			})
			return
		}
		if !c.threatsCleared() {
			return
		}
		// Restoring is transient: recompute the optimal path and settle
		// back to stable within the same tick.
		c.state = StateRestoring
		clear(c.breached)
		route, err := c.computeRoute()
		if err == nil && !samePath(route, c.topo.ActiveRoute()) {
			c.installRoute(route)
			c.routeChange++
			c.addAlert(Alert{
				Severity: SeverityInfo,
				Message:  fmt.Sprintf("threat cleared, restored route %v", route),
				Tick:     tick,
				At:       now,
			})
		}
		c.state = StateStable
	}
}

// RouteCompromised reports whether any link on the active route is
// currently above the warning threshold.
func (c *Controller) RouteCompromised() bool {
	for _, id := range core.RouteLinks(c.topo.ActiveRoute()) {
		link, err := c.topo.Link(id)
		if err != nil {
			continue
		}
		if link.Threat() != core.ThreatNominal {
			return true
		}
	}
	return false
}

// NetworkHealth is the fraction of links at nominal threat, in [0, 1].
func (c *Controller) NetworkHealth() float64 {
	snap := c.topo.Snapshot()
	if len(snap.Links) == 0 {
		return 1
	}
	nominal := 0
	for _, l := range snap.Links {
		if l.Threat() == core.ThreatNominal {
			nominal++
		}
	}
	return float64(nominal) / float64(len(snap.Links))
}

// Alerts returns the most recent alerts, newest last. limit <= 0 means
// all retained alerts.
func (c *Controller) Alerts(limit int) []Alert {
	if limit <= 0 || limit > len(c.alerts) {
		limit = len(c.alerts)
	}
	out := make([]Alert, limit)
	copy(out, c.alerts[len(c.alerts)-limit:])
	return out
}

// ClearAlerts empties the alert feed.
func (c *Controller) ClearAlerts() { c.alerts = nil }

// Recompute forces a fresh route computation outside the state machine,
// used when the operator toggles smart routing.
func (c *Controller) Recompute(ctx context.Context) error {
	route, err := c.computeRoute()
	if err != nil {
		return err
	}
	if !samePath(route, c.topo.ActiveRoute()) {
		c.installRoute(route)
		c.routeChange++
	}
	c.state = StateStable
	clear(c.breached)
	return nil
}

func (c *Controller) installRoute(route []string) {
	c.topo.SetActiveRoute(route)
	c.lastGoodRoute = append([]string(nil), route...)
}

func (c *Controller) onActiveRoute(linkID string) bool {
	for _, id := range core.RouteLinks(c.topo.ActiveRoute()) {
		if id == linkID {
			return true
		}
	}
	return false
}

// threatsCleared reports whether every link that drove the current
// cycle has settled back to nominal. Elevated links elsewhere in the
// graph do not hold the controller in the rerouted state.
func (c *Controller) threatsCleared() bool {
	for id := range c.breached {
		link, err := c.topo.Link(id)
		if err != nil {
			continue
		}
		if link.Threat() != core.ThreatNominal {
			return false
		}
	}
	return true
}

func (c *Controller) addAlert(a Alert) {
	c.alerts = append(c.alerts, a)
	if len(c.alerts) > maxAlerts {
		c.alerts = c.alerts[len(c.alerts)-maxAlerts:]
	}
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
