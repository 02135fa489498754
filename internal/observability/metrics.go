package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/qkd-simulator/internal/kms"
)

// SimCollector bundles Prometheus metrics for the simulator and
// satisfies the state layer's MetricsRecorder interface.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Sessions    *prometheus.CounterVec
	SessionQBER prometheus.Histogram

	LinkQBER     *prometheus.GaugeVec
	RouteChanges prometheus.Counter
	RoutingState *prometheus.GaugeVec

	KeyPool *prometheus.GaugeVec
	Alerts  *prometheus.CounterVec

	InterceptedQubits prometheus.Counter
}

// routingStates enumerates the label values RoutingState can carry so
// the one-hot gauge always publishes the full set.
var routingStates = []string{"stable", "detecting", "rerouted", "restoring"}

// NewSimCollector registers simulator Prometheus metrics against the
// provided registerer, defaulting to the global registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qkd_sessions_total",
		Help: "Completed key exchanges, labeled by attack type and detection outcome.",
	}, []string{"attack", "eve_detected"})
	sessions, err := registerCounterVec(reg, sessions, "qkd_sessions_total")
	if err != nil {
		return nil, err
	}

	sessionQBER, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "qkd_session_qber",
		Help:    "Per-session quantum bit error rate.",
		Buckets: []float64{0.01, 0.02, 0.05, 0.11, 0.15, 0.2, 0.25, 0.3, 0.5},
	}), "qkd_session_qber")
	if err != nil {
		return nil, err
	}

	linkQBER := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qkd_link_qber",
		Help: "Most recent error rate observed per link.",
	}, []string{"link"})
	linkQBER, err = registerGaugeVec(reg, linkQBER, "qkd_link_qber")
	if err != nil {
		return nil, err
	}

	routeChanges, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qkd_route_changes_total",
		Help: "Number of active route replacements since startup.",
	}), "qkd_route_changes_total")
	if err != nil {
		return nil, err
	}

	routingState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qkd_routing_state",
		Help: "One-hot gauge of the routing controller state.",
	}, []string{"state"})
	routingState, err = registerGaugeVec(reg, routingState, "qkd_routing_state")
	if err != nil {
		return nil, err
	}

	keyPool := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qkd_keypool_keys",
		Help: "Keys in the pool by lifecycle status.",
	}, []string{"status"})
	keyPool, err = registerGaugeVec(reg, keyPool, "qkd_keypool_keys")
	if err != nil {
		return nil, err
	}

	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qkd_alerts_total",
		Help: "Routing alerts raised, labeled by severity.",
	}, []string{"severity"})
	alerts, err = registerCounterVec(reg, alerts, "qkd_alerts_total")
	if err != nil {
		return nil, err
	}

	intercepted, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qkd_intercepted_qubits_total",
		Help: "Qubits touched by the adversary across all exchanges.",
	}), "qkd_intercepted_qubits_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:          gatherer,
		Sessions:          sessions,
		SessionQBER:       sessionQBER,
		LinkQBER:          linkQBER,
		RouteChanges:      routeChanges,
		RoutingState:      routingState,
		KeyPool:           keyPool,
		Alerts:            alerts,
		InterceptedQubits: intercepted,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveSession records a finished exchange.
func (c *SimCollector) ObserveSession(attack string, qber float64, finalBits int, eveDetected bool) {
	if c == nil {
		return
	}
	detected := "false"
	if eveDetected {
		detected = "true"
	}
	if c.Sessions != nil {
		c.Sessions.WithLabelValues(attack, detected).Inc()
	}
	if c.SessionQBER != nil {
		c.SessionQBER.Observe(qber)
	}
}

// SetLinkQBER publishes the latest per-link error rate.
func (c *SimCollector) SetLinkQBER(linkID string, qber float64) {
	if c == nil || c.LinkQBER == nil {
		return
	}
	c.LinkQBER.WithLabelValues(linkID).Set(qber)
}

// SetRoutingState publishes the controller state as a one-hot gauge.
func (c *SimCollector) SetRoutingState(st string) {
	if c == nil || c.RoutingState == nil {
		return
	}
	for _, name := range routingStates {
		v := 0.0
		if name == st {
			v = 1
		}
		c.RoutingState.WithLabelValues(name).Set(v)
	}
}

// AddRouteChanges counts route replacements.
func (c *SimCollector) AddRouteChanges(n uint64) {
	if c == nil || c.RouteChanges == nil || n == 0 {
		return
	}
	c.RouteChanges.Add(float64(n))
}

// SetKeyPool publishes the pool census.
func (c *SimCollector) SetKeyPool(stats kms.Stats) {
	if c == nil || c.KeyPool == nil {
		return
	}
	c.KeyPool.WithLabelValues(string(kms.StatusActive)).Set(float64(stats.Active))
	c.KeyPool.WithLabelValues(string(kms.StatusUsed)).Set(float64(stats.Used))
	c.KeyPool.WithLabelValues(string(kms.StatusCompromised)).Set(float64(stats.Compromised))
}

// IncAlert counts a raised alert.
func (c *SimCollector) IncAlert(severity string) {
	if c == nil || c.Alerts == nil {
		return
	}
	c.Alerts.WithLabelValues(severity).Inc()
}

// AddInterceptedQubits counts adversary captures.
func (c *SimCollector) AddInterceptedQubits(n int) {
	if c == nil || c.InterceptedQubits == nil || n <= 0 {
		return
	}
	c.InterceptedQubits.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
