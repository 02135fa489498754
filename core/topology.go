package core

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrLinkNotFound  = errors.New("link not found")
	ErrDuplicateNode = errors.New("duplicate node")
	ErrDuplicateLink = errors.New("duplicate link")
	ErrInvalidLink   = errors.New("invalid link")
)

// Role classifies a node's function in the network.
type Role string

const (
	RoleSender   Role = "sender"
	RoleRouter   Role = "router"
	RoleReceiver Role = "receiver"
)

// ThreatLevel is the qualitative reading of a link's error rate against
// the protocol thresholds.
type ThreatLevel string

const (
	ThreatNominal  ThreatLevel = "nominal"
	ThreatElevated ThreatLevel = "elevated"
	ThreatCritical ThreatLevel = "critical"
)

// Node is a network endpoint or relay.
type Node struct {
	ID    string
	Label string
	Role  Role
}

// Link is an undirected quantum channel between two nodes. QBER is the
// most recently observed error rate on the channel; Compromised is set
// once QBER crosses the warning threshold and sticks until the link is
// reset. Attack records which eavesdropping strategy the latest
// observation was attributed to.
type Link struct {
	A           string
	B           string
	DistanceKm  float64
	QBER        float64
	Compromised bool
	Attack      AttackType
}

// ID returns the link's canonical identifier.
func (l Link) ID() string { return LinkID(l.A, l.B) }

// Threat grades the link by its current error rate. Both bands include
// their lower bound, so a link sitting exactly at the warning threshold
// already reads elevated.
func (l Link) Threat() ThreatLevel {
	switch {
	case l.QBER >= QBERCriticalThreshold:
		return ThreatCritical
	case l.QBER >= QBERWarningThreshold:
		return ThreatElevated
	default:
		return ThreatNominal
	}
}

// LinkID builds the canonical identifier for the unordered pair (a, b).
// Both orderings map to the same ID.
func LinkID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "-" + b
}

// SplitLinkID is the inverse of LinkID.
func SplitLinkID(id string) (a, b string, err error) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed link id %q", ErrInvalidLink, id)
	}
	return parts[0], parts[1], nil
}

// Topology is the guarded network graph. All reads take snapshots so
// callers never hold references into guarded state.
type Topology struct {
	mu    sync.RWMutex
	nodes map[string]Node
	links map[string]Link

	// adjacency maps node ID to neighbor IDs.
	adjacency map[string][]string

	smartRouting bool
	activeRoute  []string
}

func NewTopology() *Topology {
	return &Topology{
		nodes:        make(map[string]Node),
		links:        make(map[string]Link),
		adjacency:    make(map[string][]string),
		smartRouting: true,
	}
}

func (t *Topology) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidLink)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
	}
	t.nodes[n.ID] = n
	return nil
}

func (t *Topology) AddLink(a, b string, distanceKm float64) error {
	if a == b {
		return fmt.Errorf("%w: self loop on %q", ErrInvalidLink, a)
	}
	if distanceKm <= 0 {
		return fmt.Errorf("%w: non-positive distance %v", ErrInvalidLink, distanceKm)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range []string{a, b} {
		if _, ok := t.nodes[id]; !ok {
			return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
		}
	}
	id := LinkID(a, b)
	if _, ok := t.links[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLink, id)
	}
	t.links[id] = Link{A: min(a, b), B: max(a, b), DistanceKm: distanceKm, Attack: AttackNone}
	t.adjacency[a] = insertSorted(t.adjacency[a], b)
	t.adjacency[b] = insertSorted(t.adjacency[b], a)
	return nil
}

// UpdateLinkQBER records a new error rate observation on a link,
// attributed to the given attack (AttackNone for ordinary traffic). The
// value is clamped to [0, 1]; exceeding the warning threshold marks the
// link compromised until ResetLink.
func (t *Topology) UpdateLinkQBER(linkID string, qber float64, attack AttackType) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[linkID]
	if !ok {
		return Link{}, fmt.Errorf("%w: %q", ErrLinkNotFound, linkID)
	}
	link.QBER = clampQBER(qber)
	if attack == "" {
		attack = AttackNone
	}
	link.Attack = attack
	if link.QBER > QBERWarningThreshold {
		link.Compromised = true
	}
	t.links[linkID] = link
	return link, nil
}

// ResetLink restores a link to a clean baseline error rate and clears
// its compromised flag and attack attribution.
func (t *Topology) ResetLink(linkID string, baselineQBER float64) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[linkID]
	if !ok {
		return Link{}, fmt.Errorf("%w: %q", ErrLinkNotFound, linkID)
	}
	link.QBER = clampQBER(baselineQBER)
	link.Compromised = false
	link.Attack = AttackNone
	t.links[linkID] = link
	return link, nil
}

func (t *Topology) Link(linkID string) (Link, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	link, ok := t.links[linkID]
	if !ok {
		return Link{}, fmt.Errorf("%w: %q", ErrLinkNotFound, linkID)
	}
	return link, nil
}

func (t *Topology) Node(id string) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return n, nil
}

// Neighbors returns the node's neighbor IDs in lexicographic order.
func (t *Topology) Neighbors(id string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	out := make([]string, len(t.adjacency[id]))
	copy(out, t.adjacency[id])
	return out, nil
}

// Endpoints returns the sender and receiver node IDs.
func (t *Topology) Endpoints() (sender, receiver string, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		switch n.Role {
		case RoleSender:
			sender = n.ID
		case RoleReceiver:
			receiver = n.ID
		}
	}
	if sender == "" || receiver == "" {
		return "", "", fmt.Errorf("%w: topology needs a sender and a receiver", ErrNodeNotFound)
	}
	return sender, receiver, nil
}

func (t *Topology) SetSmartRouting(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.smartRouting = enabled
}

func (t *Topology) SmartRouting() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.smartRouting
}

// SetActiveRoute installs the node sequence currently carrying key
// exchange traffic.
func (t *Topology) SetActiveRoute(route []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeRoute = append([]string(nil), route...)
}

// ActiveRoute returns a copy of the current forwarding path.
func (t *Topology) ActiveRoute() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.activeRoute...)
}

// RouteLinks maps a node sequence onto its constituent link IDs.
func RouteLinks(route []string) []string {
	if len(route) < 2 {
		return nil
	}
	out := make([]string, 0, len(route)-1)
	for i := 0; i+1 < len(route); i++ {
		out = append(out, LinkID(route[i], route[i+1]))
	}
	return out
}

// Snapshot is a point-in-time copy of the full graph, sorted for stable
// presentation.
type TopologySnapshot struct {
	Nodes        []Node
	Links        []Link
	SmartRouting bool
	ActiveRoute  []string
}

func (t *Topology) Snapshot() TopologySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := TopologySnapshot{
		Nodes:        make([]Node, 0, len(t.nodes)),
		Links:        make([]Link, 0, len(t.links)),
		SmartRouting: t.smartRouting,
		ActiveRoute:  append([]string(nil), t.activeRoute...),
	}
	for _, n := range t.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, l := range t.links {
		snap.Links = append(snap.Links, l)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Links, func(i, j int) bool { return snap.Links[i].ID() < snap.Links[j].ID() })
	return snap
}

// DefaultTopology builds the stock six-node demo mesh: one sender, one
// receiver and four relays wired as a double diamond, with randomized
// span lengths.
func DefaultTopology(rng *rand.Rand) *Topology {
	t := NewTopology()
	nodes := []Node{
		{ID: "A", Label: "Alice", Role: RoleSender},
		{ID: "R1", Label: "Relay 1", Role: RoleRouter},
		{ID: "R2", Label: "Relay 2", Role: RoleRouter},
		{ID: "R3", Label: "Relay 3", Role: RoleRouter},
		{ID: "R4", Label: "Relay 4", Role: RoleRouter},
		{ID: "B", Label: "Bob", Role: RoleReceiver},
	}
	for _, n := range nodes {
		if err := t.AddNode(n); err != nil {
			panic(err)
		}
	}
	edges := [][2]string{
		{"A", "R1"}, {"A", "R2"},
		{"R1", "R3"}, {"R1", "R4"},
		{"R2", "R3"}, {"R2", "R4"},
		{"R3", "B"}, {"R4", "B"},
	}
	for _, e := range edges {
		if err := t.AddLink(e[0], e[1], 2+8*rng.Float64()); err != nil {
			panic(err)
		}
	}
	return t
}

func insertSorted(list []string, v string) []string {
	i := sort.SearchStrings(list, v)
	if i < len(list) && list[i] == v {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}
