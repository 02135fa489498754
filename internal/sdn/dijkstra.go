package sdn

import (
	"math"

	"github.com/signalsfoundry/qkd-simulator/core"
)

// weightEps absorbs floating point noise when comparing path weights so
// tie-breaking stays deterministic.
const weightEps = 1e-9

// linkWeight is the routing cost of a link: physical distance inflated
// by how far the error rate sits above the warning threshold. Smart
// routing off reduces the cost to plain distance.
func linkWeight(l core.Link, smart bool) float64 {
	if !smart {
		return l.DistanceKm
	}
	excess := l.QBER - core.QBERWarningThreshold
	if excess < 0 {
		excess = 0
	}
	return l.DistanceKm * (1 + QBERPenaltyFactor*excess)
}

// candidate is the best path found so far to one node.
type candidate struct {
	weight float64
	path   []string
}

// less imposes a total order on candidates: lower weight first, then
// fewer hops, then lexicographically smaller node sequence. The order
// is total so map iteration order cannot influence the result.
func (a candidate) less(b candidate) bool {
	if math.Abs(a.weight-b.weight) > weightEps {
		return a.weight < b.weight
	}
	if len(a.path) != len(b.path) {
		return len(a.path) < len(b.path)
	}
	for i := range a.path {
		if a.path[i] != b.path[i] {
			return a.path[i] < b.path[i]
		}
	}
	return false
}

// computeRoute runs Dijkstra from sender to receiver over the current
// topology snapshot. With smart routing enabled, critical links are
// excluded outright and elevated links carry the QBER penalty.
func (c *Controller) computeRoute() ([]string, error) {
	snap := c.topo.Snapshot()
	smart := snap.SmartRouting

	links := make(map[string]core.Link, len(snap.Links))
	adjacency := make(map[string][]string)
	for _, l := range snap.Links {
		if smart && l.Threat() == core.ThreatCritical {
			continue
		}
		links[l.ID()] = l
		adjacency[l.A] = append(adjacency[l.A], l.B)
		adjacency[l.B] = append(adjacency[l.B], l.A)
	}

	best := map[string]candidate{
		c.sender: {weight: 0, path: []string{c.sender}},
	}
	settled := make(map[string]bool, len(snap.Nodes))

	for {
		// Pick the unsettled node with the smallest candidate, using
		// the total order.
		var cur string
		var curCand candidate
		found := false
		for node, cand := range best {
			if settled[node] {
				continue
			}
			if !found || cand.less(curCand) {
				cur, curCand, found = node, cand, true
			}
		}
		if !found {
			break
		}
		if cur == c.receiver {
			return curCand.path, nil
		}
		settled[cur] = true

		for _, next := range adjacency[cur] {
			if settled[next] {
				continue
			}
			link := links[core.LinkID(cur, next)]
			cand := candidate{
				weight: curCand.weight + linkWeight(link, smart),
				path:   appendPath(curCand.path, next),
			}
			if prev, ok := best[next]; !ok || cand.less(prev) {
				best[next] = cand
			}
		}
	}
	return nil, ErrNoRoute
}

func appendPath(path []string, next string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = next
	return out
}
