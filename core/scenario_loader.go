package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// NetworkScenario is a small summary of what was loaded from JSON.
// It's mainly useful for logging from main().
type NetworkScenario struct {
	NodeIDs []string
	LinkIDs []string
}

// internal JSON shapes; unexported so the on-disk format can evolve.
type topologyScenarioJSON struct {
	Nodes []topologyNodeJSON `json:"nodes"`
	Links []topologyLinkJSON `json:"links"`
}

type topologyNodeJSON struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Role  string `json:"role"` // "sender" | "router" | "receiver"
}

type topologyLinkJSON struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	DistanceKm float64 `json:"distance_km"`
}

// LoadTopologyScenario reads a JSON topology from r, populates t with
// nodes and links, and returns a summary of what was loaded.
func LoadTopologyScenario(t *Topology, r io.Reader) (*NetworkScenario, error) {
	if t == nil {
		return nil, fmt.Errorf("LoadTopologyScenario: topology is nil")
	}

	var payload topologyScenarioJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadTopologyScenario: decode failed: %w", err)
	}

	result := &NetworkScenario{
		NodeIDs: make([]string, 0, len(payload.Nodes)),
		LinkIDs: make([]string, 0, len(payload.Links)),
	}

	for _, n := range payload.Nodes {
		role, err := parseRole(n.Role)
		if err != nil {
			return nil, fmt.Errorf("LoadTopologyScenario: node %q: %w", n.ID, err)
		}
		label := n.Label
		if label == "" {
			label = n.ID
		}
		if err := t.AddNode(Node{ID: n.ID, Label: label, Role: role}); err != nil {
			return nil, fmt.Errorf("LoadTopologyScenario: %w", err)
		}
		result.NodeIDs = append(result.NodeIDs, n.ID)
	}

	for _, l := range payload.Links {
		if err := t.AddLink(l.A, l.B, l.DistanceKm); err != nil {
			return nil, fmt.Errorf("LoadTopologyScenario: %w", err)
		}
		result.LinkIDs = append(result.LinkIDs, LinkID(l.A, l.B))
	}

	// A usable scenario needs both endpoints present.
	if _, _, err := t.Endpoints(); err != nil {
		return nil, fmt.Errorf("LoadTopologyScenario: %w", err)
	}
	return result, nil
}

func parseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSender:
		return RoleSender, nil
	case RoleRouter, "":
		return RoleRouter, nil
	case RoleReceiver:
		return RoleReceiver, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}
