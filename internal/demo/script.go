// Package demo drives scripted attack scenarios against a running
// simulation, replaying operator and adversary actions on a schedule.
package demo

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/qkd-simulator/core"
)

var ErrInvalidScript = errors.New("invalid demo script")

// Action names a scriptable operation.
type Action string

const (
	ActionGenerateKey            Action = "generate_key"
	ActionActivateAttack         Action = "activate_attack"
	ActionDeactivateAttack       Action = "deactivate_attack"
	ActionStealKey               Action = "steal_key"
	ActionGenerateCompromisedKey Action = "generate_compromised_key"
	ActionSetSmartRouting        Action = "set_smart_routing"
	ActionRepairLink             Action = "repair_link"
	ActionClearAlerts            Action = "clear_alerts"
	ActionClearPool              Action = "clear_pool"
)

// Step is one scheduled script entry. At is the offset from script
// start.
type Step struct {
	At     time.Duration `yaml:"at"`
	Action Action        `yaml:"action"`
	Params Params        `yaml:"params"`
}

// Params carries per-action arguments; unused fields are ignored.
type Params struct {
	Attack        string   `yaml:"attack"`
	InterceptRate float64  `yaml:"intercept_rate"`
	Targets       []string `yaml:"targets"`
	KeyID         string   `yaml:"key_id"`
	LinkID        string   `yaml:"link"`
	Enabled       bool     `yaml:"enabled"`
}

// Script is an ordered list of steps.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Load parses a YAML script from r and validates every step.
func Load(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("demo.Load: decode failed: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidScript)
	}
	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidScript, i, err)
		}
	}
	return &s, nil
}

func (s Step) validate() error {
	if s.At < 0 {
		return fmt.Errorf("negative offset %v", s.At)
	}
	switch s.Action {
	case ActionGenerateKey, ActionDeactivateAttack, ActionStealKey,
		ActionGenerateCompromisedKey, ActionSetSmartRouting, ActionClearAlerts,
		ActionClearPool:
		return nil
	case ActionActivateAttack:
		if _, err := core.ParseAttackType(s.Params.Attack); err != nil {
			return err
		}
		if s.Params.InterceptRate <= 0 || s.Params.InterceptRate > 1 {
			return fmt.Errorf("intercept rate %v outside (0, 1]", s.Params.InterceptRate)
		}
		return nil
	case ActionRepairLink:
		if s.Params.LinkID == "" {
			return errors.New("repair_link needs a link")
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
}
