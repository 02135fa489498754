package demo

import (
	"context"
	"time"

	"github.com/signalsfoundry/qkd-simulator/core"
	"github.com/signalsfoundry/qkd-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-simulator/internal/sim/state"
	"github.com/signalsfoundry/qkd-simulator/timectrl"
)

// Orchestrator replays a script against the simulation by registering
// each step with the event scheduler. Steps fire as simulated time
// passes their offsets.
type Orchestrator struct {
	sim       *state.SimulationState
	scheduler timectrl.EventScheduler
	log       logging.Logger
}

func NewOrchestrator(sim *state.SimulationState, scheduler timectrl.EventScheduler, log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Noop()
	}
	return &Orchestrator{sim: sim, scheduler: scheduler, log: log}
}

// Schedule registers every script step relative to start. Step failures
// are logged, not fatal; a demo keeps going past a failed action.
func (o *Orchestrator) Schedule(ctx context.Context, script *Script, start time.Time) {
	for _, step := range script.Steps {
		step := step
		o.scheduler.Schedule(start.Add(step.At), func() {
			o.run(ctx, step, o.scheduler.Now())
		})
	}
	o.log.Info(ctx, "demo script scheduled",
		logging.String("name", script.Name),
		logging.Int("steps", len(script.Steps)))
}

func (o *Orchestrator) run(ctx context.Context, step Step, simTime time.Time) {
	log := o.log.With(
		logging.String("action", string(step.Action)),
		logging.Any("sim_time", simTime))

	var err error
	switch step.Action {
	case ActionGenerateKey:
		_, err = o.sim.GenerateKey(ctx)
	case ActionActivateAttack:
		attack, perr := core.ParseAttackType(step.Params.Attack)
		if perr != nil {
			err = perr
			break
		}
		err = o.sim.ActivateAttack(ctx, attack, step.Params.InterceptRate, step.Params.Targets)
	case ActionDeactivateAttack:
		var links []string
		if step.Params.LinkID != "" {
			links = append(links, step.Params.LinkID)
		}
		err = o.sim.DeactivateAttack(ctx, links...)
	case ActionStealKey:
		_, err = o.sim.StealKey(ctx, step.Params.KeyID)
	case ActionGenerateCompromisedKey:
		_, err = o.sim.GenerateCompromisedKey(ctx)
	case ActionSetSmartRouting:
		err = o.sim.SetSmartRouting(ctx, step.Params.Enabled)
	case ActionRepairLink:
		_, err = o.sim.RepairLink(ctx, step.Params.LinkID)
	case ActionClearAlerts:
		o.sim.ClearAlerts()
	case ActionClearPool:
		o.sim.ClearPool()
	}
	if err != nil {
		log.Warn(ctx, "demo step failed", logging.String("error", err.Error()))
		return
	}
	log.Info(ctx, "demo step executed")
}
