package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/signalsfoundry/qkd-simulator/core"
	"github.com/signalsfoundry/qkd-simulator/internal/demo"
	"github.com/signalsfoundry/qkd-simulator/internal/eve"
	"github.com/signalsfoundry/qkd-simulator/internal/kms"
	"github.com/signalsfoundry/qkd-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-simulator/internal/observability"
	"github.com/signalsfoundry/qkd-simulator/internal/sdn"
	"github.com/signalsfoundry/qkd-simulator/internal/sim/state"
	"github.com/signalsfoundry/qkd-simulator/timectrl"
)

func main() {
	duration := flag.Duration("duration", 60*time.Second, "total simulation duration")
	tick := flag.Duration("tick", 1*time.Second, "tick interval")
	accelerated := flag.Bool("accelerated", true, "run in accelerated mode (vs real-time)")
	scenarioPath := flag.String("scenario", "", "JSON topology file; empty uses the built-in six-node mesh")
	scriptPath := flag.String("demo-script", "", "YAML demo script to replay; empty runs a clean exchange per tick")
	seed := flag.Int64("seed", 0, "random seed; 0 derives one from the wall clock")
	keyLength := flag.Int("key-length", core.DefaultKeyLength, "raw pulses per key exchange")
	smartRouting := flag.Bool("smart-routing", true, "steer traffic away from links with elevated error rates")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus listen address; empty disables the endpoint")

	flag.Parse()

	ctx := context.Background()
	log := logging.NewFromEnv()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	// ==== Tracing + metrics ====

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		fail("init tracing: %v", err)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewSimCollector(nil)
	if err != nil {
		fail("init metrics: %v", err)
	}
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error(ctx, "metrics server stopped", logging.String("error", err.Error()))
			}
		}()
	}

	// ==== Topology ====

	var topo *core.Topology
	if *scenarioPath != "" {
		f, err := os.Open(*scenarioPath)
		if err != nil {
			fail("open scenario %q: %v", *scenarioPath, err)
		}
		topo = core.NewTopology()
		scenario, err := core.LoadTopologyScenario(topo, f)
		f.Close()
		if err != nil {
			fail("load scenario: %v", err)
		}
		fmt.Printf("Loaded topology: %d nodes, %d links\n", len(scenario.NodeIDs), len(scenario.LinkIDs))
	} else {
		topo = core.DefaultTopology(rng)
		fmt.Println("Using built-in six-node mesh topology")
	}
	topo.SetSmartRouting(*smartRouting)

	// ==== Control plane + simulation state ====

	controller, err := sdn.New(topo, log)
	if err != nil {
		fail("init routing controller: %v", err)
	}

	mode := timectrl.RealTime
	if *accelerated {
		mode = timectrl.Accelerated
	}
	start := time.Now().UTC()
	tc := timectrl.NewTimeController(start, *tick, mode)
	scheduler := timectrl.NewEventScheduler(tc)

	engine := core.NewEngine(core.WithRand(rng), core.WithLogger(log))
	pool := kms.NewPool()
	adversary := eve.New(rng, log)

	sim := state.New(topo, engine, pool, controller, adversary, tc, rng, log,
		state.WithMetricsRecorder(collector),
		state.WithKeyLength(*keyLength),
	)

	// ==== Demo script ====

	if *scriptPath != "" {
		f, err := os.Open(*scriptPath)
		if err != nil {
			fail("open demo script %q: %v", *scriptPath, err)
		}
		script, err := demo.Load(f)
		f.Close()
		if err != nil {
			fail("load demo script: %v", err)
		}
		demo.NewOrchestrator(sim, scheduler, log).Schedule(ctx, script, start)
	}

	// ==== Main loop ====

	tc.AddListener(func(simTime time.Time) {
		scheduler.RunDue()

		if *scriptPath == "" {
			if _, err := sim.GenerateKey(ctx); err != nil {
				log.Warn(ctx, "key exchange failed", logging.String("error", err.Error()))
			}
		}

		res := sim.RunTick(ctx)
		snap := sim.Snapshot()

		fmt.Printf("[%s] tick=%d state=%s route=%v health=%.2f pool{active=%d used=%d compromised=%d}\n",
			simTime.Format(time.RFC3339),
			res.Tick,
			res.State,
			res.Route,
			snap.NetworkHealth,
			snap.PoolStats.Active,
			snap.PoolStats.Used,
			snap.PoolStats.Compromised,
		)
		if snap.LastSession != nil {
			s := snap.LastSession
			fmt.Printf("↳ Session %-42s attack=%-16s qber=%.3f sifted=%4d final=%3d eve_detected=%v\n",
				s.ID, s.Attack, s.QBER, s.SiftedCount, len(s.FinalKey), s.EveDetected)
		}
	})

	fmt.Printf("Starting QKD simulation: duration=%s, tick=%s, mode=%v, seed=%d\n", *duration, *tick, mode, *seed)
	done := tc.Start(*duration)
	<-done

	for _, a := range sim.Alerts(10) {
		fmt.Printf("alert [%s] tick=%d %s\n", a.Severity, a.Tick, a.Message)
	}
	fmt.Println("Simulation complete.")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
