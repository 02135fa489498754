package state

import (
	"context"
	"sync"
	"testing"

	"github.com/signalsfoundry/qkd-simulator/core"
)

// Exercises the coarse lock under concurrent readers and writers; run
// with -race to catch ordering regressions.
func TestConcurrentExchangesAndSnapshots(t *testing.T) {
	sim, _ := newTestSim(t, 42)
	if err := sim.SetKeyLength(core.MinKeyLength); err != nil {
		t.Fatalf("SetKeyLength: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := sim.GenerateKey(ctx); err != nil {
					t.Errorf("GenerateKey: %v", err)
					return
				}
			}
		}()
	}
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				snap := sim.Snapshot()
				stats := snap.PoolStats
				if stats.Total != stats.Active+stats.Used+stats.Compromised {
					t.Errorf("pool stats out of balance: %+v", stats)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			sim.RunTick(ctx)
		}
	}()
	wg.Wait()

	snap := sim.Snapshot()
	if snap.SessionCount == 0 {
		t.Fatal("no sessions recorded")
	}
	if snap.Tick != 30 {
		t.Fatalf("tick = %d, want 30", snap.Tick)
	}
	// The pool is bounded regardless of how many exchanges ran.
	if snap.PoolStats.Total > 50 {
		t.Fatalf("pool total = %d, exceeds capacity", snap.PoolStats.Total)
	}
}

func TestConcurrentAttackToggles(t *testing.T) {
	sim, _ := newTestSim(t, 43)
	if err := sim.SetKeyLength(core.MinKeyLength); err != nil {
		t.Fatalf("SetKeyLength: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			// Activation can race with deactivation; both outcomes are
			// legal, only data races are not.
			_ = sim.ActivateAttack(ctx, core.AttackPNS, 0.5, []string{"A-R1"})
			_ = sim.DeactivateAttack(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, _ = sim.GenerateKey(ctx)
			sim.RunTick(ctx)
		}
	}()
	wg.Wait()
}
