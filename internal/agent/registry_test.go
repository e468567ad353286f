package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setupTestRegistry(t *testing.T) (*Registry, *fakeDispatcher) {
	t.Helper()
	store := openTestStore(t)
	d := &fakeDispatcher{}
	reg := NewRegistry(Config{Store: store, Dispatcher: d, StartDelay: time.Hour})
	t.Cleanup(func() { reg.StopAll(context.Background()) })
	return reg, d
}

func TestRegistry_RegisterAndStats(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"zulu", "alpha", "mike"} {
		if err := reg.Register(ctx, testDefinition(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	stats := reg.Stats()
	if len(stats) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(stats))
	}
	if stats[0].ID != "alpha" || stats[1].ID != "mike" || stats[2].ID != "zulu" {
		t.Fatalf("stats not sorted: %+v", stats)
	}
	for _, s := range stats {
		if s.Status != StatusIdle || !s.Enabled {
			t.Fatalf("unexpected snapshot %+v", s)
		}
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()
	if err := reg.Register(ctx, testDefinition("dup")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(ctx, testDefinition("dup")); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRegistry_UnknownID(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Get("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Get: %v", err)
	}
	if err := reg.Enable("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Enable: %v", err)
	}
	if err := reg.Disable(ctx, "ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Disable: %v", err)
	}
	if err := reg.Restart(ctx, "ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Restart: %v", err)
	}
	if _, err := reg.RecentRuns(ctx, "ghost", 5); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("RecentRuns: %v", err)
	}
}

func TestRegistry_DisableEnableRestart(t *testing.T) {
	reg, d := setupTestRegistry(t)
	ctx := context.Background()
	if err := reg.Register(ctx, testDefinition("scout")); err != nil {
		t.Fatalf("register: %v", err)
	}
	rt, _ := reg.Get("scout")

	if err := reg.Disable(ctx, "scout"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s := rt.Snapshot(); s.Status != StatusStopped || s.Enabled {
		t.Fatalf("unexpected snapshot after disable %+v", s)
	}
	if err := reg.Restart(ctx, "scout"); !errors.Is(err, ErrAgentDisabled) {
		t.Fatalf("restart of a disabled agent: %v, want ErrAgentDisabled", err)
	}

	// Enable does not arm.
	if err := reg.Enable("scout"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if s := rt.Snapshot(); s.Status != StatusStopped || !s.Enabled {
		t.Fatalf("enable must only set the flag, got %+v", s)
	}
	rt.Tick(ctx)
	if len(d.Calls()) != 0 {
		t.Fatal("enabled-but-stopped agent dispatched")
	}

	if err := reg.Restart(ctx, "scout"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s := rt.Snapshot(); s.Status != StatusIdle {
		t.Fatalf("expected idle after restart, got %s", s.Status)
	}
	rt.Tick(ctx)
	if len(d.Calls()) != 1 {
		t.Fatalf("expected dispatch after restart, got %d", len(d.Calls()))
	}

	runs, err := reg.RecentRuns(ctx, "scout", 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("recent runs: %+v, %v", runs, err)
	}
}

func TestRegistry_ReconcileAppliesEnableFlags(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	on := testDefinition("on")
	off := testDefinition("off")
	off.Enabled = false
	if err := reg.Register(ctx, on); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(ctx, off); err != nil {
		t.Fatalf("register: %v", err)
	}

	on.Enabled = false
	off.Enabled = true
	added := testDefinition("added")
	if err := reg.Reconcile(ctx, []Definition{on, off, added}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	byID := map[string]Snapshot{}
	for _, s := range reg.Stats() {
		byID[s.ID] = s
	}
	if s := byID["on"]; s.Enabled || s.Status != StatusStopped {
		t.Fatalf("expected 'on' disabled, got %+v", s)
	}
	if s := byID["off"]; !s.Enabled || s.Status != StatusIdle {
		t.Fatalf("expected 'off' enabled and armed, got %+v", s)
	}
	if _, ok := byID["added"]; !ok {
		t.Fatal("expected new agent to be registered")
	}
}

func TestRegistry_StopAll(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := reg.Register(ctx, testDefinition(id)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	reg.StopAll(ctx)
	for _, s := range reg.Stats() {
		if s.Status != StatusStopped {
			t.Fatalf("agent %s not stopped: %s", s.ID, s.Status)
		}
	}
}
