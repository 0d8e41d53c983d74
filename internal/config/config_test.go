package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENGINE_POLL_INTERVAL", "")
	t.Setenv("RENDER_CREATE_ATTEMPTS", "")
	t.Setenv("DATABASE_DRIVER", "")

	cfg := Load()
	if cfg.Engine.PollInterval != 3*time.Second {
		t.Fatalf("expected 3s poll interval, got %s", cfg.Engine.PollInterval)
	}
	if cfg.Engine.ProjectWait >= cfg.Engine.RenderWait {
		t.Fatalf("expected render wait ceiling above project wait, got project=%s render=%s", cfg.Engine.ProjectWait, cfg.Engine.RenderWait)
	}
	if cfg.Render.CreateAttempts != 3 {
		t.Fatalf("expected 3 create attempts, got %d", cfg.Render.CreateAttempts)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %s", cfg.Database.Driver)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENGINE_RENDER_WAIT", "45m")
	t.Setenv("RENDER_PER_TIER_SLOTS", "true")
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("RENDER_DISPATCH", "Inline")

	cfg := Load()
	if cfg.Engine.RenderWait != 45*time.Minute {
		t.Fatalf("expected 45m render wait, got %s", cfg.Engine.RenderWait)
	}
	if !cfg.Render.PerTierSlots {
		t.Fatal("expected per-tier slots enabled")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected lowercased driver, got %s", cfg.Database.Driver)
	}
	if cfg.Render.Dispatch != DispatchInline {
		t.Fatalf("expected inline dispatch, got %s", cfg.Render.Dispatch)
	}
}

func TestEnvDurationRejectsInvalid(t *testing.T) {
	t.Setenv("X_WAIT", "soon")
	if got := envDuration("X_WAIT", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
	t.Setenv("X_WAIT", "-5s")
	if got := envDuration("X_WAIT", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback for negative duration, got %s", got)
	}
}

func TestEnvIntMap(t *testing.T) {
	t.Setenv("X_TIERS", "Free=3, pro=50,broken,enterprise=abc")
	got := envIntMap("X_TIERS", nil)
	if len(got) != 2 || got["free"] != 3 || got["pro"] != 50 {
		t.Fatalf("unexpected tier map: %v", got)
	}

	t.Setenv("X_TIERS", "nonsense")
	fallback := map[string]int{"free": 1}
	if got := envIntMap("X_TIERS", fallback); got["free"] != 1 {
		t.Fatalf("expected fallback map, got %v", got)
	}
}

func TestSweepSpecFollowsInterval(t *testing.T) {
	t.Setenv("RENDER_SWEEP_SPEC", "")
	t.Setenv("RENDER_SWEEP_INTERVAL", "2m")
	if got := Load().Render.SweepSpec; got != "@every 2m0s" {
		t.Fatalf("expected interval-derived spec, got %q", got)
	}

	t.Setenv("RENDER_SWEEP_SPEC", "*/10 * * * *")
	if got := Load().Render.SweepSpec; got != "*/10 * * * *" {
		t.Fatalf("expected explicit spec, got %q", got)
	}
}
