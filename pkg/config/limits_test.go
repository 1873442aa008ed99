package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadLimits_MissingFileFallsBackToDefaults(t *testing.T) {
	lim := LoadLimits("")
	if lim.Defaults.MaxConcurrency != 4 || lim.Breaker.Window != 10 {
		t.Fatalf("defaults not applied: %+v", lim)
	}
	lim = LoadLimits(filepath.Join(t.TempDir(), "nope.yaml"))
	if lim.Defaults.BucketCapacity != 8 {
		t.Fatalf("missing file did not fall back: %+v", lim)
	}
}

func TestLoadLimits_OverridesWithPartialFill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	doc := `
defaults:
  max_concurrency: 16
breaker:
  cooldown: 10s
tenants:
  contoso:
    mail:
      max_concurrency: 2
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lim := LoadLimits(path)

	if lim.Defaults.MaxConcurrency != 16 {
		t.Fatalf("override lost: %+v", lim.Defaults)
	}
	// Unset fields fall back to the shipped defaults.
	if lim.Defaults.BucketCapacity != 8 || lim.Defaults.RefillPerSec != 4 {
		t.Fatalf("zeroes not filled: %+v", lim.Defaults)
	}
	if lim.Breaker.Cooldown != 10*time.Second || lim.Breaker.MaxCooldown != 5*time.Minute {
		t.Fatalf("breaker fill wrong: %+v", lim.Breaker)
	}

	eff := lim.For("contoso", "mail")
	if eff.MaxConcurrency != 2 || eff.BucketCapacity != 8 {
		t.Fatalf("tenant override wrong: %+v", eff)
	}
	// Domains without an override use the (overridden) defaults.
	if got := lim.For("contoso", "drive"); got.MaxConcurrency != 16 {
		t.Fatalf("unlisted domain wrong: %+v", got)
	}
	if got := lim.For("fabrikam", "mail"); got.MaxConcurrency != 16 {
		t.Fatalf("unlisted tenant wrong: %+v", got)
	}
}

func TestLoadLimits_InvalidYAMLFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte("defaults: [not a map"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lim := LoadLimits(path)
	if lim.Defaults != DefaultLimits().Defaults {
		t.Fatalf("invalid file must yield defaults: %+v", lim)
	}
}
