// pkg/config/limits.go
package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BulkheadLimits bound one (tenant, domain) admission partition.
type BulkheadLimits struct {
	MaxConcurrency int     `yaml:"max_concurrency"`
	BucketCapacity int     `yaml:"bucket_capacity"`
	RefillPerSec   float64 `yaml:"refill_per_sec"`
}

type BreakerLimits struct {
	Window       int           `yaml:"window"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Cooldown     time.Duration `yaml:"-"`
	MaxCooldown  time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts Go duration strings ("30s", "5m") for the
// cool-down fields.
func (b *BreakerLimits) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Window       int     `yaml:"window"`
		FailureRatio float64 `yaml:"failure_ratio"`
		Cooldown     string  `yaml:"cooldown"`
		MaxCooldown  string  `yaml:"max_cooldown"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.Window = raw.Window
	b.FailureRatio = raw.FailureRatio
	if raw.Cooldown != "" {
		d, err := time.ParseDuration(raw.Cooldown)
		if err != nil {
			return err
		}
		b.Cooldown = d
	}
	if raw.MaxCooldown != "" {
		d, err := time.ParseDuration(raw.MaxCooldown)
		if err != nil {
			return err
		}
		b.MaxCooldown = d
	}
	return nil
}

// Limits holds global defaults plus optional per-tenant, per-domain
// overrides loaded from LIMITS_FILE.
type Limits struct {
	Defaults BulkheadLimits                       `yaml:"defaults"`
	Breaker  BreakerLimits                        `yaml:"breaker"`
	Tenants  map[string]map[string]BulkheadLimits `yaml:"tenants"`
}

func DefaultLimits() Limits {
	return Limits{
		Defaults: BulkheadLimits{MaxConcurrency: 4, BucketCapacity: 8, RefillPerSec: 4},
		Breaker:  BreakerLimits{Window: 10, FailureRatio: 0.5, Cooldown: 30 * time.Second, MaxCooldown: 5 * time.Minute},
	}
}

// LoadLimits reads the YAML overrides file; missing file or path means
// global defaults apply everywhere.
func LoadLimits(path string) Limits {
	lim := DefaultLimits()
	if path == "" {
		return lim
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[WARN] limits file %s unreadable, using defaults: %v", path, err)
		return lim
	}
	if err := yaml.Unmarshal(raw, &lim); err != nil {
		log.Printf("[WARN] limits file %s invalid, using defaults: %v", path, err)
		return DefaultLimits()
	}
	lim.fillZeroes()
	return lim
}

// For returns the effective limits for a (tenant, domain) pair.
func (l Limits) For(tenant, domain string) BulkheadLimits {
	if doms, ok := l.Tenants[tenant]; ok {
		if b, ok := doms[domain]; ok {
			b.fillFrom(l.Defaults)
			return b
		}
	}
	return l.Defaults
}

func (l *Limits) fillZeroes() {
	def := DefaultLimits()
	l.Defaults.fillFrom(def.Defaults)
	if l.Breaker.Window == 0 {
		l.Breaker.Window = def.Breaker.Window
	}
	if l.Breaker.FailureRatio == 0 {
		l.Breaker.FailureRatio = def.Breaker.FailureRatio
	}
	if l.Breaker.Cooldown == 0 {
		l.Breaker.Cooldown = def.Breaker.Cooldown
	}
	if l.Breaker.MaxCooldown == 0 {
		l.Breaker.MaxCooldown = def.Breaker.MaxCooldown
	}
}

func (b *BulkheadLimits) fillFrom(def BulkheadLimits) {
	if b.MaxConcurrency == 0 {
		b.MaxConcurrency = def.MaxConcurrency
	}
	if b.BucketCapacity == 0 {
		b.BucketCapacity = def.BucketCapacity
	}
	if b.RefillPerSec == 0 {
		b.RefillPerSec = def.RefillPerSec
	}
}
