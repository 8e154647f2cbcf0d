package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/resilience"
)

// breakerOverride mirrors resilience.BreakerConfig with durations as strings
// so profiles can write "10s" instead of nanosecond counts. Unset fields keep
// the service's shipped default.
type breakerOverride struct {
	FailureThreshold    int    `yaml:"failure_threshold"`
	ResetTimeout        string `yaml:"reset_timeout"`
	HalfOpenMaxAttempts int    `yaml:"half_open_max_attempts"`
	MonitorWindow       string `yaml:"monitor_window"`
}

// BreakerProfile is the YAML document overriding circuit-breaker defaults
// per service at startup.
//
//	services:
//	  database:
//	    failure_threshold: 3
//	    reset_timeout: 10s
type BreakerProfile struct {
	Services map[string]resilience.BreakerConfig
}

// LoadBreakerProfile reads a breaker profile from a YAML file. An empty path
// yields an empty override set.
func LoadBreakerProfile(path string) (*BreakerProfile, error) {
	if path == "" {
		return &BreakerProfile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierror.Configuration("read breaker profile %q: %v", path, err)
	}
	var doc struct {
		Services map[string]breakerOverride `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apierror.Configuration("parse breaker profile %q: %v", path, err)
	}

	defaults := resilience.DefaultBreakerConfigs()
	profile := &BreakerProfile{Services: make(map[string]resilience.BreakerConfig, len(doc.Services))}
	for name, ov := range doc.Services {
		cfg, ok := defaults[name]
		if !ok {
			cfg = resilience.BreakerConfig{
				FailureThreshold:    5,
				ResetTimeout:        30 * time.Second,
				HalfOpenMaxAttempts: 2,
				MonitorWindow:       60 * time.Second,
			}
		}
		if ov.FailureThreshold > 0 {
			cfg.FailureThreshold = ov.FailureThreshold
		}
		if ov.HalfOpenMaxAttempts > 0 {
			cfg.HalfOpenMaxAttempts = ov.HalfOpenMaxAttempts
		}
		if cfg.ResetTimeout, err = overrideDuration(path, name, "reset_timeout", ov.ResetTimeout, cfg.ResetTimeout); err != nil {
			return nil, err
		}
		if cfg.MonitorWindow, err = overrideDuration(path, name, "monitor_window", ov.MonitorWindow, cfg.MonitorWindow); err != nil {
			return nil, err
		}
		profile.Services[name] = cfg
	}
	return profile, nil
}

func overrideDuration(path, service, field, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, apierror.Configuration("breaker profile %q: %s.%s: %v", path, service, field, err)
	}
	return d, nil
}
