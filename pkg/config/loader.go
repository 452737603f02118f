package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a parameter file, applies environment overrides and
// validates the result. Missing file fields keep their defaults.
func Load(path string) (Params, error) {
	params := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Params{}, fmt.Errorf("read parameter file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &params); err != nil {
			return Params{}, fmt.Errorf("parse parameter file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&params)

	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// applyEnvOverrides handles the handful of operational knobs that make
// sense to flip without editing the parameter file.
func applyEnvOverrides(p *Params) {
	if phase := os.Getenv("CONCORD_PHASE"); phase != "" {
		p.Phase = Phase(phase)
	}
	if d := os.Getenv("CONCORD_EPOCH_DURATION"); d != "" {
		if dur, err := time.ParseDuration(d); err == nil {
			p.EpochDuration = dur
		}
	}
}
