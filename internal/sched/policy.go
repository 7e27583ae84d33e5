package sched

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the tunable surface of the micro-batch scheduler. It is
// YAML-loadable so operators can reshape exploration behavior without a
// rebuild.
type Policy struct {
	// TestProbability is the chance a decision is a forced uniform-random
	// exploration instead of exploitation.
	TestProbability float64 `yaml:"test_probability"`
	// TestCoverage in (0, 1]: while more than (1-TestCoverage)*K
	// granularities have never been sampled, decisions force-test one of
	// them.
	TestCoverage float64 `yaml:"test_coverage"`
	// HistoryLen bounds each granularity's rolling throughput window.
	HistoryLen int `yaml:"history_len"`
	// TimeStabilized is the minimum interval between decisions.
	TimeStabilized time.Duration `yaml:"time_stabilized"`
	// ExplorationUpdatesEstimate controls whether forced-exploration picks
	// also move the exploitation estimate. The upstream behavior is
	// ambiguous, so it is a knob; default off.
	ExplorationUpdatesEstimate bool `yaml:"exploration_updates_estimate"`
}

// DefaultPolicy returns the scheduler defaults.
func DefaultPolicy() Policy {
	return Policy{
		TestProbability: 0.05,
		TestCoverage:    0.9,
		HistoryLen:      12,
		TimeStabilized:  5 * time.Second,
	}
}

// LoadPolicy reads a policy YAML file, filling unset fields with defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read scheduler policy: %w", err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse scheduler policy: %w", err)
	}
	return p.normalized(), nil
}

func (p Policy) normalized() Policy {
	if p.TestProbability < 0 {
		p.TestProbability = 0
	}
	if p.TestProbability > 1 {
		p.TestProbability = 1
	}
	if p.TestCoverage <= 0 || p.TestCoverage > 1 {
		p.TestCoverage = DefaultPolicy().TestCoverage
	}
	if p.HistoryLen <= 0 {
		p.HistoryLen = DefaultPolicy().HistoryLen
	}
	if p.TimeStabilized <= 0 {
		p.TimeStabilized = DefaultPolicy().TimeStabilized
	}
	return p
}
