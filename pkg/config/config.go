// Package config loads and validates the orchestrator's static YAML
// configuration: scheduler cadences, orchestrator retry/review limits, pool
// tuning, workspace cleanup thresholds, and budget defaults. A compiled-in
// baseline is overlaid with a user-supplied YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// SchedulerConfig holds the periodic-driver cadences.
type SchedulerConfig struct {
	DecomposePeriodSec      int `yaml:"decomposePeriodSec"`
	ExecutePeriodSec        int `yaml:"executePeriodSec"`
	ReviewPeriodSec         int `yaml:"reviewPeriodSec"`
	StuckThresholdHours     int `yaml:"stuckThresholdHours"`
	StuckSweepPeriodSec     int `yaml:"stuckSweepPeriodSec"`
	TeamDistributePeriodSec int `yaml:"teamDistributePeriodSec"`
	ProgressReportPeriodSec int `yaml:"progressReportPeriodSec"`
}

// OrchestratorConfig holds the Orchestrator Cycle / Reviewer / Delegator limits.
type OrchestratorConfig struct {
	MaxRetry                     int `yaml:"maxRetry"`
	MaxReviewCount               int `yaml:"maxReviewCount"`
	MaxTempDepth                 int `yaml:"maxTempDepth"`
	ComplexityTokenThreshold     int `yaml:"complexityTokenThreshold"`
	EscalationLevel3TimeoutHours int `yaml:"escalationLevel3TimeoutHours"`
}

// LLMConfig configures the external command the Process Runner
// invokes for every agent LLM call, and the separate quality-gate command
// the cycle runs in the workspace after each LLM turn.
type LLMConfig struct {
	Command              string   `yaml:"command"`
	Args                 []string `yaml:"args"`
	TimeoutMs            int      `yaml:"timeoutMs"`
	QualityGateCommand   string   `yaml:"qualityGateCommand"`
	QualityGateArgs      []string `yaml:"qualityGateArgs"`
	QualityGateTimeoutMs int      `yaml:"qualityGateTimeoutMs"`
}

// PoolConfig holds Task Pool tuning.
type PoolConfig struct {
	FileAffinityWindowHours int `yaml:"fileAffinityWindowHours"`
	MaxClaimRetries         int `yaml:"maxClaimRetries"`
}

// WorkspaceConfig holds Workspace Manager tuning.
type WorkspaceConfig struct {
	OrphanSweepHours int `yaml:"orphanSweepHours"`
}

// LimitsConfig holds organization-wide concurrency caps.
type LimitsConfig struct {
	MaxConcurrentAgents int `yaml:"maxConcurrentAgents"`
}

// KnowledgeConfig holds Knowledge Injector tuning.
type KnowledgeConfig struct {
	MaxDocuments int `yaml:"maxDocuments"`
}

// BudgetConfig holds organization budget defaults (overridden per-org in the
// database; these are the fallback values for newly created organizations).
type BudgetConfig struct {
	DailyCents   *int64 `yaml:"dailyCents,omitempty"`
	MonthlyCents *int64 `yaml:"monthlyCents,omitempty"`
	AlertPercent int    `yaml:"alertPercent"`
	StopPercent  int    `yaml:"stopPercent"`
}

// Config is the fully merged, validated configuration.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Pool         PoolConfig         `yaml:"pool"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Limits       LimitsConfig       `yaml:"limits"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Budget       BudgetConfig       `yaml:"budget"`
}

// Defaults returns the compiled-in baseline configuration.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			Command:              "claude",
			Args:                 []string{"-p", "--output-format", "json"},
			TimeoutMs:            600000,
			QualityGateCommand:   "make",
			QualityGateArgs:      []string{"verify"},
			QualityGateTimeoutMs: 600000,
		},
		Scheduler: SchedulerConfig{
			DecomposePeriodSec:      60,
			ExecutePeriodSec:        120,
			ReviewPeriodSec:         180,
			StuckThresholdHours:     2,
			StuckSweepPeriodSec:     1800,
			TeamDistributePeriodSec: 30,
			ProgressReportPeriodSec: 1800,
		},
		Orchestrator: OrchestratorConfig{
			MaxRetry:                     3,
			MaxReviewCount:               3,
			MaxTempDepth:                 1,
			ComplexityTokenThreshold:     4000,
			EscalationLevel3TimeoutHours: 24,
		},
		Pool: PoolConfig{
			FileAffinityWindowHours: 24,
			MaxClaimRetries:         5,
		},
		Workspace: WorkspaceConfig{
			OrphanSweepHours: 24,
		},
		Limits: LimitsConfig{
			MaxConcurrentAgents: 10,
		},
		Knowledge: KnowledgeConfig{
			MaxDocuments: 8,
		},
		Budget: BudgetConfig{
			AlertPercent: 80,
			StopPercent:  100,
		},
	}
}

// Load reads orchestrator.yaml from configDir (if present), expands
// environment variables, and merges it over Defaults(). A missing file is
// not an error — the defaults alone are a valid configuration.
func Load(configDir string) (*Config, error) {
	cfg := Defaults()

	path := filepath.Join(configDir, "orchestrator.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var user Config
	if err := yaml.Unmarshal(expanded, &user); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging %s over defaults: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations that would make the orchestrator's
// invariants unenforceable.
func Validate(cfg *Config) error {
	if cfg.LLM.Command == "" {
		return fmt.Errorf("llm.command must not be empty")
	}
	if cfg.LLM.TimeoutMs < 1 {
		return fmt.Errorf("llm.timeoutMs must be >= 1, got %d", cfg.LLM.TimeoutMs)
	}
	if cfg.LLM.QualityGateCommand == "" {
		return fmt.Errorf("llm.qualityGateCommand must not be empty")
	}
	if cfg.LLM.QualityGateTimeoutMs < 1 {
		return fmt.Errorf("llm.qualityGateTimeoutMs must be >= 1, got %d", cfg.LLM.QualityGateTimeoutMs)
	}
	if cfg.Orchestrator.MaxRetry < 1 {
		return fmt.Errorf("orchestrator.maxRetry must be >= 1, got %d", cfg.Orchestrator.MaxRetry)
	}
	if cfg.Orchestrator.MaxReviewCount < 1 {
		return fmt.Errorf("orchestrator.maxReviewCount must be >= 1, got %d", cfg.Orchestrator.MaxReviewCount)
	}
	if cfg.Orchestrator.MaxTempDepth < 1 {
		return fmt.Errorf("orchestrator.maxTempDepth must be >= 1, got %d", cfg.Orchestrator.MaxTempDepth)
	}
	if cfg.Orchestrator.ComplexityTokenThreshold < 1 {
		return fmt.Errorf("orchestrator.complexityTokenThreshold must be >= 1, got %d", cfg.Orchestrator.ComplexityTokenThreshold)
	}
	if cfg.Limits.MaxConcurrentAgents < 1 {
		return fmt.Errorf("limits.maxConcurrentAgents must be >= 1, got %d", cfg.Limits.MaxConcurrentAgents)
	}
	if cfg.Budget.StopPercent < cfg.Budget.AlertPercent {
		return fmt.Errorf("budget.stopPercent (%d) must be >= budget.alertPercent (%d)", cfg.Budget.StopPercent, cfg.Budget.AlertPercent)
	}
	if cfg.Knowledge.MaxDocuments < 1 {
		return fmt.Errorf("knowledge.maxDocuments must be >= 1, got %d", cfg.Knowledge.MaxDocuments)
	}
	return nil
}

// Duration helpers — the YAML table expresses several values in seconds or
// hours; these convert them to time.Duration at the call sites that need it.

func (s SchedulerConfig) DecomposePeriod() time.Duration {
	return time.Duration(s.DecomposePeriodSec) * time.Second
}
func (s SchedulerConfig) ExecutePeriod() time.Duration {
	return time.Duration(s.ExecutePeriodSec) * time.Second
}
func (s SchedulerConfig) ReviewPeriod() time.Duration {
	return time.Duration(s.ReviewPeriodSec) * time.Second
}
func (s SchedulerConfig) StuckThreshold() time.Duration {
	return time.Duration(s.StuckThresholdHours) * time.Hour
}
func (s SchedulerConfig) StuckSweepPeriod() time.Duration {
	return time.Duration(s.StuckSweepPeriodSec) * time.Second
}
func (s SchedulerConfig) TeamDistributePeriod() time.Duration {
	return time.Duration(s.TeamDistributePeriodSec) * time.Second
}
func (s SchedulerConfig) ProgressReportPeriod() time.Duration {
	return time.Duration(s.ProgressReportPeriodSec) * time.Second
}

func (w WorkspaceConfig) OrphanSweepThreshold() time.Duration {
	return time.Duration(w.OrphanSweepHours) * time.Hour
}

func (p PoolConfig) FileAffinityWindow() time.Duration {
	return time.Duration(p.FileAffinityWindowHours) * time.Hour
}

func (o OrchestratorConfig) EscalationLevel3Timeout() time.Duration {
	return time.Duration(o.EscalationLevel3TimeoutHours) * time.Hour
}

func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

func (l LLMConfig) QualityGateTimeout() time.Duration {
	return time.Duration(l.QualityGateTimeoutMs) * time.Millisecond
}
