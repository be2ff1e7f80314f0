// Package config defines the run configuration and its load path: defaults,
// then the YAML config file, then environment variables and flags, merged
// through viper and validated as one tree.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/sweepline-ai/sweepline/pkg/logger"
	"github.com/sweepline-ai/sweepline/pkg/model"
	"github.com/sweepline-ai/sweepline/pkg/searcher"
)

// BackendType selects the execution substrate.
type BackendType string

// Constants.

const (
	// LocalBackend runs jobs as local child processes.
	LocalBackend BackendType = "local"
	// SlurmBackend submits jobs through sbatch/sacct/scancel.
	SlurmBackend BackendType = "slurm"
	// HTCondorBackend submits jobs through condor_submit/condor_q/condor_rm.
	HTCondorBackend BackendType = "htcondor"
)

// Config is the top-level run configuration.
type Config struct {
	ConfigFile string `json:"config_file"`

	// Script is the job run script; the checkout collaborator supplies it.
	Script string `json:"script"`
	// WorkRoot is the directory under which per-job working directories are created.
	WorkRoot string `json:"work_root"`
	// ResultsPath is where the run-end JSON summary is written.
	ResultsPath string `json:"results_path"`
	// PrometheusListen optionally exposes a metrics scrape endpoint.
	PrometheusListen string `json:"prometheus_listen"`

	Logging   logger.Config   `json:"logging"`
	Backend   BackendConfig   `json:"backend"`
	Comms     CommsConfig     `json:"comms"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Optimizer searcher.Config `json:"optimizer"`

	// FixedParams are merged into every proposed parameter set unchanged.
	FixedParams model.Params `json:"fixed_params"`
}

// BackendConfig configures the cluster backend.
type BackendConfig struct {
	Type      BackendType     `json:"type"`
	Resources model.Resources `json:"resources"`
	// MinPollInterval throttles external scheduler status queries.
	MinPollInterval Duration `json:"min_poll_interval"`

	Slurm    *SlurmConfig    `json:"slurm,omitempty"`
	HTCondor *HTCondorConfig `json:"htcondor,omitempty"`
}

// SlurmConfig holds Slurm-specific submission knobs.
type SlurmConfig struct {
	Partition  string   `json:"partition"`
	Account    string   `json:"account"`
	SbatchArgs []string `json:"sbatch_args"`
}

// HTCondorConfig holds HTCondor-specific submission knobs.
type HTCondorConfig struct {
	Requirements string   `json:"requirements"`
	ExtraLines   []string `json:"extra_lines"`
}

// CommsConfig configures the UDP report channel.
type CommsConfig struct {
	// Listen is the UDP address the report server binds; port 0 picks a free one.
	Listen string `json:"listen"`
}

// SchedulerConfig configures the control loop.
type SchedulerConfig struct {
	TickInterval     Duration `json:"tick_interval"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	JobTimeout       Duration `json:"job_timeout"`
	SubmitRetries    int      `json:"submit_retries"`
	SubmitBackoff    Duration `json:"submit_backoff"`
	// PollFailureBudget is how many consecutive failed backend queries are
	// tolerated before the run is aborted.
	PollFailureBudget int `json:"poll_failure_budget"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		WorkRoot:    "work",
		ResultsPath: "results.json",
		Logging:     logger.DefaultConfig(),
		Backend: BackendConfig{
			Type:            LocalBackend,
			MinPollInterval: Duration(0),
		},
		Comms: CommsConfig{
			Listen: "127.0.0.1:0",
		},
		Scheduler: SchedulerConfig{
			TickInterval:      Duration(5 * time.Second),
			ConcurrencyLimit:  4,
			JobTimeout:        Duration(time.Hour),
			SubmitRetries:     3,
			SubmitBackoff:     Duration(10 * time.Second),
			PollFailureBudget: 10,
		},
	}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	var errs []error
	if c.Script == "" {
		errs = append(errs, errors.New("script must be set"))
	}
	return errs
}

// Validate implements the check.Validatable interface.
func (c BackendConfig) Validate() []error {
	switch c.Type {
	case LocalBackend, SlurmBackend, HTCondorBackend:
	default:
		return []error{errors.Errorf("unknown backend type %q", c.Type)}
	}
	var errs []error
	if c.Type == SlurmBackend && c.Slurm == nil {
		errs = append(errs, errors.New("slurm backend requires a slurm section"))
	}
	if c.Type == HTCondorBackend && c.HTCondor == nil {
		errs = append(errs, errors.New("htcondor backend requires an htcondor section"))
	}
	return errs
}

// Validate implements the check.Validatable interface.
func (c SchedulerConfig) Validate() []error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.ConcurrencyLimit < 1 {
		errs = append(errs, errors.Errorf("concurrency_limit must be at least 1, got %d", c.ConcurrencyLimit))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("job_timeout must be positive"))
	}
	if c.SubmitRetries < 0 {
		errs = append(errs, errors.New("submit_retries must not be negative"))
	}
	if c.PollFailureBudget < 1 {
		errs = append(errs, errors.New("poll_failure_budget must be at least 1"))
	}
	return errs
}

// MergeConfigFile reads a YAML config file and merges its settings into viper,
// below any values already set from flags or the environment.
func MergeConfigFile(v *viper.Viper, path string) error {
	bs, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "error reading config file %q", path)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return errors.Wrapf(err, "error parsing config file %q", path)
	}
	if err := v.MergeConfigMap(raw); err != nil {
		return errors.Wrap(err, "error merging config file settings")
	}
	return nil
}

// FromViper builds the configuration from viper's merged settings on top of
// the defaults. Settings pass through JSON so the same tags drive both the
// YAML file and the merged tree.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	bs, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "error serializing merged settings")
	}
	if err := json.Unmarshal(bs, cfg); err != nil {
		return nil, errors.Wrap(err, "error applying merged settings")
	}
	return cfg, nil
}

// Printable returns the configuration as a JSON string for the startup log.
func (c *Config) Printable() (string, error) {
	bs, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "error marshaling config")
	}
	return string(bs), nil
}
