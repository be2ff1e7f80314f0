package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sweepline-ai/sweepline/internal/config"
)

var v *viper.Viper

type configKey []string

func (c configKey) envName() string {
	return "SWEEPLINE_" + strings.ReplaceAll(strings.ToUpper(c.flagName()), "-", "_")
}

func (c configKey) accessPath() string {
	return strings.ReplaceAll(strings.Join(c, "."), "-", "_")
}

func (c configKey) flagName() string {
	return strings.Join(c, "-")
}

func registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.flagName(), value, usage)
	_ = v.BindEnv(name.accessPath(), name.envName())
	_ = v.BindPFlag(name.accessPath(), flags.Lookup(name.flagName()))
	v.SetDefault(name.accessPath(), value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.flagName(), value, usage)
	_ = v.BindEnv(name.accessPath(), name.envName())
	_ = v.BindPFlag(name.accessPath(), flags.Lookup(name.flagName()))
	v.SetDefault(name.accessPath(), value)
}

//nolint:gochecknoinit
func init() {
	registerConfig()
}

func registerConfig() {
	v = viper.New()
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultConfig()

	flags := rootCmd.Flags()
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")
	registerString(flags, name("script"),
		defaults.Script, "job run script")
	registerString(flags, name("work-root"),
		defaults.WorkRoot, "root of per-job working directories")
	registerString(flags, name("results-path"),
		defaults.ResultsPath, "path of the run summary JSON")
	registerString(flags, name("prometheus-listen"),
		defaults.PrometheusListen, "optional address for the metrics endpoint")

	registerString(flags, name("logging", "level"),
		defaults.Logging.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")

	registerString(flags, name("backend", "type"),
		string(defaults.Backend.Type), "backend type (local, slurm, htcondor)")

	registerString(flags, name("comms", "listen"),
		defaults.Comms.Listen, "UDP address for job reports")

	registerInt(flags, name("scheduler", "concurrency-limit"),
		defaults.Scheduler.ConcurrencyLimit, "maximum concurrently submitted/running jobs")
}
