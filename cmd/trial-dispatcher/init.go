package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/determined-ai/trialdispatcher/internal/config"
	"github.com/determined-ai/trialdispatcher/version"
)

var v *viper.Viper

// viperKeyDelimiter marks nested values in the configuration. It is ".." rather than "." so that
// keys may contain dots.
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	// Link-time variable assignments are not applied when package-scoped variables are
	// initialized, so the version is set here.
	rootCmd.Version = version.Version
	registerConfig()
}

type configKey []string

func (c configKey) EnvName() string {
	return "TRIAL_DISPATCHER_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerConfig() {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultConfig()

	flags := rootCmd.Flags()
	name := func(components ...string) configKey { return components }

	flags.StringVar(&trialsFile, "trials", "",
		"YAML file of trials to submit; the process exits once they all finish")

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")

	registerString(flags, name("log", "level"),
		defaults.Log.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		defaults.Log.Color, "output logs in color")
	registerBool(flags, name("log", "json"),
		defaults.Log.JSON, "output logs as JSON")
	registerString(flags, name("log", "file"),
		defaults.Log.File, "also write logs to this file")

	registerString(flags, name("experiment-id"),
		defaults.ExperimentID, "experiment id; generated when empty")
	registerString(flags, name("root"),
		defaults.Root, "directory experiments are written to")
	registerInt(flags, name("port"),
		defaults.Port, "port of the runner channel and the API")
	registerString(flags, name("manager-ip"),
		defaults.ManagerIP, "address runners reach the dispatcher at; detected when empty")
	registerBool(flags, name("version-check"),
		defaults.VersionCheck, "compare runner versions against the dispatcher")
	registerString(flags, name("log-collection"),
		defaults.LogCollection, "how runners collect trial output")

	registerString(flags, name("trial", "command"),
		defaults.Trial.Command, "command every trial runs")
	registerString(flags, name("trial", "code-dir"),
		defaults.Trial.CodeDir, "directory shipped to environments with every trial")
	registerInt(flags, name("trial", "node-count"),
		defaults.Trial.NodeCount, "workers per trial")

	registerString(flags, name("dispatcher", "fitting-policy"),
		defaults.Dispatcher.FittingPolicy, "GPU fitting policy from [best, worst]")
	registerString(flags, name("dispatcher", "runner-command"),
		defaults.Dispatcher.RunnerCommand, "command that starts the runner in an environment")

	registerString(flags, name("environment", "type"),
		defaults.Environment.Type, "environment backend from [local, docker]")
	registerString(flags, name("storage", "type"),
		defaults.Storage.Type, "storage backend from [mounted, s3, gcs]")
}
