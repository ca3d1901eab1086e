package util

import (
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/spf13/pflag"
)

// GlobalFlags returns the flag set shared by every molq command.
func GlobalFlags(opts *Options) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringVarP(&opts.ConfigFile, "config", "c", opts.ConfigFile, "Config File")
	f.StringVarP(&opts.Flags.DefaultBackend, "backend", "b", opts.Flags.DefaultBackend, "Name of the backend to use")

	f.AddFlagSet(registryFlags(&opts.Flags))
	f.AddFlagSet(loggerFlags(&opts.Flags))

	return f
}

func registryFlags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringVar(&flagConf.Registry.Path, "db", flagConf.Registry.Path, "Path to the job registry database")
	f.Var(&flagConf.Registry.Timeout, "Registry.Timeout", "How long to wait for the registry file lock")

	return f
}

func loggerFlags(flagConf *config.Config) *pflag.FlagSet {
	f := pflag.NewFlagSet("", pflag.ContinueOnError)

	f.StringVar(&flagConf.Logger.Level, "log-level", flagConf.Logger.Level, "Level of logging")
	f.StringVar(&flagConf.Logger.OutputFile, "Logger.OutputFile", flagConf.Logger.OutputFile, "File path to write logs to")
	f.StringVar(&flagConf.Logger.Formatter, "Logger.Formatter", flagConf.Logger.Formatter, "Logs formatter. One of ['text', 'json']")

	return f
}
