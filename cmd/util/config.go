package util

import (
	"strings"

	"github.com/imdario/mergo"
	"github.com/ohsu-comp-bio/molq/config"
	"github.com/spf13/pflag"
)

var separators = strings.NewReplacer("-", ".", "_", ".")

// normalize maps "log-level", "Log_Level" and "log.level" to one name.
func normalize(name string) string {
	return strings.ToLower(separators.Replace(name))
}

// NormalizeFlags allows for flags to be case and separator insensitive.
// Use it by passing it to cobra.Command.SetGlobalNormalizationFunc
func NormalizeFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	lookup := map[string]string{"help": "help", normalize(name): name}

	f.VisitAll(func(f *pflag.Flag) {
		lookup[normalize(f.Name)] = f.Name
	})

	return pflag.NormalizedName(lookup[normalize(name)])
}

// MergeConfigFileWithFlags loads the config file, if any, over the defaults,
// then applies the non-zero values set by flags. Flag values override values
// in the provided config file.
func MergeConfigFileWithFlags(file string, flagConf config.Config) (config.Config, error) {
	conf := config.DefaultConfig()
	err := config.ParseFile(file, &conf)
	if err != nil {
		return conf, err
	}

	// file vals <- cli val
	err = mergo.MergeWithOverwrite(&conf, flagConf)
	if err != nil {
		return conf, err
	}
	return conf, nil
}
