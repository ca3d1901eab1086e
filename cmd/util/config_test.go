package util

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/config/testconfig"
)

func TestMergeConfigFileWithFlags(t *testing.T) {
	flagConf := config.Config{}
	flagConf.Registry.Path = "/tmp/flag.db"
	flagConf.DefaultBackend = "cluster"

	result, err := MergeConfigFileWithFlags("", flagConf)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if result.Registry.Path != "/tmp/flag.db" {
		t.Fatal("unexpected registry path", result.Registry.Path)
	}
	if result.Logger.Level != config.DefaultConfig().Logger.Level {
		t.Fatal("expected default logger level")
	}

	fileConf := config.DefaultConfig()
	fileConf.Registry.Path = "/tmp/file.db"
	fileConf.Backends = append(fileConf.Backends, config.DefaultSchedulerBackend("cluster", config.Slurm))
	tmp := testconfig.ConfigFile(t, fileConf)

	result, err = MergeConfigFileWithFlags(tmp, flagConf)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if result.Registry.Path != "/tmp/flag.db" {
		t.Fatal("flag value should override file value")
	}
	if result.DefaultBackend != "cluster" {
		t.Fatal("unexpected default backend", result.DefaultBackend)
	}
	if _, ok := result.Backend("cluster"); !ok {
		t.Fatal("expected backend from config file")
	}
}

func TestOpen(t *testing.T) {
	opts := &Options{}
	opts.Flags.Registry.Path = filepath.Join(t.TempDir(), "jobs.db")

	env, err := opts.Open(context.Background())
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	defer env.Close()

	b, ok := env.Backend("")
	if !ok || b.Kind != config.Local {
		t.Fatal("expected the default local backend", b)
	}
	if _, err := env.Dispatcher.Get("local"); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizeFlags(t *testing.T) {
	opts := &Options{}
	f := GlobalFlags(opts)
	f.SetNormalizeFunc(NormalizeFlags)
	if err := f.Parse([]string{"--logger_formatter", "json", "--LOG-LEVEL", "debug"}); err != nil {
		t.Fatal(err)
	}
	if opts.Flags.Logger.Formatter != "json" || opts.Flags.Logger.Level != "debug" {
		t.Fatal("unexpected logger flags", opts.Flags.Logger)
	}
}
