// Package testconfig contains configuration helpers for tests.
package testconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ohsu-comp-bio/molq/config"
	"github.com/ohsu-comp-bio/molq/logger"
)

// TestifyConfig modifies directory paths and poll rates so tests do not
// conflict with each other or with a user's real job database.
func TestifyConfig(conf config.Config) config.Config {
	conf = TempDirConfig(conf)
	conf.Logger = logger.DebugConfig()
	conf.Metrics.UpdateRate = config.Duration(time.Millisecond * 50)
	for i, b := range conf.Backends {
		b.PollInterval = config.Duration(time.Millisecond * 20)
		b.GraceWindow = config.Duration(time.Second)
		b.Remote.Retries = 2
		conf.Backends[i] = b
	}
	return conf
}

// TempDirConfig points the registry at a new temporary directory.
func TempDirConfig(conf config.Config) config.Config {
	tmp, err := os.MkdirTemp("", "molq-test-")
	if err != nil {
		panic(err)
	}
	conf.Registry.Path = filepath.Join(tmp, "jobs.db")
	return conf
}

// ConfigFile writes conf as YAML into a test temp directory and returns its path.
func ConfigFile(t testing.TB, conf config.Config) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "molq.yaml")
	if err := config.ToYamlFile(conf, p); err != nil {
		t.Fatal(err)
	}
	return p
}

// Cleanup removes the temporary directory created by TempDirConfig.
func Cleanup(conf config.Config) {
	os.RemoveAll(filepath.Dir(conf.Registry.Path))
}
