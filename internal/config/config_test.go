package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heimdall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr: \":5300\"\ndnssec_enabled: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":5300", cfg.BindAddr)
	assert.True(t, cfg.DNSSECEnabled)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().UpstreamServers, cfg.UpstreamServers)
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-bind", ":9999"}))

	cfg := flags.Apply(Default(), fs)
	assert.Equal(t, ":9999", cfg.BindAddr)
	assert.Equal(t, Default().UpstreamServers, cfg.UpstreamServers)
}

func TestStoreSwapIsAtomic(t *testing.T) {
	s := NewStore(Default())
	assert.Equal(t, ":53", s.Get().BindAddr)

	next := Default()
	next.BindAddr = ":5353"
	s.Swap(next)

	assert.Equal(t, ":5353", s.Get().BindAddr)
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53"}, splitCSV("1.1.1.1:53,8.8.8.8:53"))
	assert.Empty(t, splitCSV(""))
}
