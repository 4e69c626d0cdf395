package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromFileAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ratepersec: 25\nlockttl: 45s\nobjectstorebackend: s3\n"), 0o644))

	cfg, err := FromFile(Default(), path)
	require.NoError(t, err)
	require.Equal(t, 25.0, cfg.RatePerSec)
	require.Equal(t, 45*time.Second, cfg.LockTTL)
	require.Equal(t, "s3", cfg.ObjectStoreBackend)
	require.Equal(t, 1, cfg.Burst, "fields absent from the overrides file keep their default")
}

func TestFromFileMissingPathReturnsBaseUnchanged(t *testing.T) {
	base := Default()
	cfg, err := FromFile(base, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Same(t, base, cfg)
}

func TestFromFileEmptyPathIsNoop(t *testing.T) {
	base := Default()
	cfg, err := FromFile(base, "")
	require.NoError(t, err)
	require.Same(t, base, cfg)
}
