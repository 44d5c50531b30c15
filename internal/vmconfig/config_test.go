package vmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "kernel: /boot/vmlinuz\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, 1, cfg.CPUs)
	assert.Equal(t, uint64(512), cfg.MemoryMB)
	assert.Equal(t, "/boot/vmlinuz", cfg.Kernel)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `
version: 2
cpus: 4
memoryMB: 2048
kernel: /boot/vmlinuz
cmdline: "console=ttyS0"
disks:
  - path: /var/lib/ph/disk.img
    readOnly: true
share:
  tag: hostshare
  root: /srv/share
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Version)
	assert.Equal(t, 4, cfg.CPUs)
	assert.Equal(t, uint64(2048), cfg.MemoryMB)
	require.Len(t, cfg.Disks, 1)
	assert.True(t, cfg.Disks[0].ReadOnly)
	require.NotNil(t, cfg.Share)
	assert.Equal(t, "hostshare", cfg.Share.Tag)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestValidateRequiresKernel(t *testing.T) {
	cfg := &Config{CPUs: 1, MemoryMB: 512}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "kernel")
}

func TestValidateRejectsNegativeCPUs(t *testing.T) {
	cfg := &Config{Kernel: "/boot/vmlinuz", CPUs: -1}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresShareTag(t *testing.T) {
	cfg := &Config{
		Kernel: "/boot/vmlinuz",
		CPUs:   1,
		Share:  &P9Share{Root: "/srv/share"},
	}
	assert.ErrorContains(t, cfg.Validate(), "share.tag")
}
