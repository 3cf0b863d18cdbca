package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annexdb/annex/internal/config"
)

// chdir is t.Chdir for toolchains older than Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestConfigInit(t *testing.T) {
	chdir(t, t.TempDir())
	configPath = ""
	t.Cleanup(func() { configPath = "" })

	cmd := newConfigInitCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), config.DefaultFileName)

	_, err := os.Stat(config.DefaultFileName)
	require.NoError(t, err)

	// A second init without --force must refuse to clobber the file.
	cmd = newConfigInitCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	require.Error(t, cmd.Execute())

	cmd = newConfigInitCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--force"})
	require.NoError(t, cmd.Execute())
}

func TestConfigShow(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(config.EnvDefaultModel, "mock-model")
	t.Setenv(config.EnvMaxInstances, "13")
	configPath = ""
	t.Cleanup(func() { configPath = "" })

	cmd := newConfigShowCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "mock-model", "env overrides must appear in the effective config")
	assert.Contains(t, out, "13")
}
